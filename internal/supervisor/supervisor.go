// Package supervisor owns the engine process: launch, readiness through the server-info
// file, output pumping, and teardown of the whole process tree.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/telemetry"
)

const (
	// DefaultProjectFile names the project created in a temporary directory.
	DefaultProjectFile    = "project.opf"
	defaultServerInfoName = "oslctl_server_info.ini"

	DefaultStartupTimeout = 60 * time.Second
	DefaultGrace          = 3 * time.Second

	// licensingExitCode is the engine's exit status when no license could be checked out.
	licensingExitCode = 11

	maxLineBytes = 1 << 20
)

// Config describes how to launch the engine.
type Config struct {
	Executable string
	// Project is the .opf project path; empty creates one in a temporary directory.
	Project string
	Batch   bool
	Service bool
	// PortRange restricts the engine TCP server ports; zero lets the engine pick.
	PortRange [2]int
	Password  string
	// ServerInfo is where the engine writes its endpoint; empty places it next to the project.
	ServerInfo string

	NoSave             bool
	NoRun              bool
	Force              bool
	ShutdownOnFinished bool
	LogServerEvents    bool

	ListenerHost  string
	ListenerPort  int
	ListenerID    string
	Notifications []string

	Env       map[string]string
	ExtraArgs []string
	Dir       string
	// KeepIniFiles leaves stale .ini files next to the project in place.
	KeepIniFiles bool

	StartupTimeout time.Duration
	Grace          time.Duration

	Launcher ProcessLauncher
	Logger   *slog.Logger
	Metrics  *telemetry.Recorder
}

// Shutdowner asks the engine to exit on its own.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Supervisor runs one engine process. Start and Terminate must not run concurrently.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	proc       Process
	done       chan struct{}
	exitCode   int
	exitErr    error
	endpoint   localsock.Endpoint
	project    string
	tempDir    string
	pumps      *errgroup.Group
	outputs    []io.Closer
	shutdowner Shutdowner
}

// New returns a supervisor for cfg. Nothing is started.
func New(cfg Config) *Supervisor {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = DefaultStartupTimeout
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Supervisor{cfg: cfg, logger: logger}
}

// SetShutdowner installs the graceful path used by Terminate(ctx, false).
func (s *Supervisor) SetShutdowner(sh Shutdowner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowner = sh
}

// Start launches the engine and blocks until the server-info file has been written and
// parsed. On any failure the child tree is torn down before returning.
func (s *Supervisor) Start(ctx context.Context) (err error) {
	if s.IsRunning() {
		return errors.New("start engine: process is already running")
	}
	defer func() { s.cfg.Metrics.ProcessStarted(ctx, err) }()

	project, tempDir, err := s.prepareProject()
	if err != nil {
		return err
	}
	cleanupTemp := func() {
		if tempDir != "" {
			_ = os.RemoveAll(tempDir)
		}
	}

	cfg := s.cfg
	cfg.Project = project
	if cfg.ServerInfo == "" {
		cfg.ServerInfo = filepath.Join(filepath.Dir(project), defaultServerInfoName)
	}
	if !cfg.KeepIniFiles {
		if err := s.removeIniFiles(filepath.Dir(project)); err != nil {
			cleanupTemp()
			return err
		}
	}
	_ = os.Remove(cfg.ServerInfo)

	_, statErr := os.Stat(project)
	spec := Spec{
		Path: cfg.Executable,
		Args: Args(cfg, statErr == nil),
		Env:  environ(cfg.Env),
		Dir:  cfg.Dir,
	}
	s.logger.Debug("launching engine", "executable", spec.Path, "args", spec.Args)

	started, err := cfg.Launcher.Launch(spec)
	if err != nil {
		cleanupTemp()
		return &errs.StartupError{Reason: err.Error()}
	}
	s.attach(started, project, tempDir)
	s.logger.Info("engine process started", "pid", started.Process.Pid(), "project", project)

	info, err := s.awaitServerInfo(ctx, cfg.ServerInfo)
	if err != nil {
		if termErr := s.terminateTree(context.WithoutCancel(ctx)); termErr != nil {
			s.logger.Error("teardown after failed start", "error", termErr)
		}
		s.finish()
		return err
	}

	s.mu.Lock()
	s.endpoint = info.Endpoint()
	s.mu.Unlock()
	s.logger.Info("engine ready", "endpoint", info.Endpoint().String())
	return nil
}

// IsRunning reports whether the child has been started and has not exited.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Wait blocks until the child exits and returns its exit code.
func (s *Supervisor) Wait(ctx context.Context) (int, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return 0, errs.ErrProcessNotRunning
	}
	select {
	case <-done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exitCode, s.exitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Endpoint returns the command endpoint once the server-info file was parsed.
func (s *Supervisor) Endpoint() (localsock.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint, !s.endpoint.IsZero()
}

// PID returns the child pid, or 0 before Start.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// ProjectPath returns the project the engine was started with.
func (s *Supervisor) ProjectPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.project
}

// Terminate stops the engine. Without force the engine is first asked to shut down and
// the process tree is only torn down if that fails or the engine does not exit in time.
func (s *Supervisor) Terminate(ctx context.Context, force bool) error {
	s.mu.Lock()
	proc, done, sh := s.proc, s.done, s.shutdowner
	s.mu.Unlock()
	if proc == nil {
		return nil
	}

	if !force && sh != nil && s.IsRunning() {
		if err := sh.Shutdown(ctx); err != nil {
			s.logger.Warn("graceful shutdown failed, terminating process tree", "error", err)
		} else {
			select {
			case <-done:
				s.sweepGroup(context.WithoutCancel(ctx), proc.Pid())
				s.finish()
				return nil
			case <-time.After(s.cfg.Grace):
				s.logger.Warn("engine did not exit after shutdown, terminating process tree")
			case <-ctx.Done():
			}
		}
	}

	err := s.terminateTree(context.WithoutCancel(ctx))
	s.finish()
	return err
}

func (s *Supervisor) prepareProject() (project, tempDir string, err error) {
	project = s.cfg.Project
	if project == "" {
		tempDir = filepath.Join(os.TempDir(), "oslctl-"+uuid.NewString())
		if err := os.MkdirAll(tempDir, 0o700); err != nil {
			return "", "", fmt.Errorf("create temporary project dir: %w", err)
		}
		return filepath.Join(tempDir, DefaultProjectFile), tempDir, nil
	}
	if !strings.EqualFold(filepath.Ext(project), ".opf") {
		return "", "", fmt.Errorf("invalid project file %q: expected .opf extension", project)
	}
	abs, err := filepath.Abs(project)
	if err != nil {
		return "", "", fmt.Errorf("resolve project path: %w", err)
	}
	return abs, "", nil
}

func (s *Supervisor) removeIniFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan project dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".ini") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove server info file: %w", err)
		}
		s.logger.Info("removed server info file", "path", path)
	}
	return nil
}

func (s *Supervisor) attach(started Started, project, tempDir string) {
	done := make(chan struct{})
	pumps := &errgroup.Group{}

	s.mu.Lock()
	s.proc = started.Process
	s.done = done
	s.exitCode = 0
	s.exitErr = nil
	s.endpoint = localsock.Endpoint{}
	s.project = project
	s.tempDir = tempDir
	s.pumps = pumps
	s.outputs = []io.Closer{started.Stdout, started.Stderr}
	s.mu.Unlock()

	pid := started.Process.Pid()
	pumps.Go(func() error { return s.pump(started.Stdout, "engine stdout", slog.LevelDebug, pid) })
	pumps.Go(func() error { return s.pump(started.Stderr, "engine stderr", slog.LevelWarn, pid) })

	go func() {
		code, err := started.Process.Wait()
		s.mu.Lock()
		s.exitCode = code
		s.exitErr = err
		s.mu.Unlock()
		close(done)
		s.logger.Info("engine process exited", "pid", pid, "exit_code", code)
	}()
}

func (s *Supervisor) pump(r io.Reader, msg string, level slog.Level, pid int) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.logger.Log(context.Background(), level, msg, "pid", pid, "line", scanner.Text())
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("output pump stopped", "stream", msg, "error", err)
	}
	return nil
}

func (s *Supervisor) awaitServerInfo(ctx context.Context, path string) (ServerInfo, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if info, err := ReadServerInfo(path); err == nil {
			return info, nil
		}
		select {
		case <-ctx.Done():
			return ServerInfo{}, fmt.Errorf("await server info: %w", ctx.Err())
		case <-done:
			s.mu.Lock()
			code := s.exitCode
			s.mu.Unlock()
			return ServerInfo{}, &errs.StartupError{
				Reason:    "engine exited before writing server info",
				ExitCode:  code,
				Exited:    true,
				Licensing: code == licensingExitCode,
			}
		case <-deadline.C:
			return ServerInfo{}, &errs.StartupError{
				Reason: fmt.Sprintf("server info file %s not written within %s", path, s.cfg.StartupTimeout),
			}
		case <-ticker.C:
		}
	}
}

// terminateTree asks every descendant to exit, kills survivors after the grace period,
// then ends the child itself.
func (s *Supervisor) terminateTree(ctx context.Context) error {
	s.mu.Lock()
	proc, done := s.proc, s.done
	s.mu.Unlock()
	if proc == nil {
		return nil
	}
	pid := proc.Pid()

	tree, err := Descendants(ctx, int32(pid))
	if err != nil {
		s.logger.Warn("enumerate engine process tree", "pid", pid, "error", err)
	}
	for _, p := range tree {
		if err := p.TerminateWithContext(ctx); err != nil && Alive(ctx, p) {
			s.logger.Debug("terminate descendant", "pid", p.Pid, "error", err)
		}
	}
	for _, p := range awaitGone(ctx, tree, s.cfg.Grace) {
		s.logger.Debug("descendant ignored terminate, killing", "pid", p.Pid)
		if err := p.KillWithContext(ctx); err != nil && Alive(ctx, p) {
			s.logger.Warn("kill descendant", "pid", p.Pid, "error", err)
		}
	}

	if !isClosed(done) {
		if root, err := process.NewProcessWithContext(ctx, int32(pid)); err == nil {
			_ = root.TerminateWithContext(ctx)
		}
		select {
		case <-done:
		case <-time.After(s.cfg.Grace):
			s.logger.Warn("engine ignored terminate, killing", "pid", pid)
			if err := proc.Kill(); err != nil {
				s.logger.Warn("kill engine", "pid", pid, "error", err)
			}
			select {
			case <-done:
			case <-time.After(s.cfg.Grace):
			}
		}
	}

	if isClosed(done) {
		s.sweepGroup(ctx, pid)
	}

	leftPIDs := pids(awaitGone(ctx, tree, time.Second))
	if !isClosed(done) {
		leftPIDs = append([]int32{int32(pid)}, leftPIDs...)
	}
	if len(leftPIDs) > 0 {
		err := &errs.TerminationError{Survivors: leftPIDs}
		s.logger.Error("engine teardown incomplete", "survivors", leftPIDs)
		return err
	}
	return nil
}

// sweepGroup ends helpers that are no longer below the engine in the process tree,
// typically because they were reparented when the engine exited, but still share its
// process group. Call only once the engine itself is gone.
func (s *Supervisor) sweepGroup(ctx context.Context, pgid int) {
	if !groupAlive(pgid) {
		return
	}
	s.logger.Debug("terminating leftover engine process group", "pgid", pgid)
	if err := terminateGroup(pgid); err != nil {
		s.logger.Warn("terminate engine process group", "pgid", pgid, "error", err)
	}
	deadline := time.Now().Add(s.cfg.Grace)
	for groupAlive(pgid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(pollInterval):
		}
	}
	if groupAlive(pgid) {
		s.logger.Warn("engine process group ignored terminate, killing", "pgid", pgid)
		if err := killGroup(pgid); err != nil {
			s.logger.Warn("kill engine process group", "pgid", pgid, "error", err)
		}
	}
}

// finish releases output pipes and the temporary project once the child is gone.
func (s *Supervisor) finish() {
	s.mu.Lock()
	pumps, outputs, tempDir := s.pumps, s.outputs, s.tempDir
	s.outputs = nil
	s.tempDir = ""
	s.mu.Unlock()

	if pumps != nil {
		drained := make(chan struct{})
		go func() {
			_ = pumps.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(time.Second):
			for _, c := range outputs {
				_ = c.Close()
			}
			<-drained
		}
	}
	for _, c := range outputs {
		_ = c.Close()
	}
	if tempDir != "" {
		if err := os.RemoveAll(tempDir); err != nil {
			s.logger.Warn("remove temporary project", "path", tempDir, "error", err)
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
