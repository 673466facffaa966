// Package engine is the caller-facing layer over one engine instance: command and query
// exchange with retry, project control, listener management and shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rbright/oslctl/internal/client"
	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/notify"
	"github.com/rbright/oslctl/internal/supervisor"
	"github.com/rbright/oslctl/internal/telemetry"
)

const (
	DefaultRequestTimeout = 30 * time.Second
	DefaultConnectTimeout = 2 * time.Second
	DefaultMaxAttempts    = 2

	shutdownWait = 5 * time.Second
	shutdownPoll = 500 * time.Millisecond
)

// ListenerOptions applies to every listener the server creates.
type ListenerOptions struct {
	Host            string
	PortMin         int
	PortMax         int
	TimeoutMS       int
	RefreshInterval time.Duration
}

// Options configures a Server. Zero values select defaults.
type Options struct {
	Password       string
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	// MaxAttempts bounds how often a request is sent when it times out.
	MaxAttempts int
	Listener    ListenerOptions
	Logger      *slog.Logger
	Metrics     *telemetry.Recorder
}

// Server talks to one engine. Every request opens a fresh command connection, so a
// Server is safe for concurrent use.
type Server struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	endpoint  localsock.Endpoint
	listeners map[*notify.Listener]struct{}
	version   *Version
	process   *supervisor.Supervisor
	disposed  bool
}

func newServer(ep localsock.Endpoint, opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		opts:      opts,
		logger:    logger,
		endpoint:  ep,
		listeners: map[*notify.Listener]struct{}{},
	}
}

// Attach connects to an engine that is already running at ep.
func Attach(ctx context.Context, ep localsock.Endpoint, opts Options) (*Server, error) {
	s := newServer(ep, opts)
	alive, err := s.IsAlive(ctx)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", ep, err)
	}
	if !alive {
		return nil, fmt.Errorf("attach %s: engine reports it is not alive", ep)
	}
	s.checkVersion(ctx)
	return s, nil
}

// Endpoint returns the command endpoint.
func (s *Server) Endpoint() localsock.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Process returns the supervisor of a launched engine, or nil when attached.
func (s *Server) Process() *supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

// Disposed reports whether Dispose or Shutdown ran.
func (s *Server) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Send delivers req and returns the checked response. Zero timeout and attempts use the
// configured defaults. Only timeouts are retried; every attempt uses a new connection.
func (s *Server) Send(ctx context.Context, req command.Request, timeout time.Duration, attempts int) (resp client.Response, err error) {
	s.mu.Lock()
	disposed, ep := s.disposed, s.endpoint
	s.mu.Unlock()
	if disposed {
		return client.Response{}, fmt.Errorf("send %s: %w", req.Name(), errs.ErrDisposed)
	}
	if ep.IsZero() {
		return client.Response{}, fmt.Errorf("send %s: %w: no engine endpoint", req.Name(), errs.ErrConnection)
	}
	if timeout <= 0 {
		timeout = s.opts.RequestTimeout
	}
	if attempts <= 0 {
		attempts = s.opts.MaxAttempts
	}
	if s.opts.Password != "" {
		req = req.WithPassword(s.opts.Password)
	}

	ctx, end := s.opts.Metrics.StartCommand(ctx, req.Name())
	defer func() { end(err) }()

	for attempt := 1; ; attempt++ {
		resp, err = s.sendOnce(ctx, ep, req, timeout)
		if err == nil || !errors.Is(err, errs.ErrTimeout) || attempt >= attempts || ctx.Err() != nil {
			break
		}
		s.logger.Warn("request timed out, retrying", "command", req.Name(), "attempt", attempt, "max_attempts", attempts)
	}
	if err != nil && !errs.IsCommandError(err) {
		return resp, fmt.Errorf("send %s to %s: %w", req.Name(), ep, err)
	}
	return resp, err
}

func (s *Server) sendOnce(ctx context.Context, ep localsock.Endpoint, req command.Request, timeout time.Duration) (client.Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return client.Response{}, ctx.Err()
		}
		timeout = min(timeout, left)
	}

	c := client.New(s.logger)
	if err := c.Connect(ctx, ep, min(s.opts.ConnectTimeout, timeout)); err != nil {
		return client.Response{}, err
	}
	defer c.Disconnect()
	return c.SendCommandAndWait(req, timeout)
}

// Run sends cmds in one envelope.
func (s *Server) Run(ctx context.Context, cmds ...command.Command) (any, error) {
	resp, err := s.Send(ctx, command.NewEnvelope(cmds...), 0, 0)
	return resp.Decoded, err
}

// Query sends q and returns the decoded reply.
func (s *Server) Query(ctx context.Context, q command.Query) (any, error) {
	resp, err := s.Send(ctx, q, 0, 0)
	return resp.Decoded, err
}

func (s *Server) queryObject(ctx context.Context, q command.Query) (map[string]any, error) {
	decoded, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &errs.ResponseFormatError{Reason: fmt.Sprintf("%s: expected an object, got %T", q.What, decoded)}
	}
	return obj, nil
}

func (s *Server) ServerInfo(ctx context.Context) (map[string]any, error) {
	return s.queryObject(ctx, command.ServerInfo())
}

// IsAlive asks the engine whether it is serving. A reply without a status counts as alive.
func (s *Server) IsAlive(ctx context.Context) (bool, error) {
	decoded, err := s.Query(ctx, command.ServerIsAlive())
	if err != nil {
		return false, err
	}
	status, ok := command.LookupString(decoded, "status")
	if !ok {
		return true, nil
	}
	return strings.EqualFold(status, "success"), nil
}

func (s *Server) BasicProjectInfo(ctx context.Context) (map[string]any, error) {
	return s.queryObject(ctx, command.BasicProjectInfo())
}

// ProjectStatus returns the state of the loaded project, or "" when none is loaded.
func (s *Server) ProjectStatus(ctx context.Context) (string, error) {
	info, err := s.BasicProjectInfo(ctx)
	if err != nil {
		return "", err
	}
	state, _ := command.LookupString(info, "projects", "state")
	return strings.ToUpper(state), nil
}

func (s *Server) ActorStatusInfo(ctx context.Context, uid, hid string) (any, error) {
	return s.Query(ctx, command.ActorStatusInfo(uid, hid))
}

// RegisterListener implements notify.Registrar.
func (s *Server) RegisterListener(ctx context.Context, reg command.ListenerRegistration) (string, error) {
	cmd, err := command.RegisterListener(reg)
	if err != nil {
		return "", err
	}
	decoded, err := s.Run(ctx, cmd)
	if err != nil {
		return "", err
	}
	if uid, ok := command.LookupString(decoded, "uid"); ok && uid != "" {
		return uid, nil
	}
	if reg.UID == "" {
		return "", &errs.ResponseFormatError{Reason: "REGISTER_LISTENER: reply carries no uid"}
	}
	return reg.UID, nil
}

// RefreshListener implements notify.Registrar.
func (s *Server) RefreshListener(ctx context.Context, uid string) error {
	_, err := s.Run(ctx, command.RefreshListenerRegistration(uid))
	return err
}

// UnregisterListener implements notify.Registrar.
func (s *Server) UnregisterListener(ctx context.Context, uid string) error {
	_, err := s.Run(ctx, command.UnregisterListener(uid))
	return err
}

// NewListener binds and registers a listener for kinds. The server disposes it on
// Dispose or Shutdown; callers may dispose it earlier.
func (s *Server) NewListener(ctx context.Context, name string, kinds ...string) (*notify.Listener, error) {
	l := s.newListener(name, kinds)
	if err := l.StartListening(); err != nil {
		return nil, fmt.Errorf("listener %s: %w", name, err)
	}
	if err := l.Register(ctx); err != nil {
		l.Dispose(ctx)
		return nil, fmt.Errorf("listener %s: %w", name, err)
	}
	if err := s.track(l); err != nil {
		l.Dispose(ctx)
		return nil, fmt.Errorf("listener %s: %w", name, err)
	}
	return l, nil
}

func (s *Server) newListener(name string, kinds []string) *notify.Listener {
	lo := s.opts.Listener
	return notify.New(notify.Options{
		Name:            name,
		Host:            lo.Host,
		PortMin:         lo.PortMin,
		PortMax:         lo.PortMax,
		TimeoutMS:       lo.TimeoutMS,
		RefreshInterval: lo.RefreshInterval,
		Notifications:   kinds,
		Registrar:       s,
		Logger:          s.logger,
		Metrics:         s.opts.Metrics,
	})
}

func (s *Server) track(l *notify.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return errs.ErrDisposed
	}
	s.listeners[l] = struct{}{}
	return nil
}

// release disposes a listener created for a single call.
func (s *Server) release(ctx context.Context, l *notify.Listener) {
	s.mu.Lock()
	delete(s.listeners, l)
	s.mu.Unlock()
	l.Dispose(context.WithoutCancel(ctx))
}

// Dispose unregisters and closes every listener. The engine keeps running.
func (s *Server) Dispose(ctx context.Context) {
	s.disposeListeners(ctx)
	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()
}

func (s *Server) disposeListeners(ctx context.Context) {
	s.mu.Lock()
	listeners := make([]*notify.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	clear(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.Dispose(ctx)
	}
}

// Shutdown disposes all listeners and asks the engine to exit. With force, a launched
// engine that fails to answer or stays up is terminated.
func (s *Server) Shutdown(ctx context.Context, force bool) error {
	if s.Disposed() {
		return nil
	}
	s.disposeListeners(ctx)
	proc := s.Process()

	_, err := s.Run(ctx, command.Shutdown())
	if err != nil {
		if !force || proc == nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		s.logger.Warn("shutdown command failed, terminating engine", "error", err)
	}

	s.mu.Lock()
	s.disposed = true
	s.mu.Unlock()

	if !force || proc == nil {
		return nil
	}
	if !awaitExit(ctx, proc, shutdownWait) {
		s.logger.Warn("engine still running after shutdown, terminating", "pid", proc.PID())
	}
	return proc.Terminate(ctx, true)
}

func awaitExit(ctx context.Context, proc *supervisor.Supervisor, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for proc.IsRunning() {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !proc.IsRunning()
		case <-time.After(shutdownPoll):
		}
	}
	return true
}

// shutdownCommand lets the supervisor ask the engine to exit without disposing listeners.
type shutdownCommand struct {
	server *Server
}

func (c shutdownCommand) Shutdown(ctx context.Context) error {
	_, err := c.server.Run(ctx, command.Shutdown())
	return err
}
