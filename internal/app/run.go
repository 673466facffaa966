package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbright/oslctl/internal/cli"
	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/config"
	"github.com/rbright/oslctl/internal/engine"
	"github.com/rbright/oslctl/internal/ipc"
	"github.com/rbright/oslctl/internal/localsock"
	"github.com/rbright/oslctl/internal/session"
	"github.com/rbright/oslctl/internal/telemetry"
)

const (
	acquireProbeTimeout = 180 * time.Millisecond
	acquireRetries      = 8
	// startDrain bounds how long Run waits for a --start goroutine after the session ends.
	startDrain = 5 * time.Second
)

// Run owns an engine for the lifetime of the session and serves the control socket.
func (r Runner) Run(ctx context.Context, g cli.Global, opts cli.RunOptions) error {
	e, err := r.setup("run", g)
	if err != nil {
		return err
	}
	defer e.close()

	cfg := e.loaded.Config
	if opts.Project != "" {
		cfg.Engine.Project = opts.Project
	}

	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return err
	}
	controlSocket, err := ipc.Acquire(ctx, socketPath, acquireProbeTimeout, acquireRetries, nil)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			return fmt.Errorf("%w (%s)", err, socketPath)
		}
		return err
	}
	defer func() { _ = controlSocket.Close() }()

	metrics := telemetry.NewCollector()
	defer func() {
		metrics.Log(context.WithoutCancel(ctx), e.logger)
		_ = metrics.Shutdown(context.WithoutCancel(ctx))
	}()
	engOpts := engine.NewOptions(cfg, e.logger, metrics.Recorder())
	srv, err := openEngine(ctx, cfg, opts.Attach, engOpts)
	if err != nil {
		return err
	}

	var process session.Process
	if p := srv.Process(); p != nil {
		process = p
	}
	ctrl := session.NewController(e.logger, srv, process)

	serveCtx, serveCancel := context.WithCancel(ctx)
	defer serveCancel()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- ipc.Serve(serveCtx, controlSocket, ctrl)
	}()

	ready := "engine ready endpoint=" + srv.Endpoint().String()
	if process != nil {
		ready += fmt.Sprintf(" pid=%d", process.PID())
	}
	fmt.Fprintln(r.Stdout, ready)

	var startDone chan error
	if opts.Start {
		startDone = make(chan error, 1)
		go func() {
			startDone <- startProject(ctx, ctrl, opts)
		}()
	}

	result := ctrl.Run(ctx)
	serveCancel()
	serverErr := <-serveErr
	logSessionResult(e.logger, result)

	var startErr error
	if startDone != nil {
		select {
		case startErr = <-startDone:
		case <-time.After(startDrain):
			e.logger.Warn("project start did not return after session end")
		}
	}

	if serverErr != nil {
		return fmt.Errorf("control socket failed: %w", serverErr)
	}
	switch {
	case result.EngineExited:
		fmt.Fprintf(r.Stdout, "engine exited code=%d\n", result.ExitCode)
	case result.ShutdownRequested:
		fmt.Fprintln(r.Stdout, "engine shut down")
	default:
		fmt.Fprintln(r.Stdout, "interrupted")
	}
	if result.Err != nil && !errors.Is(result.Err, context.Canceled) {
		return result.Err
	}
	return startErr
}

// startProject starts the project through the controller so it is serialized with
// control-socket requests. With Wait the session ends once execution finishes.
func startProject(ctx context.Context, ctrl *session.Controller, opts cli.RunOptions) error {
	resp := ctrl.Handle(ctx, ipc.Request{
		Command:   ipc.CommandStart,
		Wait:      opts.Wait,
		TimeoutMS: int(opts.Timeout.Milliseconds()),
	})
	var err error
	if !resp.OK {
		err = fmt.Errorf("start project: %s", resp.Error)
	}
	if opts.Wait || err != nil {
		ctrl.Handle(ctx, ipc.Request{Command: ipc.CommandShutdown})
	}
	return err
}

func openEngine(ctx context.Context, cfg config.Config, attach string, opts engine.Options) (*engine.Server, error) {
	if attach != "" {
		ep, err := localsock.ParseEndpoint(attach)
		if err != nil {
			return nil, err
		}
		return engine.Attach(ctx, ep, opts)
	}
	if ep, ok := engine.ConfiguredEndpoint(cfg.Server); ok {
		return engine.Attach(ctx, ep, opts)
	}
	return engine.Launch(ctx, engine.NewLaunchConfig(cfg, opts))
}

// Attach connects to a running engine, prints what it reports, and detaches.
func (r Runner) Attach(ctx context.Context, g cli.Global, opts cli.AttachOptions) error {
	e, err := r.setup("attach", g)
	if err != nil {
		return err
	}
	defer e.close()

	ep, err := resolveEndpoint(ctx, e.loaded.Config, opts.Address)
	if err != nil {
		return err
	}
	srv, err := engine.Attach(ctx, ep, engine.NewOptions(e.loaded.Config, e.logger, nil))
	if err != nil {
		return err
	}
	defer srv.Dispose(context.WithoutCancel(ctx))

	fmt.Fprintf(r.Stdout, "endpoint: %s\n", ep)
	if v, err := srv.Version(ctx); err == nil {
		fmt.Fprintf(r.Stdout, "version: %s\n", v)
	}
	info, err := srv.BasicProjectInfo(ctx)
	if err != nil {
		return err
	}
	if name, ok := command.LookupString(info, "projects", "name"); ok {
		fmt.Fprintf(r.Stdout, "project: %s\n", name)
	}
	if location, ok := command.LookupString(info, "projects", "location"); ok {
		fmt.Fprintf(r.Stdout, "location: %s\n", location)
	}
	state, err := srv.ProjectStatus(ctx)
	if err != nil {
		return err
	}
	if state == "" {
		state = "UNKNOWN"
	}
	fmt.Fprintf(r.Stdout, "state: %s\n", state)
	return nil
}

// resolveEndpoint picks the engine to talk to: an explicit address, then
// server.host/server.port, then the engine owned by the running session.
func resolveEndpoint(ctx context.Context, cfg config.Config, address string) (localsock.Endpoint, error) {
	if address != "" {
		return localsock.ParseEndpoint(address)
	}
	if ep, ok := engine.ConfiguredEndpoint(cfg.Server); ok {
		return ep, nil
	}

	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return localsock.Endpoint{}, fmt.Errorf("no engine address given and %w", err)
	}
	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: ipc.CommandStatus}, forwardTimeout)
	if !handled {
		return localsock.Endpoint{}, errors.New("no engine address given and no active oslctl session")
	}
	if err != nil && resp.Endpoint == "" {
		return localsock.Endpoint{}, err
	}
	return localsock.ParseEndpoint(resp.Endpoint)
}

func logSessionResult(logger *slog.Logger, result session.Result) {
	if logger == nil {
		return
	}
	fields := []any{
		"state", result.State,
		"endpoint", result.Endpoint,
		"shutdown_requested", result.ShutdownRequested,
		"forced", result.Forced,
		"engine_exited", result.EngineExited,
		"exit_code", result.ExitCode,
		"started_at", result.StartedAt.Format(time.RFC3339Nano),
		"finished_at", result.FinishedAt.Format(time.RFC3339Nano),
		"duration_ms", result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
	}

	if result.Err != nil {
		logger.Error("session failed", append(fields, "error", result.Err.Error())...)
		return
	}
	logger.Info("session complete", fields...)
}
