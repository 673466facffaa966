// Package session runs the owner session: it holds one engine for its lifetime and
// answers control-socket requests until shutdown or engine exit.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/oslctl/internal/engine"
	"github.com/rbright/oslctl/internal/ipc"
	"github.com/rbright/oslctl/internal/localsock"
)

// State is the owner session lifecycle.
type State string

const (
	StateServing      State = "serving"
	StateShuttingDown State = "shutting_down"
	StateClosed       State = "closed"
)

const (
	statusTimeout   = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// Engine is the session-facing subset of engine.Server.
type Engine interface {
	Endpoint() localsock.Endpoint
	ProjectStatus(context.Context) (string, error)
	Version(context.Context) (engine.Version, error)
	Start(context.Context, engine.StartOptions) error
	Stop(context.Context, engine.StopOptions) error
	Shutdown(ctx context.Context, force bool) error
	Dispose(context.Context)
}

// Process is the launched engine process; attached sessions have none.
type Process interface {
	PID() int
	Wait(context.Context) (int, error)
}

// Result is the complete lifecycle output returned by one Run invocation.
type Result struct {
	State             State
	Endpoint          string
	ShutdownRequested bool
	Forced            bool
	EngineExited      bool
	ExitCode          int
	Err               error
	StartedAt         time.Time
	FinishedAt        time.Time
}

type shutdownAction struct {
	force bool
}

type exitStatus struct {
	code int
	err  error
}

// Controller owns one engine and serves IPC requests for it.
type Controller struct {
	logger  *slog.Logger
	engine  Engine
	process Process

	mu    sync.RWMutex
	state State

	shutdowns chan shutdownAction
}

// NewController constructs a controller. process may be nil for an attached engine.
func NewController(logger *slog.Logger, eng Engine, process Process) *Controller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		logger:    logger,
		engine:    eng,
		process:   process,
		state:     StateServing,
		shutdowns: make(chan shutdownAction, 1),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Run blocks until a shutdown request, engine exit, or ctx cancellation. Cancellation
// forces a launched engine down and only detaches from an attached one.
func (c *Controller) Run(ctx context.Context) Result {
	result := Result{StartedAt: time.Now(), Endpoint: c.engine.Endpoint().String()}

	var exited chan exitStatus
	waitCtx, stopWait := context.WithCancel(ctx)
	defer stopWait()
	if c.process != nil {
		exited = make(chan exitStatus, 1)
		go func() {
			code, err := c.process.Wait(waitCtx)
			exited <- exitStatus{code: code, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		result.Err = ctx.Err()
		if c.process == nil {
			c.logger.Info("session interrupted, detaching from engine", "endpoint", result.Endpoint)
			c.engine.Dispose(context.WithoutCancel(ctx))
			break
		}
		c.logger.Info("session interrupted, shutting engine down", "endpoint", result.Endpoint)
		result.Forced = true
		if err := c.shutdown(context.WithoutCancel(ctx), true); err != nil {
			result.Err = err
		}
	case action := <-c.shutdowns:
		result.ShutdownRequested = true
		result.Forced = action.force
		result.Err = c.shutdown(ctx, action.force)
	case status := <-exited:
		c.logger.Warn("engine exited", "exit_code", status.code)
		c.engine.Dispose(context.WithoutCancel(ctx))
		result.EngineExited = true
		result.ExitCode = status.code
		result.Err = status.err
		if result.Err == nil && status.code != 0 {
			result.Err = fmt.Errorf("engine exited with code %d", status.code)
		}
	}

	c.setState(StateClosed)
	result.State = StateClosed
	result.FinishedAt = time.Now()
	return result
}

func (c *Controller) shutdown(ctx context.Context, force bool) error {
	c.setState(StateShuttingDown)
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := c.engine.Shutdown(ctx, force); err != nil {
		c.logger.Error("engine shutdown failed", "force", force, "error", err)
		return err
	}
	return nil
}

// Handle serves IPC commands for the active owner session.
func (c *Controller) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	state := c.State()
	if state != StateServing && req.Command != ipc.CommandStatus {
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("cannot %s while %s", req.Command, state)}
	}

	switch req.Command {
	case ipc.CommandStatus:
		return c.status(ctx)
	case ipc.CommandStart:
		err := c.engine.Start(ctx, engine.StartOptions{
			WaitStarted:  req.Wait || req.WaitStarted,
			WaitFinished: req.Wait,
			Timeout:      requestTimeout(req),
		})
		return c.reply(ctx, "start", err)
	case ipc.CommandStop:
		err := c.engine.Stop(ctx, engine.StopOptions{
			Gently:  req.Gently,
			Wait:    req.Wait,
			Timeout: requestTimeout(req),
		})
		return c.reply(ctx, "stop", err)
	case ipc.CommandShutdown:
		return c.requestShutdown(req.Force)
	default:
		return ipc.Response{OK: false, State: string(state), Error: fmt.Sprintf("unknown command: %s", req.Command)}
	}
}

func (c *Controller) status(ctx context.Context) ipc.Response {
	resp := ipc.Response{OK: true, Endpoint: c.engine.Endpoint().String(), State: string(c.State())}
	if c.process != nil {
		resp.PID = c.process.PID()
	}
	if resp.State != string(StateServing) {
		return resp
	}

	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	project, err := c.engine.ProjectStatus(ctx)
	if err != nil {
		resp.OK = false
		resp.Error = err.Error()
		return resp
	}
	resp.State = project
	if v, err := c.engine.Version(ctx); err == nil {
		resp.Version = v.String()
	}
	return resp
}

func (c *Controller) reply(ctx context.Context, verb string, err error) ipc.Response {
	if err != nil {
		return ipc.Response{OK: false, Error: err.Error()}
	}
	project, statusErr := c.engine.ProjectStatus(ctx)
	if statusErr != nil {
		c.logger.Debug("project status after command", "command", verb, "error", statusErr)
	}
	return ipc.Response{OK: true, State: project, Message: verb + " done"}
}

// requestShutdown enqueues a shutdown action for Run.
func (c *Controller) requestShutdown(force bool) ipc.Response {
	state := c.State()
	select {
	case c.shutdowns <- shutdownAction{force: force}:
		return ipc.Response{OK: true, State: string(state), Message: "shutdown requested"}
	default:
		return ipc.Response{OK: true, State: string(state), Message: "shutdown already requested"}
	}
}

func requestTimeout(req ipc.Request) time.Duration {
	return time.Duration(req.TimeoutMS) * time.Millisecond
}
