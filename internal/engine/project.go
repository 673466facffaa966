package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/notify"
)

// Project states reported by BASIC_PROJECT_INFO.
const (
	StateIdle                = "IDLE"
	StateProcessing          = "PROCESSING"
	StateFinished            = "FINISHED"
	StateStopped             = "STOPPED"
	StateAborted             = "ABORTED"
	StateStopRequested       = "STOP_REQUESTED"
	StateGentleStopRequested = "GENTLE_STOP_REQUESTED"
	StateAbortRequested      = "ABORT_REQUESTED"
)

// requestedPriority ranks pending stop requests; a stop is only sent when it outranks
// the one already pending.
var requestedPriority = map[string]int{
	StateAbortRequested:      30,
	StateStopRequested:       20,
	StateGentleStopRequested: 10,
}

// StartOptions controls Start. A zero Timeout waits on ctx alone.
type StartOptions struct {
	WaitStarted  bool
	WaitFinished bool
	Timeout      time.Duration
}

// StopOptions controls Stop.
type StopOptions struct {
	Gently  bool
	Wait    bool
	Timeout time.Duration
}

// Start runs the project. A project that is already processing is not started again but
// can still be waited for. A failed run is reported as errs.ErrExecutionFailed.
func (s *Server) Start(ctx context.Context, opts StartOptions) error {
	wait := opts.WaitStarted || opts.WaitFinished

	var started, finished *notify.Waiter
	if wait {
		l, err := s.NewListener(ctx, "exec",
			notify.ProcessingStarted, notify.NothingProcessed, notify.ExecutionFinished,
			notify.ExecFailed, notify.CheckFailed)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		defer s.release(ctx, l)
		started = l.WaitFor(notify.ProcessingStarted, notify.NothingProcessed, notify.ExecFailed, notify.CheckFailed)
		finished = l.WaitFor(notify.ExecutionFinished, notify.NothingProcessed, notify.ExecFailed, notify.CheckFailed)
	}

	state, err := s.ProjectStatus(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	running := state == StateProcessing
	if running {
		s.logger.Warn("project is already processing, START not sent")
	} else {
		cmd, err := command.Start("", "")
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if _, err := s.Run(ctx, cmd); err != nil {
			return fmt.Errorf("start: %w", err)
		}
	}
	if !wait {
		return nil
	}

	deadline := waitDeadline(opts.Timeout)
	if !running {
		n, err := started.Wait(ctx, remainingWait(deadline))
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		if n.Failed() {
			return fmt.Errorf("start: %w: %s", errs.ErrExecutionFailed, n.Type)
		}
		s.logger.Debug("project started", "notification", n.Type)
	}
	if !opts.WaitFinished {
		return nil
	}

	n, err := finished.Wait(ctx, remainingWait(deadline))
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if n.Failed() {
		return fmt.Errorf("start: %w: %s", errs.ErrExecutionFailed, n.Type)
	}
	s.logger.Debug("project finished", "notification", n.Type)
	return nil
}

// Stop stops a running project. Nothing is sent when the project is not running or a
// stop of equal or higher rank is already pending.
func (s *Server) Stop(ctx context.Context, opts StopOptions) error {
	var finished *notify.Waiter
	if opts.Wait {
		l, err := s.NewListener(ctx, "stop", notify.ExecutionFinished, notify.NothingProcessed)
		if err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		defer s.release(ctx, l)
		finished = l.WaitFor(notify.ExecutionFinished, notify.NothingProcessed)
	}

	state, err := s.ProjectStatus(ctx)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	switch state {
	case "", StateIdle, StateFinished, StateStopped, StateAborted:
		s.logger.Info("project is not running, STOP not sent", "state", state)
		return nil
	}

	if pending, ok := requestedPriority[state]; ok && stopPriority(opts.Gently) <= pending {
		s.logger.Info("stop already requested", "state", state)
	} else {
		name := command.NameStop
		build := command.Stop
		if opts.Gently {
			name, build = command.NameStopGently, command.StopGently
		}
		cmd, err := build("", "")
		if err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		if _, err := s.Run(ctx, cmd); err != nil {
			return fmt.Errorf("stop: %w", err)
		}
		s.logger.Debug("stop sent", "command", name, "state", state)
	}

	if finished == nil {
		return nil
	}
	if _, err := finished.Wait(ctx, opts.Timeout); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

func stopPriority(gently bool) int {
	if gently {
		return 10
	}
	return 20
}

// Reset resets the whole project.
func (s *Server) Reset(ctx context.Context) error {
	return s.ResetActor(ctx, "", "")
}

// ResetActor resets one actor state.
func (s *Server) ResetActor(ctx context.Context, actorUID, hid string) error {
	cmd, err := command.Reset(actorUID, hid)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	_, err = s.Run(ctx, cmd)
	return err
}

// StartActor starts one actor state without waiting.
func (s *Server) StartActor(ctx context.Context, actorUID, hid string) error {
	if actorUID == "" {
		return errors.New("start actor: actor uid is required")
	}
	cmd, err := command.Start(actorUID, hid)
	if err != nil {
		return fmt.Errorf("start actor: %w", err)
	}
	_, err = s.Run(ctx, cmd)
	return err
}

func (s *Server) Save(ctx context.Context) error {
	_, err := s.Run(ctx, command.Save())
	return err
}

func (s *Server) SaveAs(ctx context.Context, path string, opts command.SaveAsOptions) error {
	_, err := s.Run(ctx, command.SaveAs(path, opts))
	return err
}

func (s *Server) SaveCopy(ctx context.Context, path string) error {
	_, err := s.Run(ctx, command.SaveCopy(path))
	return err
}

// EvaluateDesign evaluates one design point and returns the engine's result.
func (s *Server) EvaluateDesign(ctx context.Context, parameters map[string]any) (any, error) {
	return s.Run(ctx, command.EvaluateDesign(parameters))
}

func waitDeadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

func remainingWait(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	if d := time.Until(deadline); d > 0 {
		return d
	}
	return time.Nanosecond
}
