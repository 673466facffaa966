// Package app wires the CLI to config, logging, the engine layer and the owner session.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rbright/oslctl/internal/cli"
	"github.com/rbright/oslctl/internal/config"
	"github.com/rbright/oslctl/internal/doctor"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/ipc"
	"github.com/rbright/oslctl/internal/logging"
	"github.com/rbright/oslctl/internal/version"
)

const (
	// forwardTimeout bounds one control-socket exchange that does not wait on the engine.
	forwardTimeout = 45 * time.Second
	// unboundedWait stands in for "no timeout" on forwarded waits; ctx still cancels.
	unboundedWait = 7 * 24 * time.Hour
)

// Runner executes oslctl commands against the given output streams.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
}

// Execute runs one CLI invocation and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	root := cli.NewRootCommand(r)
	root.SetArgs(args)
	root.SetOut(r.Stdout)
	root.SetErr(r.Stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if cli.IsUsageError(err) {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, root.UsageString())
		return 2
	}
	var exit *cli.ExitError
	if errors.As(err, &exit) {
		if exit.Err != nil {
			fmt.Fprintf(r.Stderr, "error: %v\n", exit.Err)
		}
		return exit.Code
	}
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	return 1
}

// env is the per-command runtime: logger, loaded config, and the log file to close.
type env struct {
	logger  *slog.Logger
	loaded  config.Loaded
	logPath string
	close   func()
}

func (r Runner) setup(command string, g cli.Global) (env, error) {
	level, err := logging.ParseLevel(g.LogLevel)
	if err != nil {
		return env{}, err
	}
	logRuntime, err := logging.New(level)
	if err != nil {
		return env{}, fmt.Errorf("setup logging: %w", err)
	}

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	loaded, err := config.Load(g.ConfigPath)
	if err != nil {
		logger.Error("load config failed", "error", err.Error())
		_ = logRuntime.Close()
		return env{}, err
	}
	for _, w := range loaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		// A missing file is the normal first-run case; keep it out of the terminal.
		if loaded.Exists {
			fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		}
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", command,
		"config", loaded.Path,
		"config_format", string(loaded.Format),
		"mode", string(loaded.Mode()),
		"executable_source", loaded.ExecutableSource,
		"log", logRuntime.Path,
	)
	return env{
		logger:  logger,
		loaded:  loaded,
		logPath: logRuntime.Path,
		close:   func() { _ = logRuntime.Close() },
	}, nil
}

func (r Runner) Version(context.Context, cli.Global) error {
	fmt.Fprintln(r.Stdout, version.String())
	return nil
}

func (r Runner) Doctor(ctx context.Context, g cli.Global) error {
	e, err := r.setup("doctor", g)
	if err != nil {
		return err
	}
	defer e.close()

	report := doctor.Run(ctx, e.loaded)
	fmt.Fprintln(r.Stdout, report.String())
	if report.OK() {
		return nil
	}
	return &cli.ExitError{Code: 1}
}

// tryForward sends req to the owner session. handled is false when no session is
// listening on the control socket.
func tryForward(ctx context.Context, socketPath string, req ipc.Request, timeout time.Duration) (ipc.Response, bool, error) {
	resp, err := ipc.Send(ctx, socketPath, req, timeout)
	if err == nil {
		if resp.OK {
			return resp, true, nil
		}
		return resp, true, errors.New(resp.Error)
	}

	if isOwnerGone(err) {
		return ipc.Response{}, false, nil
	}
	return ipc.Response{}, true, fmt.Errorf("forward command %q: %w", req.Command, err)
}

func isOwnerGone(err error) bool {
	return errors.Is(err, errs.ErrConnectionRefused) || errors.Is(err, os.ErrNotExist)
}

// waitTimeout is the control-socket budget for a forwarded command that may wait on
// the engine for up to wait (zero meaning no bound).
func waitTimeout(waiting bool, wait time.Duration) time.Duration {
	switch {
	case !waiting:
		return forwardTimeout
	case wait <= 0:
		return unboundedWait
	default:
		return wait + forwardTimeout
	}
}
