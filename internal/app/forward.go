package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rbright/oslctl/internal/cli"
	"github.com/rbright/oslctl/internal/ipc"
)

var errNoSession = errors.New("no active oslctl session")

func (r Runner) Status(ctx context.Context, g cli.Global) error {
	e, err := r.setup("status", g)
	if err != nil {
		return err
	}
	defer e.close()

	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		fmt.Fprintln(r.Stdout, "no session")
		return nil
	}

	resp, handled, err := tryForward(ctx, socketPath, ipc.Request{Command: ipc.CommandStatus}, forwardTimeout)
	if !handled {
		fmt.Fprintln(r.Stdout, "no session")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(r.Stdout, formatStatus(resp))
	return nil
}

func formatStatus(resp ipc.Response) string {
	state := resp.State
	if state == "" {
		state = "UNKNOWN"
	}
	parts := []string{state}
	if resp.Endpoint != "" {
		parts = append(parts, "endpoint="+resp.Endpoint)
	}
	if resp.PID > 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", resp.PID))
	}
	if resp.Version != "" {
		parts = append(parts, fmt.Sprintf("version=%q", resp.Version))
	}
	return strings.Join(parts, " ")
}

func (r Runner) Start(ctx context.Context, g cli.Global, opts cli.StartOptions) error {
	req := ipc.Request{
		Command:     ipc.CommandStart,
		Wait:        opts.Wait,
		WaitStarted: opts.WaitStarted,
		TimeoutMS:   int(opts.Timeout.Milliseconds()),
	}
	return r.forward(ctx, g, req, waitTimeout(opts.Wait || opts.WaitStarted, opts.Timeout))
}

func (r Runner) Stop(ctx context.Context, g cli.Global, opts cli.StopOptions) error {
	req := ipc.Request{
		Command:   ipc.CommandStop,
		Wait:      opts.Wait,
		Gently:    opts.Gently,
		TimeoutMS: int(opts.Timeout.Milliseconds()),
	}
	return r.forward(ctx, g, req, waitTimeout(opts.Wait, opts.Timeout))
}

func (r Runner) Shutdown(ctx context.Context, g cli.Global, opts cli.ShutdownOptions) error {
	return r.forward(ctx, g, ipc.Request{Command: ipc.CommandShutdown, Force: opts.Force}, forwardTimeout)
}

// forward hands req to the owner session and prints its reply.
func (r Runner) forward(ctx context.Context, g cli.Global, req ipc.Request, timeout time.Duration) error {
	e, err := r.setup(req.Command, g)
	if err != nil {
		return err
	}
	defer e.close()

	socketPath, err := ipc.RuntimeSocketPath()
	if err != nil {
		return err
	}

	resp, handled, err := tryForward(ctx, socketPath, req, timeout)
	if !handled {
		return errNoSession
	}
	logForward(e.logger, req, resp, err)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		msg := resp.Message
		if resp.State != "" {
			msg += " (" + resp.State + ")"
		}
		fmt.Fprintln(r.Stdout, msg)
	}
	return nil
}

func logForward(logger *slog.Logger, req ipc.Request, resp ipc.Response, err error) {
	if err != nil {
		logger.Error("forward failed", "command", req.Command, "error", err.Error())
		return
	}
	logger.Info("forward complete", "command", req.Command, "state", resp.State, "message", resp.Message)
}
