package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/frame"
	"github.com/rbright/oslctl/internal/localsock"
)

// connectTimeout bounds the dial: a live owner accepts at once, and refusals are
// otherwise retried for the whole budget.
const connectTimeout = 250 * time.Millisecond

// Send performs one framed request/response roundtrip on the control socket within timeout.
func Send(ctx context.Context, path string, req Request, timeout time.Duration) (Response, error) {
	deadline := time.Now().Add(timeout)
	conn, err := localsock.Dial(ctx, localsock.Unix(path), min(timeout, connectTimeout))
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	// Unblock the read when the caller gives up on a long wait.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	if err := frame.Write(conn, payload, max(time.Until(deadline), time.Millisecond)); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	raw, err := frame.Read(conn, max(time.Until(deadline), time.Millisecond))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Response{}, fmt.Errorf("read response: %w", ctxErr)
		}
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}

	return resp, nil
}

// Probe checks whether a responsive owner is currently listening on path.
func Probe(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	_, err := Send(ctx, path, Request{Command: CommandStatus}, timeout)
	if err == nil {
		return true, nil
	}
	if isOwnerGone(err) {
		return false, nil
	}
	return false, fmt.Errorf("probe socket: %w", err)
}

// isOwnerGone reports a missing socket file or no listener behind it.
func isOwnerGone(err error) bool {
	return errors.Is(err, errs.ErrConnectionRefused)
}
