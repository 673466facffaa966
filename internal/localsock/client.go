package localsock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbright/oslctl/internal/errs"
)

const defaultRetryInterval = 100 * time.Millisecond

// ClientSocket dials endpoints, retrying while the peer is absent or busy.
type ClientSocket struct {
	// Transport overrides TransportFor(endpoint) when set.
	Transport Transport
	// RetryInterval is the pause between refused attempts.
	RetryInterval time.Duration
}

// Dial connects with a zero-value ClientSocket.
func Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (*Conn, error) {
	return ClientSocket{}.Connect(ctx, ep, timeout)
}

// Connect makes one logical connection attempt bounded by timeout (zero waits on ctx only).
// Refusals are retried until the budget is spent, so a missing endpoint fails no earlier
// than timeout.
func (c ClientSocket) Connect(ctx context.Context, ep Endpoint, timeout time.Duration) (*Conn, error) {
	transport := c.Transport
	if transport == nil {
		transport = TransportFor(ep)
	}
	interval := c.RetryInterval
	if interval <= 0 {
		interval = defaultRetryInterval
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	deadline, bounded := ctx.Deadline()

	var lastErr error
	for {
		raw, err := transport.Dial(ctx, ep)
		if err == nil {
			return NewConn(raw), nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fmt.Errorf("connect %s: %w", ep, ctx.Err())
		}

		classified := classify("connect "+ep.String(), err)
		if !errors.Is(classified, errs.ErrConnectionRefused) {
			// A dial cut short by the budget still means nobody answered.
			if lastErr != nil && (ctx.Err() != nil || (bounded && !time.Now().Before(deadline))) {
				return nil, lastErr
			}
			return nil, classified
		}
		lastErr = classified

		wait := interval
		final := false
		if bounded {
			if remaining := time.Until(deadline); remaining <= interval {
				wait = max(remaining, 0)
				final = true
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("connect %s: %w", ep, ctx.Err())
			}
			return nil, lastErr
		case <-time.After(wait):
		}
		if final {
			return nil, lastErr
		}
	}
}
