package localsock

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rbright/oslctl/internal/errs"
)

// Conn is one established duplex channel. Send and Recv each arm a deadline before the
// operation and clear it afterwards; a zero timeout means no deadline.
type Conn struct {
	raw    net.Conn
	remote Endpoint
	closed atomic.Bool
}

// NewConn wraps an established net.Conn.
func NewConn(raw net.Conn) *Conn {
	return &Conn{raw: raw, remote: endpointFromAddr(raw.RemoteAddr())}
}

// RemoteEndpoint returns the peer address as reported by the backend.
func (c *Conn) RemoteEndpoint() Endpoint {
	return c.remote
}

// Send writes all of p or fails. The returned count is informational on failure.
func (c *Conn) Send(p []byte, timeout time.Duration) (int, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("send: %w: connection closed", errs.ErrConnection)
	}
	if err := c.raw.SetWriteDeadline(deadlineFor(timeout)); err != nil {
		return 0, classify("set write deadline", err)
	}
	defer func() { _ = c.raw.SetWriteDeadline(time.Time{}) }()

	n, err := c.raw.Write(p)
	if err != nil {
		return n, classify("send", err)
	}
	if n != len(p) {
		return n, fmt.Errorf("send: %w: short write %d/%d", errs.ErrConnection, n, len(p))
	}
	return n, nil
}

// Recv returns up to max bytes. Peer close is reported as ErrConnection wrapping io.EOF.
func (c *Conn) Recv(max int, timeout time.Duration) ([]byte, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("recv: %w: connection closed", errs.ErrConnection)
	}
	if max <= 0 {
		return nil, fmt.Errorf("recv: invalid buffer size %d", max)
	}
	if err := c.raw.SetReadDeadline(deadlineFor(timeout)); err != nil {
		return nil, classify("set read deadline", err)
	}
	defer func() { _ = c.raw.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, max)
	n, err := c.raw.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("recv: %w: %w", errs.ErrConnection, io.EOF)
	}
	if err != nil {
		return nil, classify("recv", err)
	}
	return nil, nil
}

// Close releases the channel. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.raw.Close()
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
