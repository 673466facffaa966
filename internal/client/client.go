// Package client implements the command connection: one framed request/response exchange
// at a time over a single connection.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rbright/oslctl/internal/command"
	"github.com/rbright/oslctl/internal/errs"
	"github.com/rbright/oslctl/internal/frame"
	"github.com/rbright/oslctl/internal/localsock"
)

// Response is a checked engine reply.
type Response struct {
	Raw     []byte
	Decoded any
}

// Client owns one command connection. It is not safe for concurrent use; callers
// serialize access.
type Client struct {
	Dialer localsock.ClientSocket
	Logger *slog.Logger

	conn     *localsock.Conn
	endpoint localsock.Endpoint
	decoder  frame.Decoder
	pending  bool
	broken   error
}

// New returns a disconnected client.
func New(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{Logger: logger}
}

// Connect opens the command connection, replacing any previous one.
func (c *Client) Connect(ctx context.Context, ep localsock.Endpoint, timeout time.Duration) error {
	c.Disconnect()

	conn, err := c.Dialer.Connect(ctx, ep, timeout)
	if err != nil {
		return err
	}
	c.conn = conn
	c.endpoint = ep
	c.decoder.Reset()
	c.pending = false
	c.broken = nil
	c.logger().Debug("command connection open", "endpoint", ep.String())
	return nil
}

// Connected reports whether the connection is open and usable.
func (c *Client) Connected() bool {
	return c.conn != nil && c.broken == nil
}

// Endpoint returns the endpoint of the current connection.
func (c *Client) Endpoint() localsock.Endpoint {
	return c.endpoint
}

// SendCommand sends req without waiting. The reply is drained before the next exchange.
func (c *Client) SendCommand(req command.Request, timeout time.Duration) error {
	if err := c.drainPending(timeout); err != nil {
		return err
	}
	payload, err := command.Encode(req)
	if err != nil {
		return err
	}
	if err := c.write(payload, timeout); err != nil {
		return err
	}
	c.pending = true
	return nil
}

// SendCommandAndWait sends req and returns its checked response. An engine-side rejection
// is a *errs.CommandError and leaves the connection usable.
func (c *Client) SendCommandAndWait(req command.Request, timeout time.Duration) (Response, error) {
	payload, err := command.Encode(req)
	if err != nil {
		return Response{}, err
	}
	raw, err := c.Exchange(payload, timeout)
	if err != nil {
		return Response{}, err
	}
	decoded, err := command.CheckResponse(req.Name(), raw)
	return Response{Raw: raw, Decoded: decoded}, err
}

// Exchange sends one framed payload and reads one framed reply within timeout
// (zero waits indefinitely).
func (c *Client) Exchange(payload []byte, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.drainPending(timeout); err != nil {
		return nil, err
	}
	if err := c.write(payload, remaining(deadline)); err != nil {
		return nil, err
	}
	if !deadline.IsZero() && time.Until(deadline) <= 0 {
		return nil, c.fail(fmt.Errorf("await response: %w", errs.ErrTimeout))
	}
	raw, err := c.decoder.Read(c.conn, remaining(deadline))
	if err != nil {
		return nil, c.fail(fmt.Errorf("await response: %w", err))
	}
	return raw, nil
}

// Disconnect closes the connection. It is safe to call when not connected.
func (c *Client) Disconnect() {
	if c.conn == nil {
		return
	}
	_ = c.conn.Close()
	c.conn = nil
	c.pending = false
	c.decoder.Reset()
	c.logger().Debug("command connection closed", "endpoint", c.endpoint.String())
}

func (c *Client) write(payload []byte, timeout time.Duration) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := frame.Write(c.conn, payload, timeout); err != nil {
		return c.fail(err)
	}
	return nil
}

func (c *Client) drainPending(timeout time.Duration) error {
	if !c.pending {
		return nil
	}
	if err := c.usable(); err != nil {
		return err
	}
	if _, err := c.decoder.Read(c.conn, timeout); err != nil {
		return c.fail(fmt.Errorf("drain previous response: %w", err))
	}
	c.pending = false
	return nil
}

func (c *Client) usable() error {
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", errs.ErrConnection)
	}
	if c.broken != nil {
		return fmt.Errorf("%w: connection unusable after earlier failure: %v", errs.ErrConnection, c.broken)
	}
	return nil
}

// fail marks the connection unusable; the caller must reconnect.
func (c *Client) fail(err error) error {
	c.broken = err
	c.logger().Warn("command connection failed", "endpoint", c.endpoint.String(), "error", err.Error())
	return err
}

func (c *Client) logger() *slog.Logger {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

func remaining(deadline time.Time) time.Duration {
	if deadline.IsZero() {
		return 0
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Nanosecond
	}
	return d
}
