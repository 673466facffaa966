package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rbright/oslctl/internal/frame"
	"github.com/rbright/oslctl/internal/localsock"
)

const (
	requestReadTimeout = 5 * time.Second
	replyWriteTimeout  = 5 * time.Second
)

// Handler processes one IPC command request.
type Handler interface {
	Handle(context.Context, Request) Response
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, Request) Response

func (f HandlerFunc) Handle(ctx context.Context, req Request) Response {
	return f(ctx, req)
}

// Serve accepts control-socket clients until context cancellation or socket close.
func Serve(ctx context.Context, server *localsock.ServerSocket, handler Handler) error {
	var wg sync.WaitGroup

	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()

	listener := server.Listener()
	for {
		raw, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			return fmt.Errorf("accept IPC connection: %w", err)
		}

		wg.Add(1)
		go func(c *localsock.Conn) {
			defer wg.Done()
			defer c.Close()

			payload, err := frame.Read(c, requestReadTimeout)
			if err != nil {
				reply(c, Response{OK: false, Error: fmt.Sprintf("read request: %v", err)})
				return
			}

			var req Request
			if err := json.Unmarshal(payload, &req); err != nil {
				reply(c, Response{OK: false, Error: fmt.Sprintf("decode request: %v", err)})
				return
			}

			reply(c, handler.Handle(ctx, req))
		}(localsock.NewConn(raw))
	}
}

func reply(c *localsock.Conn, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = frame.Write(c, payload, replyWriteTimeout)
}
