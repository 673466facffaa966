//go:build windows

package localsock

import (
	"context"
	"net"

	"github.com/Microsoft/go-winio"
)

// PipeTransport serves named-pipe endpoints with overlapped I/O. Deadlines cancel the
// pending operation on expiry, so a timed-out call never completes later on the handle.
type PipeTransport struct {
	SecurityDescriptor string
	InputBufferSize    int32
	OutputBufferSize   int32
}

// PipeSupported reports whether named pipes are available on this platform.
func PipeSupported() bool { return true }

// Dial waits for a busy pipe instance within ctx instead of sleeping.
func (PipeTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	return winio.DialPipeContext(ctx, ep.PipePath())
}

func (p PipeTransport) Listen(ep Endpoint, _ int) (net.Listener, error) {
	return winio.ListenPipe(ep.PipePath(), &winio.PipeConfig{
		SecurityDescriptor: p.SecurityDescriptor,
		InputBufferSize:    p.InputBufferSize,
		OutputBufferSize:   p.OutputBufferSize,
	})
}
