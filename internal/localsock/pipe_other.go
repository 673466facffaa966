//go:build !windows

package localsock

import (
	"context"
	"errors"
	"net"
)

var errPipeUnsupported = errors.New("named pipes are only supported on windows")

// PipeTransport is unavailable outside windows.
type PipeTransport struct {
	SecurityDescriptor string
	InputBufferSize    int32
	OutputBufferSize   int32
}

// PipeSupported reports whether named pipes are available on this platform.
func PipeSupported() bool { return false }

func (PipeTransport) Dial(context.Context, Endpoint) (net.Conn, error) {
	return nil, errPipeUnsupported
}

func (PipeTransport) Listen(Endpoint, int) (net.Listener, error) {
	return nil, errPipeUnsupported
}
