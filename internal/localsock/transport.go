package localsock

import (
	"context"
	"net"
)

// Transport is the backend strategy behind ClientSocket and ServerSocket.
type Transport interface {
	Dial(ctx context.Context, ep Endpoint) (net.Conn, error)
	Listen(ep Endpoint, backlog int) (net.Listener, error)
}

// StreamTransport serves tcp and unix endpoints with blocking sockets and deadlines.
//
// The Go runtime does not expose the listen backlog; it is accepted for interface symmetry.
type StreamTransport struct{}

func (StreamTransport) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, string(ep.Network), ep.Address)
}

func (StreamTransport) Listen(ep Endpoint, _ int) (net.Listener, error) {
	return net.Listen(string(ep.Network), ep.Address)
}

// TransportFor picks the backend for ep once, at construction time.
func TransportFor(ep Endpoint) Transport {
	if ep.Network == NetworkPipe {
		return PipeTransport{}
	}
	return StreamTransport{}
}
