package localsock

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rbright/oslctl/internal/errs"
)

type acceptResult struct {
	conn net.Conn
	err  error
}

type deadlineListener interface {
	SetDeadline(time.Time) error
}

// ServerSocket binds an endpoint and accepts inbound connections with a timeout.
type ServerSocket struct {
	transport Transport
	listener  net.Listener
	endpoint  Endpoint

	startAccept sync.Once
	accepted    chan acceptResult
	done        chan struct{}
	closeOnce   sync.Once
}

// NewServerSocket returns an unbound server. A nil transport is chosen per endpoint on bind.
func NewServerSocket(transport Transport) *ServerSocket {
	return &ServerSocket{transport: transport, done: make(chan struct{})}
}

// BindAndListen binds ep. TCP port 0 selects an ephemeral port; stale unix socket files
// with no listener behind them are replaced.
func (s *ServerSocket) BindAndListen(ep Endpoint, backlog int) error {
	if s.listener != nil {
		return fmt.Errorf("server socket already bound to %s", s.endpoint)
	}
	transport := s.transport
	if transport == nil {
		transport = TransportFor(ep)
	}

	if ep.Network == NetworkUnix {
		if err := prepareUnixPath(ep.Address); err != nil {
			return err
		}
	}

	listener, err := transport.Listen(ep, backlog)
	if err != nil {
		return fmt.Errorf("listen %s: %w: %w", ep, errs.ErrTransport, err)
	}
	if ep.Network == NetworkUnix {
		_ = os.Chmod(ep.Address, 0o600)
	}

	s.transport = transport
	s.listener = listener
	s.endpoint = endpointFromAddr(listener.Addr())
	if s.endpoint.IsZero() || ep.Network == NetworkPipe {
		s.endpoint = ep
	}
	return nil
}

// BindInRange binds the first free TCP port in [minPort, maxPort] on host.
func (s *ServerSocket) BindInRange(host string, minPort, maxPort int) error {
	if minPort <= 0 || maxPort < minPort || maxPort > 65535 {
		return fmt.Errorf("invalid port range %d-%d", minPort, maxPort)
	}
	var lastErr error
	for port := minPort; port <= maxPort; port++ {
		err := s.BindAndListen(TCP(host, port), 0)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("no free port in %d-%d: %w", minPort, maxPort, lastErr)
}

// Endpoint returns the bound address, including the resolved ephemeral port.
func (s *ServerSocket) Endpoint() Endpoint {
	return s.endpoint
}

// Listener exposes the bound listener for serve loops that manage their own accept cycle.
func (s *ServerSocket) Listener() net.Listener {
	return s.listener
}

// Accept waits up to timeout (zero waits indefinitely) for one inbound connection.
func (s *ServerSocket) Accept(timeout time.Duration) (*Conn, Endpoint, error) {
	if s.listener == nil {
		return nil, Endpoint{}, fmt.Errorf("accept: %w: not listening", errs.ErrConnection)
	}

	if dl, ok := s.listener.(deadlineListener); ok {
		if err := dl.SetDeadline(deadlineFor(timeout)); err != nil {
			return nil, Endpoint{}, classify("set accept deadline", err)
		}
		raw, err := s.listener.Accept()
		_ = dl.SetDeadline(time.Time{})
		if err != nil {
			return nil, Endpoint{}, s.acceptError(err)
		}
		conn := NewConn(raw)
		return conn, conn.RemoteEndpoint(), nil
	}

	// Backends without accept deadlines hand results through one long-lived goroutine so a
	// timed-out wait never drops a connection accepted afterwards.
	s.startAccept.Do(func() {
		s.accepted = make(chan acceptResult)
		go s.acceptLoop()
	})

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-s.accepted:
		if res.err != nil {
			return nil, Endpoint{}, s.acceptError(res.err)
		}
		conn := NewConn(res.conn)
		return conn, conn.RemoteEndpoint(), nil
	case <-timer:
		return nil, Endpoint{}, fmt.Errorf("accept: %w", errs.ErrTimeout)
	case <-s.done:
		return nil, Endpoint{}, fmt.Errorf("accept: %w: %w", errs.ErrConnection, net.ErrClosed)
	}
}

func (s *ServerSocket) acceptLoop() {
	for {
		raw, err := s.listener.Accept()
		select {
		case s.accepted <- acceptResult{conn: raw, err: err}:
		case <-s.done:
			if raw != nil {
				_ = raw.Close()
			}
			return
		}
		if err != nil && errors.Is(err, net.ErrClosed) {
			return
		}
	}
}

func (s *ServerSocket) acceptError(err error) error {
	select {
	case <-s.done:
		return fmt.Errorf("accept: %w: %w", errs.ErrConnection, net.ErrClosed)
	default:
	}
	return classify("accept", err)
}

// Close stops listening and removes a unix socket file. It is safe to call more than once.
func (s *ServerSocket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if s.listener == nil {
			return
		}
		err = s.listener.Close()
		if s.endpoint.Network == NetworkUnix {
			_ = os.Remove(s.endpoint.Address)
		}
	})
	return err
}

func prepareUnixPath(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("ensure socket dir: %w", err)
	}
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("socket path %s exists and is not a socket", path)
	}
	conn, dialErr := net.DialTimeout("unix", path, 50*time.Millisecond)
	if dialErr == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s: address already in use", path)
	}
	if removeErr := os.Remove(path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket %s: %w", path, removeErr)
	}
	return nil
}
