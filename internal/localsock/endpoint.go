// Package localsock provides a duplex byte channel over stream sockets or named pipes with
// per-call timeouts and a uniform error taxonomy.
package localsock

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Network names the transport family of an Endpoint.
type Network string

const (
	NetworkTCP  Network = "tcp"
	NetworkUnix Network = "unix"
	NetworkPipe Network = "pipe"
)

const pipePrefix = `\\.\pipe\`

// Endpoint addresses one side of a connection.
type Endpoint struct {
	Network Network
	Address string
}

// TCP builds a host:port endpoint. Port 0 asks the OS for an ephemeral port when listening.
func TCP(host string, port int) Endpoint {
	return Endpoint{Network: NetworkTCP, Address: net.JoinHostPort(host, strconv.Itoa(port))}
}

// Unix builds a unix-domain socket endpoint.
func Unix(path string) Endpoint {
	return Endpoint{Network: NetworkUnix, Address: path}
}

// Pipe builds a named-pipe endpoint from a bare name or a full \\.\pipe\ path.
func Pipe(name string) Endpoint {
	return Endpoint{Network: NetworkPipe, Address: strings.TrimPrefix(name, pipePrefix)}
}

// ParseEndpoint accepts tcp://host:port, unix:///path, pipe://name, or a bare host:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty endpoint")
	}

	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		scheme, rest = string(NetworkTCP), raw
	}

	switch Network(scheme) {
	case NetworkTCP:
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return Endpoint{}, fmt.Errorf("parse tcp endpoint %q: %w", raw, err)
		}
		return Endpoint{Network: NetworkTCP, Address: rest}, nil
	case NetworkUnix:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("parse unix endpoint %q: empty path", raw)
		}
		return Unix(rest), nil
	case NetworkPipe:
		if rest == "" {
			return Endpoint{}, fmt.Errorf("parse pipe endpoint %q: empty name", raw)
		}
		return Pipe(rest), nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
	}
}

func (e Endpoint) String() string {
	return string(e.Network) + "://" + e.Address
}

// IsZero reports an unset endpoint.
func (e Endpoint) IsZero() bool {
	return e.Network == "" && e.Address == ""
}

// HostPort splits a TCP endpoint.
func (e Endpoint) HostPort() (string, int, error) {
	if e.Network != NetworkTCP {
		return "", 0, fmt.Errorf("endpoint %s is not tcp", e)
	}
	host, portText, err := net.SplitHostPort(e.Address)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portText, err)
	}
	return host, port, nil
}

// PipePath returns the OS path of a named-pipe endpoint.
func (e Endpoint) PipePath() string {
	return pipePrefix + e.Address
}

func endpointFromAddr(addr net.Addr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	switch addr.Network() {
	case "tcp", "tcp4", "tcp6":
		return Endpoint{Network: NetworkTCP, Address: addr.String()}
	case "unix":
		return Unix(addr.String())
	case "pipe":
		return Pipe(addr.String())
	default:
		return Endpoint{Network: Network(addr.Network()), Address: addr.String()}
	}
}
