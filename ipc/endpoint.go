package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pithecene-io/shuttle/types"
)

// Protocol is the transport of an endpoint.
type Protocol string

// Supported protocols.
const (
	// ProtocolTCP is networked transport: tcp://host:port.
	ProtocolTCP Protocol = "tcp"
	// ProtocolIPC is same-host transport over unix sockets: ipc://dir/name.
	ProtocolIPC Protocol = "ipc"
)

// ParseProtocol validates a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(s)) {
	case ProtocolTCP:
		return ProtocolTCP, nil
	case ProtocolIPC:
		return ProtocolIPC, nil
	}
	return "", types.NewError(types.ErrNotSupported, "protocol", fmt.Errorf("unknown protocol %q", s))
}

// Endpoint is a concrete transport address.
type Endpoint struct {
	Protocol Protocol
	// Address is host:port for tcp, or a socket path for ipc.
	Address string
}

// TCPEndpoint builds a tcp endpoint. IPv6 hosts are bracketed.
func TCPEndpoint(host string, port int) Endpoint {
	return Endpoint{Protocol: ProtocolTCP, Address: net.JoinHostPort(host, strconv.Itoa(port))}
}

// IPCEndpoint builds an ipc endpoint at dir/name.
func IPCEndpoint(dir, name string) Endpoint {
	return Endpoint{Protocol: ProtocolIPC, Address: filepath.Join(dir, name)}
}

// ParseEndpoint parses "tcp://host:port" or "ipc:///path".
func ParseEndpoint(s string) (Endpoint, error) {
	proto, addr, ok := strings.Cut(s, "://")
	if !ok || addr == "" {
		return Endpoint{}, types.NewError(types.ErrFormat, "endpoint", fmt.Errorf("malformed endpoint %q", s))
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return Endpoint{}, err
	}
	if p == ProtocolTCP {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return Endpoint{}, types.NewError(types.ErrFormat, "endpoint", err)
		}
	}
	return Endpoint{Protocol: p, Address: addr}, nil
}

func (e Endpoint) String() string {
	return string(e.Protocol) + "://" + e.Address
}

// Network returns the net package network name.
func (e Endpoint) Network() string {
	if e.Protocol == ProtocolIPC {
		return "unix"
	}
	return "tcp"
}

// SocketID is the identity a dispatcher dials to reach this endpoint.
func (e Endpoint) SocketID() string {
	return e.Address
}

// Listen binds the endpoint. A stale unix socket file is removed first.
func Listen(ctx context.Context, e Endpoint) (net.Listener, error) {
	if e.Protocol == ProtocolIPC {
		if err := os.Remove(e.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", e.Address, err)
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, e.Network(), e.Address)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", e, err)
	}
	return ln, nil
}

// Dial connects to the endpoint.
func Dial(ctx context.Context, e Endpoint) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, e.Network(), e.Address)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", e, err)
	}
	return NewConn(c), nil
}

// SocketIDEndpoint returns the endpoint of a target socket id (host:port
// or unix path).
func SocketIDEndpoint(id string) Endpoint {
	if types.IsUnixSocketID(id) {
		return Endpoint{Protocol: ProtocolIPC, Address: id}
	}
	return Endpoint{Protocol: ProtocolTCP, Address: id}
}
