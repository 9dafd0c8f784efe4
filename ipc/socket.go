package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/pithecene-io/shuttle/types"
)

// SocketKind is the ZeroMQ pattern of a Socket.
type SocketKind int

// Socket kinds used on the data plane.
const (
	// KindPull receives chunks; consumers bind it.
	KindPull SocketKind = iota
	// KindPush sends chunks; dispatcher workers dial it.
	KindPush
	// KindRep answers requests in lockstep.
	KindRep
	// KindReq sends one request and waits for the reply.
	KindReq
)

func (k SocketKind) String() string {
	switch k {
	case KindPull:
		return "PULL"
	case KindPush:
		return "PUSH"
	case KindRep:
		return "REP"
	case KindReq:
		return "REQ"
	}
	return fmt.Sprintf("SocketKind(%d)", int(k))
}

// DialRetry is the interval between connection attempts of Connect.
const DialRetry = 100 * time.Millisecond

// Socket is a ZeroMQ socket carrying multipart messages. Send and Recv
// follow the rules of the socket's kind: a REP socket must answer every
// message it received before receiving the next one.
type Socket struct {
	kind   SocketKind
	sock   zmq4.Socket
	cancel context.CancelFunc
	ep     Endpoint
	once   sync.Once
}

func newSocket(ctx context.Context, kind SocketKind, opts ...zmq4.Option) (*Socket, error) {
	sctx, cancel := context.WithCancel(ctx)
	var sock zmq4.Socket
	switch kind {
	case KindPull:
		sock = zmq4.NewPull(sctx, opts...)
	case KindPush:
		sock = zmq4.NewPush(sctx, opts...)
	case KindRep:
		sock = zmq4.NewRep(sctx, opts...)
	case KindReq:
		sock = zmq4.NewReq(sctx, opts...)
	default:
		cancel()
		return nil, types.NewError(types.ErrNotSupported, "socket", fmt.Errorf("unknown socket kind %d", int(kind)))
	}
	return &Socket{kind: kind, sock: sock, cancel: cancel}, nil
}

// Bind creates a socket of kind listening on e. The socket lives until
// Close or until ctx is done. A zero tcp port is replaced by the port
// actually bound; a stale unix socket file is removed first.
func Bind(ctx context.Context, kind SocketKind, e Endpoint) (*Socket, error) {
	if e.Protocol == ProtocolIPC {
		if err := os.Remove(e.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", e.Address, err)
		}
	}
	s, err := newSocket(ctx, kind)
	if err != nil {
		return nil, err
	}
	if err := s.sock.Listen(e.String()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("bind %s %s: %w", kind, e, err)
	}
	s.ep = e
	if addr, ok := s.sock.Addr().(*net.TCPAddr); ok && e.Protocol == ProtocolTCP {
		if host, _, err := net.SplitHostPort(e.Address); err == nil {
			s.ep = TCPEndpoint(host, addr.Port)
		}
	}
	return s, nil
}

// Connect creates a socket of kind connected to e. A refused connection is
// retried every DialRetry until timeout has passed; a zero timeout tries
// once.
func Connect(ctx context.Context, kind SocketKind, e Endpoint, timeout time.Duration) (*Socket, error) {
	s, err := newSocket(ctx, kind,
		zmq4.WithDialerRetry(DialRetry),
		zmq4.WithDialerMaxRetries(int(timeout/DialRetry)),
	)
	if err != nil {
		return nil, err
	}
	if err := s.sock.Dial(e.String()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect %s %s: %w", kind, e, err)
	}
	s.ep = e
	return s, nil
}

// ConnectSocketID is Connect to a target socket id (host:port or unix
// path).
func ConnectSocketID(ctx context.Context, kind SocketKind, id string, timeout time.Duration) (*Socket, error) {
	return Connect(ctx, kind, SocketIDEndpoint(id), timeout)
}

// Endpoint returns the bound or dialled endpoint.
func (s *Socket) Endpoint() Endpoint {
	return s.ep
}

// Kind returns the socket's pattern.
func (s *Socket) Kind() SocketKind {
	return s.kind
}

// Send writes one multipart message.
func (s *Socket) Send(parts ...[]byte) error {
	if len(parts) == 0 {
		return errors.New("empty message")
	}
	return s.sock.Send(zmq4.NewMsgFrom(parts...))
}

// SendStrings is Send with string parts.
func (s *Socket) SendStrings(parts ...string) error {
	return s.Send(Strings(parts...)...)
}

// Recv blocks until one multipart message arrives or the socket closes.
func (s *Socket) Recv() (Message, error) {
	msg, err := s.sock.Recv()
	if err != nil {
		return nil, err
	}
	return Message(msg.Frames), nil
}

// Close releases the socket. It is safe to call more than once.
func (s *Socket) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.sock.Close()
	})
	return err
}

// Request sends parts to the REP socket at e over a one-shot REQ socket
// and returns the reply. ctx bounds the whole exchange, dialling
// included.
func Request(ctx context.Context, e Endpoint, parts ...[]byte) (Message, error) {
	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	var (
		mu        sync.Mutex
		sock      *Socket
		abandoned bool
	)
	go func() {
		s, err := Connect(ctx, KindReq, e, 0)
		if err != nil {
			done <- result{err: err}
			return
		}
		mu.Lock()
		if abandoned {
			mu.Unlock()
			_ = s.Close()
			return
		}
		sock = s
		mu.Unlock()
		if err := s.Send(parts...); err != nil {
			done <- result{err: err}
			return
		}
		msg, err := s.Recv()
		done <- result{msg: msg, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	mu.Lock()
	abandoned = true
	if sock != nil {
		_ = sock.Close()
	}
	mu.Unlock()
	if r.err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return r.msg, r.err
}
