package ipc

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// Conn carries framed multipart messages over a stream connection.
// Send is safe for concurrent use; Recv must have a single reader.
type Conn struct {
	raw net.Conn
	dec *FrameDecoder
	wmu sync.Mutex
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{raw: c, dec: NewFrameDecoder(c)}
}

// Send writes one message. The context deadline bounds the write;
// cancellation interrupts a blocked write.
func (c *Conn) Send(ctx context.Context, parts ...[]byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := c.bindDeadline(ctx, c.raw.SetWriteDeadline)
	defer stop()

	if err := WriteMessage(c.raw, parts...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// SendStrings is Send with string parts.
func (c *Conn) SendStrings(ctx context.Context, parts ...string) error {
	return c.Send(ctx, Strings(parts...)...)
}

// Recv reads one message. The context deadline bounds the read. A
// deadline that expires before a frame starts returns an error satisfying
// IsTimeout and leaves the stream usable.
func (c *Conn) Recv(ctx context.Context) (Message, error) {
	stop := c.bindDeadline(ctx, c.raw.SetReadDeadline)
	defer stop()

	msg, err := c.dec.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && IsTimeout(err) && !IsFatalFrameError(err) {
			return nil, ctxErr
		}
		return nil, err
	}
	return msg, nil
}

// Request sends a message and waits for exactly one reply.
func (c *Conn) Request(ctx context.Context, parts ...[]byte) (Message, error) {
	if err := c.Send(ctx, parts...); err != nil {
		return nil, err
	}
	return c.Recv(ctx)
}

// RemoteHost returns the peer host, or "localhost" for unix sockets.
func (c *Conn) RemoteHost() string {
	addr := c.raw.RemoteAddr()
	if addr == nil || addr.Network() == "unix" {
		return "localhost"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}

// bindDeadline applies the context deadline via set and arranges for
// cancellation to expire it immediately. The returned func clears both.
func (c *Conn) bindDeadline(ctx context.Context, set func(time.Time) error) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = set(dl)
	} else {
		_ = set(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() {
		stop()
		_ = set(time.Time{})
	}
}

// IsTimeout reports whether err is a deadline expiry, from either the
// socket or the context.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
