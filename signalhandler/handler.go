// Package signalhandler implements the control-plane terminus of the broker.
//
// The handler owns the table of subscribed targets. Clients register and
// deregister on the com endpoint; pull-style clients announce NEXT and
// CANCEL on the request endpoint; the task provider resolves targets for a
// file through Requests. Every table mutation runs inside a single owner
// loop; connection goroutines only parse, authenticate and reply.
package signalhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/types"
)

// ErrStopped is returned by Requests once the handler's loop has exited.
var ErrStopped = errors.New("signal handler stopped")

// Config configures a Handler.
type Config struct {
	ComEndpoint     ipc.Endpoint
	RequestEndpoint ipc.Endpoint
	// Whitelist is passed to NewAllowList: nil allows every host.
	Whitelist    []string
	FixedTargets []types.Target
	// StoringDisabled rejects metadata-only registrations.
	StoringDisabled bool
	Resolver        Resolver
	Logger          *log.Logger
	Metrics         *metrics.Collector
}

// Handler serves the control protocol.
type Handler struct {
	cfg     Config
	allow   *AllowList
	logger  *log.Logger
	metrics *metrics.Collector

	comLn net.Listener
	reqLn net.Listener

	ops  chan func(*table)
	done chan struct{}

	mu    sync.Mutex
	conns map[*ipc.Conn]struct{}
	wg    sync.WaitGroup
}

// New binds both endpoints and expands the allow-list. Bind failures are
// returned; the caller treats them as fatal.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	for i := range cfg.FixedTargets {
		if err := cfg.FixedTargets[i].Compile(); err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger.Component("signal_handler")
	h := &Handler{
		cfg:     cfg,
		allow:   NewAllowList(ctx, cfg.Whitelist, cfg.Resolver, logger),
		logger:  logger,
		metrics: cfg.Metrics,
		ops:     make(chan func(*table)),
		done:    make(chan struct{}),
		conns:   make(map[*ipc.Conn]struct{}),
	}

	comLn, err := ipc.Listen(ctx, cfg.ComEndpoint)
	if err != nil {
		return nil, fmt.Errorf("signal handler com endpoint: %w", err)
	}
	reqLn, err := ipc.Listen(ctx, cfg.RequestEndpoint)
	if err != nil {
		_ = comLn.Close()
		return nil, fmt.Errorf("signal handler request endpoint: %w", err)
	}
	h.comLn, h.reqLn = comLn, reqLn
	return h, nil
}

// ComAddr returns the bound com address.
func (h *Handler) ComAddr() net.Addr {
	return h.comLn.Addr()
}

// RequestAddr returns the bound request address.
func (h *Handler) RequestAddr() net.Addr {
	return h.reqLn.Addr()
}

// Close releases both listeners of a handler whose Run was never called.
func (h *Handler) Close() error {
	return errors.Join(h.comLn.Close(), h.reqLn.Close())
}

// Run serves until ctx is done or EXIT is published on fwd (which may be
// nil). It always returns nil after closing every connection; one bad
// request never stops the loop.
func (h *Handler) Run(ctx context.Context, fwd *control.Forwarder) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var exited <-chan struct{}
	if fwd != nil {
		sub, err := fwd.Subscribe()
		if err != nil {
			return err
		}
		defer sub.Close()
		exited = sub.Done()
	}

	h.wg.Add(2)
	go h.acceptLoop(ctx, h.comLn, h.serveCom)
	go h.acceptLoop(ctx, h.reqLn, h.serveRequests)

	h.logger.Info("signal handler started", map[string]any{
		"com_endpoint":     h.cfg.ComEndpoint.String(),
		"request_endpoint": h.cfg.RequestEndpoint.String(),
		"allow_all":        h.allow.AllowsAll(),
		"fixed_targets":    len(h.cfg.FixedTargets),
	})

	t := newTable(h.cfg.FixedTargets)
loop:
	for {
		select {
		case op := <-h.ops:
			op(t)
		case <-exited:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	close(h.done)
	cancel()
	_ = h.comLn.Close()
	_ = h.reqLn.Close()
	h.closeConns()
	h.wg.Wait()

	h.logger.Info("signal handler stopped", nil)
	return nil
}

// Requests resolves the targets interested in filename. ok is false when
// no target of any kind is registered yet.
func (h *Handler) Requests(ctx context.Context, filename string) ([]types.Target, bool, error) {
	type result struct {
		targets []types.Target
		ok      bool
	}
	res := make(chan result, 1)
	err := h.do(ctx, func(t *table) {
		targets, ok := t.requests(filename)
		res <- result{targets, ok}
	})
	if err != nil {
		return nil, false, err
	}
	r := <-res
	return r.targets, r.ok, nil
}

// Registered returns the current registrations per connection type.
func (h *Handler) Registered(ctx context.Context) (map[types.ConnectionType][]types.Target, error) {
	var out map[types.ConnectionType][]types.Target
	err := h.do(ctx, func(t *table) { out = t.snapshot() })
	return out, err
}

// do runs op inside the owner loop and waits for it to finish.
func (h *Handler) do(ctx context.Context, op func(*table)) error {
	finished := make(chan struct{})
	wrapped := func(t *table) {
		defer close(finished)
		op(t)
	}
	select {
	case h.ops <- wrapped:
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (h *Handler) acceptLoop(ctx context.Context, ln net.Listener, serve func(context.Context, *ipc.Conn)) {
	defer h.wg.Done()
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.logger.Warn("accept failed", map[string]any{"error": err.Error()})
			continue
		}
		conn := ipc.NewConn(raw)
		if !h.track(conn) {
			_ = conn.Close()
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.untrack(conn)
			serve(ctx, conn)
		}()
	}
}

func (h *Handler) track(c *ipc.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Handler) untrack(c *ipc.Conn) {
	h.mu.Lock()
	if h.conns != nil {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	_ = c.Close()
}

func (h *Handler) closeConns() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()
	for c := range conns {
		_ = c.Close()
	}
}

// serveCom answers request/reply exchanges on one com connection.
func (h *Handler) serveCom(ctx context.Context, conn *ipc.Conn) {
	peer := conn.RemoteHost()
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if ipc.IsFatalFrameError(err) {
				h.logger.Warn("dropping com connection", map[string]any{"peer": peer, "error": err.Error()})
			}
			if ctx.Err() != nil || !isDecodeError(err) {
				return
			}
			_ = conn.SendStrings(ctx, types.ReplyNoValidSignal)
			continue
		}
		h.metrics.IncHandlerRequest()

		reply := h.handle(ctx, peer, msg)
		if err := conn.Send(ctx, reply...); err != nil {
			h.logger.Debug("reply failed", map[string]any{"peer": peer, "error": err.Error()})
			return
		}
	}
}

// handle processes one com request and returns the reply parts.
func (h *Handler) handle(ctx context.Context, peer string, msg ipc.Message) [][]byte {
	signal := msg.Part(0)

	switch signal {
	case types.SignalGetVersion:
		return ipc.Strings(types.SignalGetVersion, types.Version)
	case types.SignalGetRequests:
		// Target lookups are served in-process through Requests only.
		return h.reject(signal, peer, types.ReplyNoValidSignal, nil)
	}

	verb, ct, ok := types.ParseSignal(signal)
	if !ok {
		return h.reject(signal, peer, types.ReplyNoValidSignal, nil)
	}
	if !types.CompatibleVersion(msg.Part(1), types.Version) {
		return h.reject(signal, peer, types.ReplyVersionConflict,
			fmt.Errorf("client version %q, handler version %s", msg.Part(1), types.Version))
	}
	if ct == types.ConnNexus {
		// NEXUS connections never register with the handler.
		return h.reject(signal, peer, types.ReplyNoValidSignal, nil)
	}

	var targets []types.Target
	if len(msg) > 2 && len(msg[2]) > 0 {
		decoded, err := ipc.DecodeTargets(msg[2])
		if err != nil {
			return h.reject(signal, peer, types.ReplyNoValidSignal, err)
		}
		targets = decoded
	}

	switch verb {
	case types.VerbStart:
		return h.start(ctx, signal, peer, ct, targets)
	default:
		return h.stop(ctx, signal, peer, ct, targets, verb == types.VerbForceStop)
	}
}

func (h *Handler) start(ctx context.Context, signal, peer string, ct types.ConnectionType, targets []types.Target) [][]byte {
	if h.cfg.StoringDisabled && ct.IsMetadataOnly() {
		return h.reject(signal, peer, types.ReplyStoringDisabled, nil)
	}
	if err := types.ValidateTargets(targets); err != nil {
		return h.reject(signal, peer, types.ReplyNoValidSignal, err)
	}
	if err := h.allow.Check(ctx, peer); err != nil {
		return h.reject(signal, peer, types.ReplyNoValidHost, err)
	}
	for _, tgt := range targets {
		if err := h.allow.Check(ctx, tgt.Host()); err != nil {
			return h.reject(signal, peer, types.ReplyNoValidHost, err)
		}
	}

	var added bool
	if err := h.do(ctx, func(t *table) { added = t.start(ct, peer, targets) }); err != nil {
		return h.reject(signal, peer, types.ReplyNoValidSignal, err)
	}
	if !added {
		return h.reject(signal, peer, types.ReplyConnectionAlreadyOpen, nil)
	}

	h.logger.Info("targets registered", map[string]any{
		"signal":  signal,
		"peer":    peer,
		"targets": socketIDs(targets),
	})
	return ipc.Strings(signal)
}

func (h *Handler) stop(ctx context.Context, signal, peer string, ct types.ConnectionType, targets []types.Target, force bool) [][]byte {
	var removed int
	err := h.do(ctx, func(t *table) {
		removed = t.stop(ct, peer, socketIDs(targets), force)
	})
	if err != nil {
		return h.reject(signal, peer, types.ReplyNoValidSignal, err)
	}
	h.logger.Info("targets deregistered", map[string]any{
		"signal":  signal,
		"peer":    peer,
		"removed": removed,
	})
	return ipc.Strings(signal)
}

// reject logs and counts a per-request rejection and returns its token.
func (h *Handler) reject(signal, peer, token string, cause error) [][]byte {
	h.metrics.IncHandlerRejection()
	fields := map[string]any{"signal": signal, "peer": peer, "reply": token}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	h.logger.Warn("request rejected", fields)
	return ipc.Strings(token)
}

// serveRequests consumes NEXT / CANCEL announcements. No reply is sent.
func (h *Handler) serveRequests(ctx context.Context, conn *ipc.Conn) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || !isDecodeError(err) {
				return
			}
			continue
		}
		signal, socketID := msg.Part(0), msg.Part(1)
		switch signal {
		case types.SignalNext:
			var known bool
			if err := h.do(ctx, func(t *table) { known = t.next(socketID) }); err != nil {
				return
			}
			if !known {
				h.logger.Debug("NEXT for unregistered socket", map[string]any{"socket_id": socketID})
			}
		case types.SignalCancel:
			var dropped int
			if err := h.do(ctx, func(t *table) { dropped = t.cancel(socketID) }); err != nil {
				return
			}
			h.logger.Debug("pending requests cancelled", map[string]any{"socket_id": socketID, "dropped": dropped})
		default:
			h.logger.Warn("unknown request signal", map[string]any{"signal": signal})
		}
	}
}

func isDecodeError(err error) bool {
	var fe *ipc.FrameError
	return errors.As(err, &fe) && fe.Kind == ipc.FrameErrorDecode
}

func socketIDs(targets []types.Target) []string {
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.SocketID
	}
	return ids
}
