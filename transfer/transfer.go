// Package transfer implements the consumer side of the broker protocol.
//
// A Transfer negotiates one or more connection types with the signal
// handler, binds a data endpoint per type and hands received chunks to the
// caller, either one by one (GetChunk), reassembled in memory (Get) or
// written straight to disk (Store).
//
// Lifecycle per connection type:
//
//	NEW -> NEGOTIATED (Start) -> RECEIVING (GetChunk/Get/Store) -> STOPPED (Stop)
//
// Data arrives on a PULL socket per type. The optional status endpoint and
// the NEXUS file-operation endpoint are REP sockets answered from inside
// GetChunk.
//
// A Transfer is not safe for concurrent use. Reader goroutines only feed
// the shared inbox; all protocol state is owned by the caller's goroutine.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// Style is how the data socket is established.
type Style string

// Data socket styles. Only StyleBind is supported: consumers bind and
// dispatcher workers dial in.
const (
	StyleBind    Style = "bind"
	StyleConnect Style = "connect"
)

// DefaultRequestTimeout bounds one control-plane round trip.
const DefaultRequestTimeout = 5 * time.Second

// Config configures a Transfer.
type Config struct {
	// SignalHost is the host of the signal handler.
	SignalHost  string
	SignalPort  int
	RequestPort int
	// DataHost pins the host advertised in data socket ids. Empty resolves
	// the local address used to reach SignalHost.
	DataHost string
	// IPCDir holds unix sockets for the ipc protocol. NEXUS creates it.
	IPCDir string

	RequestTimeout time.Duration
	Logger         *log.Logger
}

// StartOptions configures one connection type.
type StartOptions struct {
	// Protocol defaults to tcp.
	Protocol ipc.Protocol
	// Style defaults to bind.
	Style Style
	// Port is the tcp data port; 0 picks a free one.
	Port     int
	Priority int
	Suffixes []string
	// StatusCheck enables the status endpoint for this connection.
	StatusCheck bool
	// StatusCheckPort is the tcp status port; 0 picks a free one.
	StatusCheckPort int
	// FileOpPort is the tcp file-operation port of NEXUS; 0 picks a free
	// one.
	FileOpPort int
}

// Transfer is one consumer instance.
type Transfer struct {
	cfg    Config
	id     string
	logger *log.Logger

	com     *ipc.Conn
	request *ipc.Conn

	// registered holds the targets announced with START per type, whether
	// by Initiate or by Start.
	registered map[types.ConnectionType][]types.Target
	conns      map[types.ConnectionType]*connection

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan inbound
	wg     sync.WaitGroup

	status  []string
	partial map[string]*partialFile
	open    map[string]*storeFile
	closed  bool
}

// New creates a Transfer. No sockets are opened until Initiate or Start.
func New(cfg Config) (*Transfer, error) {
	if cfg.SignalHost == "" {
		return nil, types.NewError(types.ErrConfiguration, "signal_host", errors.New("signal host is required"))
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Transfer{
		cfg:        cfg,
		id:         id,
		logger:     cfg.Logger.Component("transfer").With(map[string]any{"app_id": id}),
		registered: make(map[types.ConnectionType][]types.Target),
		conns:      make(map[types.ConnectionType]*connection),
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan inbound),
		status:     []string{types.StatusOK},
		partial:    make(map[string]*partialFile),
		open:       make(map[string]*storeFile),
	}, nil
}

// ID returns the instance id.
func (t *Transfer) ID() string {
	return t.id
}

// Initiate validates targets and opens the control connection. For push
// types the targets are registered right away; pull types register their
// own address in Start.
func (t *Transfer) Initiate(ctx context.Context, ct types.ConnectionType, targets []types.Target) error {
	if t.closed {
		return errStopped("initiate")
	}
	targets = slices.Clone(targets)
	if err := types.ValidateTargets(targets); err != nil {
		return err
	}
	for i := range targets {
		if targets[i].Category == "" {
			targets[i].Category = ct.Category()
		}
	}
	if err := t.connectSignal(ctx); err != nil {
		return err
	}
	if ct.IsPull() || !ct.RequiresSignal() {
		return nil
	}
	if err := t.signal(ctx, types.VerbStart, ct, targets, false); err != nil {
		return err
	}
	t.registered[ct] = targets
	t.logger.Info("targets registered", map[string]any{
		"connection_type": ct.String(),
		"targets":         len(targets),
	})
	return nil
}

// Start negotiates ct and binds its data endpoint. A type that is already
// started returns its endpoint without another round trip.
func (t *Transfer) Start(ctx context.Context, ct types.ConnectionType, opts StartOptions) (ipc.Endpoint, error) {
	if t.closed {
		return ipc.Endpoint{}, errStopped("start")
	}
	if c, ok := t.conns[ct]; ok {
		return c.endpoint, nil
	}

	signal := types.Signal(types.VerbStart, ct)
	if opts.Style == "" {
		opts.Style = StyleBind
	}
	if opts.Style != StyleBind {
		return ipc.Endpoint{}, types.NewError(types.ErrNotSupported, signal, fmt.Errorf("data connection style %q", opts.Style))
	}
	if opts.Protocol == "" {
		opts.Protocol = ipc.ProtocolTCP
	}
	proto, err := ipc.ParseProtocol(string(opts.Protocol))
	if err != nil {
		return ipc.Endpoint{}, err
	}
	opts.Protocol = proto

	c, err := t.bind(ctx, ct, opts)
	if err != nil {
		return ipc.Endpoint{}, err
	}

	if ct.RequiresSignal() {
		if err := t.negotiate(ctx, ct, c); err != nil {
			c.close()
			return ipc.Endpoint{}, err
		}
	}

	t.conns[ct] = c
	t.serve(c)

	fields := map[string]any{
		"connection_type": ct.String(),
		"endpoint":        c.endpoint.String(),
	}
	if c.status != nil {
		fields["status_endpoint"] = c.status.Endpoint().String()
	}
	if c.fileOp != nil {
		fields["file_op_endpoint"] = c.fileOp.Endpoint().String()
	}
	t.logger.Info("connection started", fields)
	return c.endpoint, nil
}

// negotiate registers the connection's own target unless Initiate already
// registered targets for ct. Pull types also open the request connection.
func (t *Transfer) negotiate(ctx context.Context, ct types.ConnectionType, c *connection) error {
	if err := t.connectSignal(ctx); err != nil {
		return err
	}
	if ct.IsPull() {
		if err := t.connectRequest(ctx); err != nil {
			return err
		}
	}
	if _, ok := t.registered[ct]; ok {
		return nil
	}
	own := []types.Target{c.target}
	if err := t.signal(ctx, types.VerbStart, ct, own, false); err != nil {
		return err
	}
	t.registered[ct] = own
	return nil
}

// StatusEndpoint returns the status endpoint of ct, if enabled.
func (t *Transfer) StatusEndpoint(ct types.ConnectionType) (ipc.Endpoint, bool) {
	c, ok := t.conns[ct]
	if !ok || c.status == nil {
		return ipc.Endpoint{}, false
	}
	return c.status.Endpoint(), true
}

// FileOpEndpoint returns the file-operation endpoint of a started NEXUS
// connection.
func (t *Transfer) FileOpEndpoint(ct types.ConnectionType) (ipc.Endpoint, bool) {
	c, ok := t.conns[ct]
	if !ok || c.fileOp == nil {
		return ipc.Endpoint{}, false
	}
	return c.fileOp.Endpoint(), true
}

// Stop deregisters and closes the given connection types, or everything
// when none are given. Stopping everything closes the Transfer for good.
// Stop is idempotent.
func (t *Transfer) Stop(ctx context.Context, cts ...types.ConnectionType) error {
	return t.stop(ctx, cts, false)
}

// ForceStop is Stop with FORCE_STOP signals, which ignore registration
// ownership. A closed control connection is reopened to deliver them.
func (t *Transfer) ForceStop(ctx context.Context, cts ...types.ConnectionType) error {
	return t.stop(ctx, cts, true)
}

func (t *Transfer) stop(ctx context.Context, cts []types.ConnectionType, force bool) error {
	all := len(cts) == 0
	if all {
		for ct := range t.registered {
			cts = append(cts, ct)
		}
		for ct := range t.conns {
			if !slices.Contains(cts, ct) {
				cts = append(cts, ct)
			}
		}
		slices.Sort(cts)
	}

	verb := types.VerbStop
	if force {
		verb = types.VerbForceStop
	}

	var errs []error
	for _, ct := range cts {
		if targets, ok := t.registered[ct]; ok {
			if err := t.signal(ctx, verb, ct, targets, force); err != nil {
				errs = append(errs, err)
			}
			delete(t.registered, ct)
		}
		if c, ok := t.conns[ct]; ok {
			c.close()
			delete(t.conns, ct)
			t.logger.Info("connection stopped", map[string]any{"connection_type": ct.String()})
		}
	}

	if all && !t.closed {
		t.closed = true
		t.cancel()
		t.wg.Wait()
		for key, f := range t.open {
			f.abort()
			delete(t.open, key)
		}
		clear(t.partial)
		for _, conn := range []**ipc.Conn{&t.com, &t.request} {
			if *conn != nil {
				_ = (*conn).Close()
				*conn = nil
			}
		}
	}
	return errors.Join(errs...)
}

// connectSignal dials the signal handler and checks its version once per
// connection.
func (t *Transfer) connectSignal(ctx context.Context) error {
	if t.com != nil {
		return nil
	}
	ep := ipc.TCPEndpoint(t.cfg.SignalHost, t.cfg.SignalPort)
	dctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	conn, err := ipc.Dial(dctx, ep)
	if err != nil {
		return types.NewError(types.ErrCommunication, "connect", err)
	}
	t.com = conn

	reply, err := t.exchange(ctx, types.SignalGetVersion)
	if err != nil {
		return err
	}
	if reply.Part(0) != types.SignalGetVersion {
		return types.NewError(types.ErrCommunication, types.SignalGetVersion, fmt.Errorf("unexpected reply %q", reply.Part(0)))
	}
	if remote := reply.Part(1); !types.CompatibleVersion(remote, types.Version) {
		_ = t.com.Close()
		t.com = nil
		return types.NewError(types.ErrVersion, types.SignalGetVersion,
			fmt.Errorf("signal handler version %q, client version %s", remote, types.Version))
	}
	t.logger.Debug("signal handler connected", map[string]any{"endpoint": ep.String()})
	return nil
}

func (t *Transfer) connectRequest(ctx context.Context) error {
	if t.request != nil {
		return nil
	}
	dctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	conn, err := ipc.Dial(dctx, ipc.TCPEndpoint(t.cfg.SignalHost, t.cfg.RequestPort))
	if err != nil {
		return types.NewError(types.ErrCommunication, "connect", err)
	}
	t.request = conn
	return nil
}

// exchange sends one request on the control connection and returns the
// reply. A transport failure closes the connection.
func (t *Transfer) exchange(ctx context.Context, signal string, parts ...[]byte) (ipc.Message, error) {
	if t.com == nil {
		return nil, types.NewError(types.ErrCommunication, signal, errors.New("signal connection is closed"))
	}
	rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()
	msg := append([][]byte{[]byte(signal)}, parts...)
	reply, err := t.com.Request(rctx, msg...)
	if err != nil {
		_ = t.com.Close()
		t.com = nil
		return nil, types.NewError(types.ErrCommunication, signal, err)
	}
	return reply, nil
}

// signal sends a typed START/STOP/FORCE_STOP and checks for the echo.
// redial reopens a closed control connection first.
func (t *Transfer) signal(ctx context.Context, verb string, ct types.ConnectionType, targets []types.Target, redial bool) error {
	name := types.Signal(verb, ct)
	if redial {
		if err := t.connectSignal(ctx); err != nil {
			return err
		}
	}
	enc, err := ipc.EncodeTargets(targets)
	if err != nil {
		return types.NewError(types.ErrFormat, name, err)
	}
	reply, err := t.exchange(ctx, name, []byte(types.Version), enc)
	if err != nil {
		return err
	}
	token := reply.Part(0)
	if token == name {
		return nil
	}
	if rerr := types.ReplyError(name, token); rerr != nil {
		return rerr
	}
	return types.NewError(types.ErrCommunication, name, fmt.Errorf("unexpected reply %q", token))
}

func errStopped(op string) error {
	return types.NewError(types.ErrCommunication, op, errors.New("transfer is stopped"))
}

// bind creates the data socket of ct, plus its status socket and, for
// NEXUS, its file-operation socket.
func (t *Transfer) bind(ctx context.Context, ct types.ConnectionType, opts StartOptions) (*connection, error) {
	c := &connection{ct: ct}
	c.ctx, c.cancel = context.WithCancel(t.ctx)

	var err error
	c.data, err = t.bindSocket(ctx, c, ipc.KindPull, opts.Protocol, opts.Port, "")
	if err != nil {
		return nil, err
	}
	c.endpoint = c.data.Endpoint()
	c.target = types.Target{
		SocketID: c.endpoint.SocketID(),
		Priority: opts.Priority,
		Suffixes: opts.Suffixes,
		Category: ct.Category(),
	}
	if err := c.target.Compile(); err != nil {
		c.close()
		return nil, err
	}

	if opts.StatusCheck {
		if c.status, err = t.bindSocket(ctx, c, ipc.KindRep, opts.Protocol, opts.StatusCheckPort, "status"); err != nil {
			return nil, err
		}
	}
	if ct == types.ConnNexus {
		if c.fileOp, err = t.bindSocket(ctx, c, ipc.KindRep, opts.Protocol, opts.FileOpPort, "fileop"); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// bindSocket binds one socket of c. On failure c is closed.
func (t *Transfer) bindSocket(ctx context.Context, c *connection, kind ipc.SocketKind, proto ipc.Protocol, port int, role string) (*ipc.Socket, error) {
	ep, err := t.endpoint(ctx, c.ct, proto, port, role)
	if err != nil {
		c.close()
		return nil, err
	}
	sock, err := ipc.Bind(c.ctx, kind, ep)
	if err != nil {
		c.close()
		return nil, types.NewError(types.ErrCommunication, types.Signal(types.VerbStart, c.ct), err)
	}
	return sock, nil
}

// endpoint computes a concrete address: dir/pid_suffix for ipc, the
// pinned or resolved local host for tcp.
func (t *Transfer) endpoint(ctx context.Context, ct types.ConnectionType, proto ipc.Protocol, port int, role string) (ipc.Endpoint, error) {
	if proto == ipc.ProtocolIPC {
		if t.cfg.IPCDir == "" {
			return ipc.Endpoint{}, types.NewError(types.ErrConfiguration, "ipc_dir", errors.New("ipc protocol requires an ipc directory"))
		}
		if ct == types.ConnNexus {
			if err := os.MkdirAll(t.cfg.IPCDir, 0o755); err != nil {
				return ipc.Endpoint{}, types.NewError(types.ErrConfiguration, "ipc_dir", err)
			}
		}
		name := fmt.Sprintf("%d_%s_%s", os.Getpid(), t.id[:8], strings.ToLower(ct.String()))
		if role != "" {
			name += "_" + role
		}
		return ipc.IPCEndpoint(t.cfg.IPCDir, name), nil
	}

	host := t.cfg.DataHost
	if host == "" {
		resolved, err := localHost(ctx, t.cfg.SignalHost, t.cfg.SignalPort)
		if err != nil {
			return ipc.Endpoint{}, types.NewError(types.ErrConfiguration, "data_host", err)
		}
		host = resolved
		t.cfg.DataHost = resolved
		t.logger.Debug("data host resolved", map[string]any{"host": host})
	}
	return ipc.TCPEndpoint(host, port), nil
}

// localHost returns the local IP the system would use to reach host. The
// address family follows host, so IPv6 signal handlers yield IPv6 data
// endpoints. No packets are sent.
func localHost(ctx context.Context, host string, port int) (string, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", fmt.Errorf("resolve local address towards %s: %w", host, err)
	}
	defer c.Close()
	addr, ok := c.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %s", c.LocalAddr())
	}
	return addr.IP.String(), nil
}
