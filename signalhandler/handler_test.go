package signalhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/types"
)

// fakeResolver answers from fixed tables; unknown names fail.
type fakeResolver struct {
	hosts map[string][]string
	addrs map[string][]string
}

var errNoSuchHost = errors.New("no such host")

func (r fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	if a, ok := r.hosts[host]; ok {
		return a, nil
	}
	return nil, errNoSuchHost
}

func (r fakeResolver) LookupAddr(_ context.Context, addr string) ([]string, error) {
	if n, ok := r.addrs[addr]; ok {
		return n, nil
	}
	return nil, errNoSuchHost
}

type harness struct {
	h       *Handler
	fwd     *control.Forwarder
	metrics *metrics.Collector
	done    chan error
}

func startHandler(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.ComEndpoint = ipc.TCPEndpoint("127.0.0.1", 0)
	cfg.RequestEndpoint = ipc.TCPEndpoint("127.0.0.1", 0)
	if cfg.Resolver == nil {
		cfg.Resolver = fakeResolver{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector("test", "test", "keep")
	}

	h, err := New(t.Context(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	hs := &harness{h: h, fwd: control.NewForwarder(), metrics: cfg.Metrics, done: make(chan error, 1)}
	go func() { hs.done <- h.Run(context.Background(), hs.fwd) }()
	t.Cleanup(func() {
		hs.fwd.Publish(control.Exit)
		select {
		case <-hs.done:
		case <-time.After(5 * time.Second):
			t.Error("handler did not stop")
		}
	})
	return hs
}

func (hs *harness) dial(t *testing.T, addr string) *ipc.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, ipc.Endpoint{Protocol: ipc.ProtocolTCP, Address: addr})
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func request(t *testing.T, c *ipc.Conn, parts ...[]byte) ipc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
	defer cancel()
	reply, err := c.Request(ctx, parts...)
	if err != nil {
		t.Fatalf("request %q: %v", parts[0], err)
	}
	return reply
}

func startMsg(t *testing.T, ct types.ConnectionType, version string, targets ...types.Target) [][]byte {
	t.Helper()
	enc, err := ipc.EncodeTargets(targets)
	if err != nil {
		t.Fatalf("EncodeTargets: %v", err)
	}
	return [][]byte{[]byte(types.Signal(types.VerbStart, ct)), []byte(version), enc}
}

func TestHandler_GetVersion(t *testing.T) {
	hs := startHandler(t, Config{})
	c := hs.dial(t, hs.h.ComAddr().String())

	reply := request(t, c, []byte(types.SignalGetVersion))
	if reply.Part(0) != types.SignalGetVersion || reply.Part(1) != types.Version {
		t.Errorf("reply = %q, want [GET_VERSION %s]", reply, types.Version)
	}
}

func TestHandler_StartAndResolve(t *testing.T) {
	hs := startHandler(t, Config{Whitelist: []string{"127.0.0.1"}})
	c := hs.dial(t, hs.h.ComAddr().String())

	if _, ok, err := hs.h.Requests(t.Context(), "f.h5"); err != nil || ok {
		t.Fatalf("Requests before registration = ok %v, err %v; want sentinel", ok, err)
	}

	reply := request(t, c, startMsg(t, types.ConnStream, types.Version,
		target("127.0.0.1:6001", 1, ".h5"),
		target("127.0.0.1:6002", 4, ".h5"))...)
	if want := types.Signal(types.VerbStart, types.ConnStream); reply.Part(0) != want {
		t.Fatalf("reply = %q, want %s", reply.Part(0), want)
	}

	got, ok, err := hs.h.Requests(t.Context(), "f.h5")
	if err != nil || !ok {
		t.Fatalf("Requests = ok %v, err %v", ok, err)
	}
	equalIDs(t, got, "127.0.0.1:6002", "127.0.0.1:6001")
}

func TestHandler_GetRequestsNotServedRemotely(t *testing.T) {
	hs := startHandler(t, Config{Whitelist: []string{"127.0.0.1"}})
	c := hs.dial(t, hs.h.ComAddr().String())

	request(t, c, startMsg(t, types.ConnStream, types.Version, target("127.0.0.1:6001", 1))...)

	reply := request(t, c, []byte(types.SignalGetRequests), []byte("f.h5"))
	if reply.Part(0) != types.ReplyNoValidSignal || len(reply) != 1 {
		t.Fatalf("reply = %q, want [%s]", reply, types.ReplyNoValidSignal)
	}
	if s := hs.metrics.Snapshot(); s.HandlerRejections != 1 {
		t.Errorf("rejections = %d, want 1", s.HandlerRejections)
	}

	got, ok, err := hs.h.Requests(t.Context(), "f.h5")
	if err != nil || !ok {
		t.Fatalf("Requests = ok %v, err %v", ok, err)
	}
	equalIDs(t, got, "127.0.0.1:6001")
}

func TestHandler_RejectsHostOutsideAllowList(t *testing.T) {
	hs := startHandler(t, Config{Whitelist: []string{"10.9.9.9"}})
	c := hs.dial(t, hs.h.ComAddr().String())

	reply := request(t, c, startMsg(t, types.ConnStream, types.Version, target("127.0.0.1:6001", 1))...)
	if reply.Part(0) != types.ReplyNoValidHost {
		t.Fatalf("reply = %q, want %s", reply.Part(0), types.ReplyNoValidHost)
	}

	if targets, ok, _ := hs.h.Requests(t.Context(), "any.h5"); ok || len(targets) != 0 {
		t.Errorf("table changed after rejection: %v", ids(targets))
	}
	if s := hs.metrics.Snapshot(); s.HandlerRejections != 1 {
		t.Errorf("rejections = %d, want 1", s.HandlerRejections)
	}
}

func TestHandler_RejectsTargetHostOutsideAllowList(t *testing.T) {
	hs := startHandler(t, Config{Whitelist: []string{"127.0.0.1"}})
	c := hs.dial(t, hs.h.ComAddr().String())

	reply := request(t, c, startMsg(t, types.ConnStream, types.Version, target("10.1.1.1:6001", 1))...)
	if reply.Part(0) != types.ReplyNoValidHost {
		t.Fatalf("reply = %q, want %s", reply.Part(0), types.ReplyNoValidHost)
	}
}

func TestHandler_AllowListAlias(t *testing.T) {
	res := fakeResolver{
		hosts: map[string][]string{"consumer.lab": {"127.0.0.1"}},
	}
	hs := startHandler(t, Config{Whitelist: []string{"consumer.lab"}, Resolver: res})
	c := hs.dial(t, hs.h.ComAddr().String())

	reply := request(t, c, startMsg(t, types.ConnStream, types.Version, target("127.0.0.1:6001", 1))...)
	if want := types.Signal(types.VerbStart, types.ConnStream); reply.Part(0) != want {
		t.Errorf("reply = %q, want %s", reply.Part(0), want)
	}
}

func TestHandler_RejectionTokens(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		msg  func(t *testing.T) [][]byte
		want string
	}{
		{
			name: "version conflict",
			msg: func(t *testing.T) [][]byte {
				return startMsg(t, types.ConnStream, "0.1.0", target("127.0.0.1:6001", 1))
			},
			want: types.ReplyVersionConflict,
		},
		{
			name: "unknown signal",
			msg: func(*testing.T) [][]byte {
				return [][]byte{[]byte("START_TELEPORT"), []byte(types.Version)}
			},
			want: types.ReplyNoValidSignal,
		},
		{
			name: "storing disabled",
			cfg:  Config{StoringDisabled: true},
			msg: func(t *testing.T) [][]byte {
				return startMsg(t, types.ConnQueryNextMetadata, types.Version, target("127.0.0.1:6001", 1))
			},
			want: types.ReplyStoringDisabled,
		},
		{
			name: "nexus registration",
			msg: func(t *testing.T) [][]byte {
				return startMsg(t, types.ConnNexus, types.Version, target("127.0.0.1:6001", 1))
			},
			want: types.ReplyNoValidSignal,
		},
		{
			name: "empty target list",
			msg: func(t *testing.T) [][]byte {
				return startMsg(t, types.ConnStream, types.Version)
			},
			want: types.ReplyNoValidSignal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := startHandler(t, tt.cfg)
			c := hs.dial(t, hs.h.ComAddr().String())
			reply := request(t, c, tt.msg(t)...)
			if reply.Part(0) != tt.want {
				t.Errorf("reply = %q, want %s", reply.Part(0), tt.want)
			}
		})
	}
}

func TestHandler_DuplicateStart(t *testing.T) {
	hs := startHandler(t, Config{})
	c := hs.dial(t, hs.h.ComAddr().String())

	msg := startMsg(t, types.ConnStream, types.Version, target("127.0.0.1:6001", 1))
	request(t, c, msg...)
	reply := request(t, c, msg...)
	if reply.Part(0) != types.ReplyConnectionAlreadyOpen {
		t.Errorf("reply = %q, want %s", reply.Part(0), types.ReplyConnectionAlreadyOpen)
	}
}

func TestHandler_StopAndForceStop(t *testing.T) {
	hs := startHandler(t, Config{})
	c := hs.dial(t, hs.h.ComAddr().String())

	request(t, c, startMsg(t, types.ConnStream, types.Version, target("127.0.0.1:6001", 1))...)

	stop := types.Signal(types.VerbStop, types.ConnStream)
	reply := request(t, c, []byte(stop), []byte(types.Version))
	if reply.Part(0) != stop {
		t.Fatalf("reply = %q, want %s", reply.Part(0), stop)
	}
	if _, ok, _ := hs.h.Requests(t.Context(), "f.h5"); ok {
		t.Error("target still registered after STOP")
	}

	// FORCE_STOP succeeds even when nothing is registered.
	force := types.Signal(types.VerbForceStop, types.ConnStream)
	reply = request(t, c, []byte(force), []byte(types.Version))
	if reply.Part(0) != force {
		t.Errorf("reply = %q, want %s", reply.Part(0), force)
	}
}

func TestHandler_NextAndCancel(t *testing.T) {
	hs := startHandler(t, Config{})
	com := hs.dial(t, hs.h.ComAddr().String())
	req := hs.dial(t, hs.h.RequestAddr().String())

	request(t, com, startMsg(t, types.ConnQueryNext, types.Version, target("127.0.0.1:6001", 1))...)

	ctx := t.Context()
	if err := req.SendStrings(ctx, types.SignalNext, "127.0.0.1:6001"); err != nil {
		t.Fatalf("send NEXT: %v", err)
	}
	waitFor(t, func() bool { return pending(t, hs.h, "127.0.0.1:6001") == 1 })
	if r, _ := hs.h.Registered(ctx); len(r[types.ConnQueryNext]) != 1 {
		t.Fatalf("registered = %v", r)
	}

	got, _, err := hs.h.Requests(ctx, "f.h5")
	if err != nil {
		t.Fatal(err)
	}
	equalIDs(t, got, "127.0.0.1:6001")

	if err := req.SendStrings(ctx, types.SignalNext, "127.0.0.1:6001"); err != nil {
		t.Fatalf("send NEXT: %v", err)
	}
	waitFor(t, func() bool { return pending(t, hs.h, "127.0.0.1:6001") == 1 })
	if err := req.SendStrings(ctx, types.SignalCancel, "127.0.0.1:6001"); err != nil {
		t.Fatalf("send CANCEL: %v", err)
	}
	waitFor(t, func() bool { return pending(t, hs.h, "127.0.0.1:6001") == 0 })
}

func TestHandler_FixedTargetsAlwaysResolved(t *testing.T) {
	hs := startHandler(t, Config{FixedTargets: []types.Target{target("127.0.0.1:7000", 0, ".h5")}})

	got, ok, err := hs.h.Requests(t.Context(), "f.h5")
	if err != nil || !ok {
		t.Fatalf("Requests = ok %v, err %v", ok, err)
	}
	equalIDs(t, got, "127.0.0.1:7000")
}

func TestHandler_RequestsAfterStop(t *testing.T) {
	hs := startHandler(t, Config{})
	hs.fwd.Publish(control.Exit)
	<-hs.done
	hs.done <- nil // let cleanup observe a stopped handler

	if _, _, err := hs.h.Requests(t.Context(), "f.h5"); !errors.Is(err, ErrStopped) {
		t.Errorf("Requests after stop = %v, want ErrStopped", err)
	}
}

// pending reads the outstanding NEXT count through the owner loop.
func pending(t *testing.T, h *Handler, socketID string) int {
	t.Helper()
	var n int
	if err := h.do(t.Context(), func(tb *table) { n = tb.pending[socketID] }); err != nil {
		t.Fatalf("do: %v", err)
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
