package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/types"
)

// fakeSource returns queued batches one per Poll, then empty batches.
type fakeSource struct {
	mu      sync.Mutex
	batches [][]types.FileEvent
	polls   int
	err     error
}

func (s *fakeSource) push(evs ...types.FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, evs)
}

func (s *fakeSource) Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error) {
	s.mu.Lock()
	s.polls++
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	if len(s.batches) > 0 {
		b := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return b, nil
	}
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(min(timeout, 5*time.Millisecond)):
		return nil, nil
	}
}

func (s *fakeSource) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeSource) Close() error { return nil }

type fakeResolver struct {
	targets map[string][]types.Target
	fail    map[string]bool
}

func (r fakeResolver) Requests(_ context.Context, filename string) ([]types.Target, bool, error) {
	if r.fail[filename] {
		return nil, false, errors.New("handler unreachable")
	}
	t, ok := r.targets[filename]
	return t, ok, nil
}

func ev(name string) types.FileEvent {
	return types.FileEvent{SourcePath: "/a", RelativePath: "/b", Filename: name}
}

func startProvider(t *testing.T, cfg Config, src *fakeSource, res Resolver, jobs chan Job) (*control.Forwarder, <-chan error) {
	t.Helper()
	p, err := New(cfg, src, res, jobs)
	if err != nil {
		t.Fatal(err)
	}
	fwd := control.NewForwarder()
	done := make(chan error, 1)
	go func() { done <- p.Run(t.Context(), fwd) }()
	return fwd, done
}

func recvJob(t *testing.T, jobs <-chan Job) Job {
	t.Helper()
	select {
	case j := <-jobs:
		return j
	case <-time.After(2 * time.Second):
		t.Fatal("no job received")
		return Job{}
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("provider did not stop")
		return nil
	}
}

func TestProvider_ResolvesTargets(t *testing.T) {
	src := &fakeSource{}
	src.push(ev("f.h5"), ev("g.cbf"))
	res := fakeResolver{targets: map[string][]types.Target{
		"f.h5": {{SocketID: "host:6000", Priority: 1}},
	}}
	m := metrics.NewCollector("fake", "file", "keep")
	jobs := make(chan Job, 4)

	fwd, done := startProvider(t, Config{EventTimeout: 10 * time.Millisecond, Metrics: m}, src, res, jobs)

	j := recvJob(t, jobs)
	if j.Event.Filename != "f.h5" || len(j.Targets) != 1 || j.Targets[0].SocketID != "host:6000" {
		t.Errorf("first job = %+v", j)
	}
	j = recvJob(t, jobs)
	if j.Event.Filename != "g.cbf" {
		t.Errorf("second job = %+v", j)
	}
	if j.Shutdown() {
		t.Error("job without requests must not be the shutdown sentinel")
	}

	fwd.Publish(control.Exit)
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
	s := m.Snapshot()
	if s.EventsReceived != 2 || s.JobsSent != 2 {
		t.Errorf("metrics = %+v", s)
	}
}

func TestProvider_SkipsUnresolvableEvent(t *testing.T) {
	src := &fakeSource{}
	src.push(ev("bad.h5"), ev("good.h5"))
	res := fakeResolver{fail: map[string]bool{"bad.h5": true}}
	m := metrics.NewCollector("fake", "file", "keep")
	jobs := make(chan Job, 4)

	fwd, done := startProvider(t, Config{EventTimeout: 10 * time.Millisecond, Metrics: m}, src, res, jobs)
	defer fwd.Publish(control.Exit)

	if j := recvJob(t, jobs); j.Event.Filename != "good.h5" {
		t.Errorf("job = %+v, want good.h5", j)
	}
	if m.Snapshot().EventsSkipped != 1 {
		t.Errorf("events_skipped = %d, want 1", m.Snapshot().EventsSkipped)
	}
	fwd.Publish(control.Exit)
	waitDone(t, done)
}

func TestProvider_SourceErrorIsFatal(t *testing.T) {
	src := &fakeSource{err: errors.New("inotify queue overflow")}
	_, done := startProvider(t, Config{}, src, fakeResolver{}, make(chan Job))
	if err := waitDone(t, done); err == nil {
		t.Error("expected source failure to stop the provider")
	}
}

func TestProvider_ExitWhilePoolBusy(t *testing.T) {
	src := &fakeSource{}
	src.push(ev("f.h5"))
	m := metrics.NewCollector("fake", "file", "keep")
	jobs := make(chan Job) // nobody receives

	fwd, done := startProvider(t, Config{EventTimeout: 10 * time.Millisecond, SendTimeout: 20 * time.Millisecond, Metrics: m}, src, fakeResolver{}, jobs)

	deadline := time.Now().Add(2 * time.Second)
	for m.Snapshot().JobSendTimeouts == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.Snapshot().JobSendTimeouts == 0 {
		t.Fatal("send never timed out")
	}
	fwd.Publish(control.Exit)
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestProvider_FlushesBuiltJobOnCancel(t *testing.T) {
	src := &fakeSource{}
	src.push(ev("f.h5"))
	m := metrics.NewCollector("fake", "file", "keep")
	jobs := make(chan Job)

	p, err := New(Config{EventTimeout: 10 * time.Millisecond, SendTimeout: 500 * time.Millisecond, Metrics: m}, src, fakeResolver{}, jobs)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, nil) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	if j := recvJob(t, jobs); j.Event.Filename != "f.h5" {
		t.Errorf("job = %s, want f.h5", j.Event.Filename)
	}
	if err := waitDone(t, done); err != nil {
		t.Errorf("Run = %v", err)
	}
	if got := m.Snapshot().JobsSent; got != 1 {
		t.Errorf("JobsSent = %d, want 1", got)
	}
}

func TestProvider_SleepAndWakeup(t *testing.T) {
	src := &fakeSource{}
	jobs := make(chan Job, 4)
	fwd, done := startProvider(t, Config{EventTimeout: 10 * time.Millisecond, IgnoreAccumulatedEvents: true}, src, fakeResolver{}, jobs)
	defer func() {
		fwd.Publish(control.Exit)
		waitDone(t, done)
	}()

	fwd.Publish(control.Sleep)
	time.Sleep(50 * time.Millisecond)

	// Events accumulated while asleep are discarded on wakeup.
	src.push(ev("stale.h5"))
	time.Sleep(30 * time.Millisecond)
	if src.pending() != 1 {
		t.Fatal("provider polled the source while asleep")
	}
	fwd.Publish(control.Wakeup)

	deadline := time.Now().Add(2 * time.Second)
	for src.pending() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	src.push(ev("fresh.h5"))
	if j := recvJob(t, jobs); j.Event.Filename != "fresh.h5" {
		t.Errorf("job = %s, want fresh.h5 (stale event must be ignored)", j.Event.Filename)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, nil, fakeResolver{}, make(chan Job)); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("err = %v, want configuration error", err)
	}
}

func TestShutdownJob(t *testing.T) {
	if !ShutdownJob().Shutdown() {
		t.Error("ShutdownJob is not a sentinel")
	}
	if (Job{Targets: []types.Target{}}).Shutdown() {
		t.Error("empty target list treated as sentinel")
	}
}
