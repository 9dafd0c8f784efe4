// Package dispatcher implements the dispatcher pool.
//
// A fixed number of workers share one job channel. Each worker fetches the
// job's file, cuts it into chunks and hands every chunk to each interested
// data target, then applies the post-send policy and informs metadata
// targets. Every worker keeps its own cache of outbound connections; the
// job channel is the only state the workers share.
//
// Delivery is best effort per target. A target whose queue is full or
// whose connection broke misses that chunk and the file counts as not
// fully delivered; the other targets are unaffected.
//
// Dispatch notifications leave the workers through a bounded queue served
// by one goroutine. When the notifier falls behind, notifications are
// dropped and counted.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/notify"
	"github.com/pithecene-io/shuttle/policy"
	"github.com/pithecene-io/shuttle/scheduler"
	"github.com/pithecene-io/shuttle/types"
)

// Defaults applied by New.
const (
	DefaultWorkers      = 4
	DefaultChunkSize    = 10 * 1024 * 1024
	DefaultSendBuffer   = 64
	DefaultDialTimeout  = 2 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultCloseGrace   = 2 * time.Second
	DefaultNotifyBuffer = 256
)

// Config configures the pool.
type Config struct {
	Workers   int
	ChunkSize int64
	// SendBuffer is the per-target queue length in messages.
	SendBuffer   int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// CloseGrace bounds how long queued messages and notifications are
	// flushed on shutdown.
	CloseGrace time.Duration
	// NotifyBuffer is the length of the notification queue.
	NotifyBuffer int
	// FixedTargets are checked by CheckFixedTargets.
	FixedTargets []types.Target

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Pool runs the dispatcher workers.
type Pool struct {
	cfg      Config
	fetcher  fetcher.Fetcher
	policy   policy.Policy
	notifier notify.Notifier
	jobs     <-chan scheduler.Job
	logger   *log.Logger
	metrics  *metrics.Collector

	notes       chan *notify.FileDispatchedEvent
	notesDone   chan struct{}
	notesCancel context.CancelFunc
	notesMu     sync.RWMutex
	notesClosed bool
}

// New creates a pool. notifier may be nil.
func New(cfg Config, f fetcher.Fetcher, p policy.Policy, n notify.Notifier, jobs <-chan scheduler.Job) (*Pool, error) {
	if f == nil || p == nil || jobs == nil {
		return nil, types.NewError(types.ErrConfiguration, "dispatcher", errors.New("fetcher, policy and job channel are required"))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.ChunkSize > ipc.MaxChunkSize {
		return nil, types.NewError(types.ErrConfiguration, "chunk_size", fmt.Errorf("chunk size %d exceeds %d", cfg.ChunkSize, ipc.MaxChunkSize))
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = DefaultNotifyBuffer
	}
	if n == nil {
		n = notify.Nop{}
	}
	pool := &Pool{
		cfg:       cfg,
		fetcher:   f,
		policy:    p,
		notifier:  n,
		jobs:      jobs,
		logger:    cfg.Logger.Component("dispatcher"),
		metrics:   cfg.Metrics,
		notes:     make(chan *notify.FileDispatchedEvent, cfg.NotifyBuffer),
		notesDone: make(chan struct{}),
	}
	var ctx context.Context
	ctx, pool.notesCancel = context.WithCancel(context.Background())
	go pool.notifyLoop(ctx)
	return pool, nil
}

func (p *Pool) notifyLoop(ctx context.Context) {
	defer close(p.notesDone)
	for ev := range p.notes {
		if err := p.notifier.Notify(ctx, ev); err != nil {
			p.logger.Warn("dispatch notification failed", map[string]any{"file": ev.Filename, "error": err.Error()})
		}
	}
}

// publish queues ev for the notifier without blocking.
func (p *Pool) publish(ev *notify.FileDispatchedEvent) {
	p.notesMu.RLock()
	defer p.notesMu.RUnlock()
	if p.notesClosed {
		return
	}
	select {
	case p.notes <- ev:
	default:
		p.metrics.IncNotificationDropped()
		p.logger.Warn("notifier falling behind, notification dropped", map[string]any{"file": ev.Filename})
	}
}

// CheckFixedTargets sends ALIVE_TEST to every fixed target. Any unreachable fixed
// target is an error.
func (p *Pool) CheckFixedTargets(ctx context.Context) error {
	var errs []error
	for _, t := range p.cfg.FixedTargets {
		if err := p.aliveTest(ctx, t.SocketID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.SocketID, err))
			continue
		}
		p.logger.Info("fixed target alive", map[string]any{"target": t.SocketID})
	}
	if len(errs) > 0 {
		return types.NewError(types.ErrCommunication, types.SignalAliveTest, errors.Join(errs...))
	}
	return nil
}

func (p *Pool) aliveTest(ctx context.Context, id string) error {
	sock, err := ipc.ConnectSocketID(ctx, ipc.KindPush, id, p.cfg.DialTimeout)
	if err != nil {
		return err
	}
	defer sock.Close()
	return sock.SendStrings(types.SignalAliveTest)
}

// Run starts the workers and blocks until all of them exited. A worker
// exits on the shutdown sentinel, when the job channel is closed, when
// EXIT is published on fwd, or when ctx is done. A job already being
// processed is finished first.
func (p *Pool) Run(ctx context.Context, fwd *control.Forwarder) error {
	var exit <-chan struct{}
	if fwd != nil {
		sub, err := fwd.Subscribe()
		if err != nil {
			return fmt.Errorf("dispatcher: %w", err)
		}
		defer sub.Close()
		exit = sub.Done()
	}

	p.logger.Info("dispatcher pool started", map[string]any{
		"workers":    p.cfg.Workers,
		"chunk_size": p.cfg.ChunkSize,
	})

	var wg sync.WaitGroup
	for i := range p.cfg.Workers {
		w := &worker{
			id:     i,
			pool:   p,
			conns:  make(map[string]*sender),
			logger: p.logger.With(map[string]any{"worker_id": i}),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(ctx, exit)
		}()
	}
	wg.Wait()
	p.logger.Info("dispatcher pool stopped", nil)
	return nil
}

// Close flushes queued notifications for at most CloseGrace, then releases
// the policy (and with it the fetcher) and the notifier. Call it after Run
// returned.
func (p *Pool) Close() error {
	p.notesMu.Lock()
	if !p.notesClosed {
		p.notesClosed = true
		close(p.notes)
	}
	p.notesMu.Unlock()

	select {
	case <-p.notesDone:
	case <-time.After(p.cfg.CloseGrace):
		p.logger.Warn("discarding pending notifications on close", map[string]any{"queued": len(p.notes)})
		p.notesCancel()
		<-p.notesDone
	}
	p.notesCancel()
	return errors.Join(p.policy.Close(), p.notifier.Close())
}
