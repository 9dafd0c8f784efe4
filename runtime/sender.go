// Package runtime assembles and runs the sender side of the broker.
//
// A Sender owns one control forwarder, the signal handler, the task
// provider and the dispatcher pool. Run blocks until the context is done,
// EXIT is published, or the event source fails, then shuts the components
// down in dependency order.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/dispatcher"
	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/iox"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/notify"
	"github.com/pithecene-io/shuttle/policy"
	"github.com/pithecene-io/shuttle/scheduler"
	"github.com/pithecene-io/shuttle/signalhandler"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// SenderConfig configures one sender.
type SenderConfig struct {
	Handler    signalhandler.Config
	Scheduler  scheduler.Config
	Dispatcher dispatcher.Config
	Source     source.Config
	Fetcher    fetcher.Config
	Policy     policy.Config

	// JobQueueSize is the capacity of the job channel. Zero means one slot
	// per worker.
	JobQueueSize int

	// Notifier is told about every dispatched file. If nil, nothing is
	// published.
	Notifier notify.Notifier

	// Sources and Fetchers override the backend registries (for testing).
	// If nil, DefaultSources and DefaultFetchers are used.
	Sources  source.Registry
	Fetchers fetcher.Registry

	Logger *log.Logger
}

// SenderResult describes a finished sender run.
type SenderResult struct {
	StartedAt   time.Time
	Duration    time.Duration
	Outcome     *Outcome
	PolicyName  string
	PolicyStats policy.Stats
	Metrics     metrics.Snapshot
}

// Sender is an assembled, bound sender.
type Sender struct {
	cfg       SenderConfig
	logger    *log.Logger
	fwd       *control.Forwarder
	collector *metrics.Collector
	src       source.Source
	policy    policy.Policy
	handler   *signalhandler.Handler
	provider  *scheduler.Provider
	pool      *dispatcher.Pool
	jobs      chan scheduler.Job

	closeOnce sync.Once
}

// NewSender opens the event source and data fetcher, builds the policy
// and binds the signal handler. Any failure here is a start-up failure:
// everything opened so far is released before returning. cfg.Notifier is
// owned by the sender from this call on, even when it fails.
func NewSender(ctx context.Context, cfg SenderConfig) (*Sender, error) {
	if cfg.Sources == nil {
		cfg.Sources = DefaultSources()
	}
	if cfg.Fetchers == nil {
		cfg.Fetchers = DefaultFetchers()
	}
	if cfg.Dispatcher.Workers <= 0 {
		cfg.Dispatcher.Workers = dispatcher.DefaultWorkers
	}
	if cfg.JobQueueSize <= 0 {
		cfg.JobQueueSize = cfg.Dispatcher.Workers
	}
	logger := cfg.Logger.Component("sender")

	s := &Sender{
		cfg:    cfg,
		logger: logger,
		fwd:    control.NewForwarder(),
		jobs:   make(chan scheduler.Job, cfg.JobQueueSize),
	}

	// 1. Event source
	src, err := cfg.Sources.Open(ctx, cfg.Source, cfg.Logger)
	if err != nil {
		s.release(false)
		return nil, fmt.Errorf("open event source: %w", err)
	}
	s.src = src

	// 2. Data fetcher and post-send policy. The policy owns the fetcher
	// from here on and closes it.
	f, err := cfg.Fetchers.Open(ctx, cfg.Fetcher, cfg.Logger)
	if err != nil {
		s.release(false)
		return nil, fmt.Errorf("open data fetcher: %w", err)
	}
	pcfg := cfg.Policy
	if pcfg.Logger == nil {
		pcfg.Logger = cfg.Logger
	}
	pol, err := policy.New(pcfg, f)
	if err != nil {
		iox.DiscardClose(f)
		s.release(false)
		return nil, err
	}
	s.policy = pol

	s.collector = metrics.NewCollector(cfg.Source.Type, cfg.Fetcher.Type, pol.Name())

	// 3. Signal handler
	hcfg := cfg.Handler
	hcfg.StoringDisabled = hcfg.StoringDisabled || policy.StoringDisabled(cfg.Policy)
	hcfg.Logger, hcfg.Metrics = cfg.Logger, s.collector
	handler, err := signalhandler.New(ctx, hcfg)
	if err != nil {
		s.release(false)
		return nil, err
	}
	s.handler = handler

	// 4. Task provider and dispatcher pool
	scfg := cfg.Scheduler
	scfg.Logger, scfg.Metrics = cfg.Logger, s.collector
	provider, err := scheduler.New(scfg, src, handler, s.jobs)
	if err != nil {
		s.release(false)
		return nil, err
	}
	s.provider = provider

	dcfg := cfg.Dispatcher
	dcfg.FixedTargets = hcfg.FixedTargets
	dcfg.Logger, dcfg.Metrics = cfg.Logger, s.collector
	pool, err := dispatcher.New(dcfg, f, pol, cfg.Notifier, s.jobs)
	if err != nil {
		s.release(false)
		return nil, err
	}
	s.pool = pool

	logger.Info("sender assembled", map[string]any{
		"event_source":     cfg.Source.Type,
		"data_fetcher":     cfg.Fetcher.Type,
		"policy":           pol.Name(),
		"workers":          dcfg.Workers,
		"com_endpoint":     handler.ComAddr().String(),
		"request_endpoint": handler.RequestAddr().String(),
	})
	return s, nil
}

// Forwarder returns the control forwarder. Publishing SLEEP or WAKEUP
// pauses or resumes the task provider; EXIT stops the sender.
func (s *Sender) Forwarder() *control.Forwarder {
	return s.fwd
}

// Handler returns the signal handler.
func (s *Sender) Handler() *signalhandler.Handler {
	return s.handler
}

// Collector returns the shared metrics collector.
func (s *Sender) Collector() *metrics.Collector {
	return s.collector
}

// Run checks the fixed targets and serves until ctx is done, EXIT is
// published or the event source fails. The returned error is non-nil only
// for start-up or source failures; the result is always populated.
func (s *Sender) Run(ctx context.Context) (*SenderResult, error) {
	startedAt := time.Now()

	// 1. Storage tier must be reachable before anything is accepted
	if err := s.pool.CheckFixedTargets(ctx); err != nil {
		s.logger.Error("fixed target unreachable", map[string]any{"error": err.Error()})
		s.release(false)
		return s.buildResult(startedAt, err), err
	}

	// 2. Signal handler and dispatcher pool in the background
	var wg sync.WaitGroup
	handlerDone := make(chan struct{})
	poolDone := make(chan struct{})
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer close(handlerDone)
		_ = s.handler.Run(ctx, s.fwd)
	}()
	go func() {
		defer wg.Done()
		defer close(poolDone)
		// Workers stop on the sentinels of step 4, never on EXIT, so a
		// job the provider flushes while stopping is still dispatched.
		_ = s.pool.Run(ctx, nil)
	}()

	// 3. Task provider in the foreground
	runErr := s.provider.Run(ctx, s.fwd)
	if runErr != nil {
		s.logger.Error("task provider failed", map[string]any{"error": runErr.Error()})
	}

	// 4. One sentinel per worker; queued jobs ahead of them still go out
	s.stopWorkers(poolDone)
	<-poolDone

	// 5. Everyone else
	s.fwd.Publish(control.Exit)
	<-handlerDone
	wg.Wait()

	// 6. Release resources and absorb post-send counters
	s.release(true)

	result := s.buildResult(startedAt, runErr)
	s.logger.Info("sender stopped", map[string]any{
		"outcome":          string(result.Outcome.Status),
		"duration_ms":      result.Duration.Milliseconds(),
		"files_dispatched": result.Metrics.FilesDispatched,
		"files_failed":     result.Metrics.FilesFailed,
		"chunks_sent":      result.Metrics.ChunksSent,
		"chunks_dropped":   result.Metrics.ChunksDropped,
		"handler_requests": result.Metrics.HandlerRequests,
	})
	return result, runErr
}

func (s *Sender) stopWorkers(poolDone <-chan struct{}) {
	for range s.cfg.Dispatcher.Workers {
		select {
		case s.jobs <- scheduler.ShutdownJob():
		case <-poolDone:
			return
		}
	}
}

// release closes what the sender opened. The pool, once built, owns the
// policy (and the fetcher behind it) and the notifier. A handler that ran
// has closed itself.
func (s *Sender) release(handlerRan bool) {
	s.closeOnce.Do(func() {
		var errs []error
		if s.pool != nil {
			errs = append(errs, s.pool.Close())
		} else {
			if s.policy != nil {
				errs = append(errs, s.policy.Close())
			}
			if s.cfg.Notifier != nil {
				errs = append(errs, s.cfg.Notifier.Close())
			}
		}
		if !handlerRan && s.handler != nil {
			errs = append(errs, s.handler.Close())
		}
		if s.src != nil {
			errs = append(errs, s.src.Close())
		}
		s.fwd.Close()
		if err := errors.Join(errs...); err != nil {
			s.logger.Warn("release failed", map[string]any{"error": err.Error()})
		}
	})
}

func (s *Sender) buildResult(startedAt time.Time, runErr error) *SenderResult {
	stats := s.policy.Stats()
	s.collector.AbsorbPolicyStats(stats.Stored, stats.Removed, stats.Errors)
	return &SenderResult{
		StartedAt:   startedAt,
		Duration:    time.Since(startedAt),
		Outcome:     DetermineOutcome(runErr),
		PolicyName:  s.policy.Name(),
		PolicyStats: stats,
		Metrics:     s.collector.Snapshot(),
	}
}

// errorKind names the taxonomy kind of err, or "" when it has none.
func errorKind(err error) string {
	var te *types.Error
	if errors.As(err, &te) && te.Kind != nil {
		return te.Kind.Error()
	}
	return ""
}
