// Package scheduler implements the task provider: it pulls file events
// from the event source, asks the signal handler which targets want each
// file, and hands the resulting jobs to the dispatcher pool.
//
// The provider is the only producer on the job channel. Jobs are sent with
// a bounded timeout; between attempts the control subscription is polled so
// a blocked pool never prevents shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/shuttle/control"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/metrics"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// Defaults applied by New.
const (
	DefaultEventTimeout = time.Second
	DefaultSendTimeout  = time.Second

	// drainTimeout bounds the backlog poll on WAKEUP. Zero would block
	// forever on some backends.
	drainTimeout = 10 * time.Millisecond
)

// Job is one file handed to a dispatcher worker. A job with nil Targets is
// the shutdown sentinel; a file nobody asked for carries an empty,
// non-nil slice so that the post-send policy still runs.
type Job struct {
	Event   types.FileEvent
	Targets []types.Target
}

// Shutdown reports whether j is the shutdown sentinel.
func (j Job) Shutdown() bool {
	return j.Targets == nil
}

// ShutdownJob returns the sentinel that stops one worker.
func ShutdownJob() Job {
	return Job{}
}

// Resolver answers "who currently wants this file". ok is false when no
// request table exists yet.
type Resolver interface {
	Requests(ctx context.Context, filename string) (targets []types.Target, ok bool, err error)
}

// Config configures a Provider.
type Config struct {
	// EventTimeout bounds one event source poll.
	EventTimeout time.Duration
	// SendTimeout bounds one attempt to hand a job to the pool.
	SendTimeout time.Duration
	// IgnoreAccumulatedEvents discards the backlog once on WAKEUP.
	IgnoreAccumulatedEvents bool

	Logger  *log.Logger
	Metrics *metrics.Collector
}

// Provider is the task provider.
type Provider struct {
	cfg      Config
	src      source.Source
	resolver Resolver
	jobs     chan<- Job
	logger   *log.Logger
	metrics  *metrics.Collector
}

// errStopRequested unwinds the loop after EXIT.
var errStopRequested = errors.New("stop requested")

// New creates a provider. The caller owns src and closes it after Run
// returns.
func New(cfg Config, src source.Source, resolver Resolver, jobs chan<- Job) (*Provider, error) {
	if src == nil || resolver == nil || jobs == nil {
		return nil, types.NewError(types.ErrConfiguration, "task_provider", errors.New("source, resolver and job channel are required"))
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = DefaultEventTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	return &Provider{
		cfg:      cfg,
		src:      src,
		resolver: resolver,
		jobs:     jobs,
		logger:   cfg.Logger.Component("task_provider"),
		metrics:  cfg.Metrics,
	}, nil
}

// Run pulls events until EXIT is published on fwd, ctx is cancelled, or
// the event source fails. A source failure is returned; the other two
// return nil. Events still buffered in the source are not drained.
func (p *Provider) Run(ctx context.Context, fwd *control.Forwarder) error {
	var sub *control.Subscription
	if fwd != nil {
		var err error
		if sub, err = fwd.Subscribe(); err != nil {
			return fmt.Errorf("task provider: %w", err)
		}
		defer sub.Close()
	}

	p.logger.Info("task provider started", map[string]any{
		"event_timeout": p.cfg.EventTimeout.String(),
		"send_timeout":  p.cfg.SendTimeout.String(),
	})
	defer p.logger.Info("task provider stopped", nil)

	for {
		if err := p.checkControl(ctx, sub); err != nil {
			return nilOnStop(err)
		}

		events, err := p.src.Poll(ctx, p.cfg.EventTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.metrics.IncEventSourceError()
			p.logger.Error("event source failed", map[string]any{"error": err.Error()})
			return fmt.Errorf("event source: %w", err)
		}
		if len(events) == 0 {
			continue
		}
		p.metrics.AddEventsReceived(len(events))

		for _, ev := range events {
			if err := p.dispatch(ctx, sub, ev); err != nil {
				return nilOnStop(err)
			}
		}
	}
}

// dispatch resolves the targets of one event and sends its job.
func (p *Provider) dispatch(ctx context.Context, sub *control.Subscription, ev types.FileEvent) error {
	targets, ok, err := p.resolver.Requests(ctx, ev.Filename)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.metrics.IncEventSkipped()
		p.logger.Error("resolving targets failed, skipping event", map[string]any{
			"file":  ev.Identifier(),
			"error": err.Error(),
		})
		return nil
	}
	if !ok || targets == nil {
		targets = []types.Target{}
	}

	job := Job{Event: ev, Targets: targets}
	p.logger.Debug("job built", map[string]any{"file": ev.Identifier(), "targets": len(targets)})
	return p.send(ctx, sub, job)
}

// send hands job to the pool, polling the control subscription every time
// an attempt times out. A job that is already built is flushed once more
// when the provider is told to stop.
func (p *Provider) send(ctx context.Context, sub *control.Subscription, job Job) error {
	timer := time.NewTimer(p.cfg.SendTimeout)
	defer timer.Stop()

	for {
		select {
		case p.jobs <- job:
			p.metrics.IncJobSent()
			return nil
		case <-ctx.Done():
			return p.flush(job, ctx.Err())
		case <-timer.C:
			p.metrics.IncJobSendTimeout()
			p.logger.Warn("sending job timed out, dispatcher pool busy", map[string]any{"file": job.Event.Identifier()})
			if err := p.checkControl(ctx, sub); err != nil {
				return p.flush(job, err)
			}
			timer.Reset(p.cfg.SendTimeout)
		}
	}
}

// flush makes a last attempt, bounded by SendTimeout, to hand job to the
// pool before the provider stops with cause.
func (p *Provider) flush(job Job, cause error) error {
	timer := time.NewTimer(p.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case p.jobs <- job:
		p.metrics.IncJobSent()
	case <-timer.C:
		p.metrics.IncEventSkipped()
		p.logger.Warn("dropping job on stop, dispatcher pool busy", map[string]any{"file": job.Event.Identifier()})
	}
	return cause
}

// checkControl consumes pending control signals. SLEEP blocks until WAKEUP
// or EXIT arrives.
func (p *Provider) checkControl(ctx context.Context, sub *control.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sub == nil {
		return nil
	}
	select {
	case <-sub.Done():
		return errStopRequested
	default:
	}

	for {
		sig, ok := sub.Poll()
		if !ok {
			return nil
		}
		switch sig {
		case control.Exit:
			return errStopRequested
		case control.Sleep:
			if err := p.sleep(ctx, sub); err != nil {
				return err
			}
		case control.Wakeup:
			p.wakeup(ctx)
		}
	}
}

// sleep parks the provider until WAKEUP.
func (p *Provider) sleep(ctx context.Context, sub *control.Subscription) error {
	p.logger.Info("sleeping", nil)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			return errStopRequested
		case sig := <-sub.C():
			switch sig {
			case control.Exit:
				return errStopRequested
			case control.Wakeup:
				p.wakeup(ctx)
				return nil
			}
		}
	}
}

func (p *Provider) wakeup(ctx context.Context) {
	p.logger.Info("waking up", map[string]any{"ignore_accumulated_events": p.cfg.IgnoreAccumulatedEvents})
	if !p.cfg.IgnoreAccumulatedEvents {
		return
	}
	events, err := p.src.Poll(ctx, drainTimeout)
	if err != nil {
		p.logger.Error("draining accumulated events failed", map[string]any{"error": err.Error()})
		return
	}
	if len(events) > 0 {
		p.logger.Info("ignoring accumulated events", map[string]any{"count": len(events)})
	}
}

func nilOnStop(err error) error {
	if errors.Is(err, errStopRequested) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
