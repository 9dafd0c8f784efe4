// Package poll implements a polling event source for file systems where
// notifications are unavailable (network mounts, some container volumes).
package poll

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/radovskyb/watcher"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// Source scans the monitored tree every poll interval.
type Source struct {
	cfg     source.Config
	w       *watcher.Watcher
	filter  *source.Filter
	settler *source.Settler
	logger  *log.Logger

	events chan types.FileEvent
	errs   chan error
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts scanning cfg.MonitoredDir.
func New(_ context.Context, cfg source.Config, logger *log.Logger) (source.Source, error) {
	cfg = cfg.WithDefaults()
	if cfg.MonitoredDir == "" {
		return nil, types.NewError(types.ErrConfiguration, "event_source.monitored_dir", errors.New("required"))
	}
	filter, err := source.NewFilter(cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	w := watcher.New()
	w.FilterOps(watcher.Create, watcher.Write, watcher.Remove)
	if err := w.AddRecursive(cfg.MonitoredDir); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "event_source.monitored_dir", err)
	}

	s := &Source{
		cfg:     cfg,
		w:       w,
		filter:  filter,
		settler: source.NewSettler(cfg.PollInterval, cfg.HistorySize),
		logger:  logger,
		events:  make(chan types.FileEvent, cfg.BatchSize),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := w.Start(cfg.PollInterval); err != nil {
			s.fail(fmt.Errorf("poll: %w", err))
		}
	}()
	go s.watch()
	go s.flush()
	w.Wait()
	return s, nil
}

func (s *Source) fail(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Source) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.w.Event:
			if ev.IsDir() {
				continue
			}
			if ev.Op == watcher.Remove {
				s.settler.Forget(ev.Path)
				continue
			}
			if s.filter.Match(filepath.Base(ev.Path)) {
				s.settler.Touch(ev.Path)
			}
		case err := <-s.w.Error:
			if errors.Is(err, watcher.ErrWatchedFileDeleted) {
				s.fail(fmt.Errorf("poll: monitored dir removed: %w", err))
				continue
			}
			s.logger.Warn("scan error", map[string]any{"error": err.Error()})
		case <-s.w.Closed:
			return
		case <-s.stop:
			return
		}
	}
}

func (s *Source) flush() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-s.stop:
			return
		}
		for _, path := range s.settler.Ready() {
			ev, err := source.EventFor(s.cfg.MonitoredDir, path)
			if err != nil {
				continue
			}
			select {
			case s.events <- ev:
			case <-s.stop:
				return
			}
		}
	}
}

// Poll returns settled files.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error) {
	select {
	case err := <-s.errs:
		return nil, err
	default:
	}
	events, _, err := source.Collect(ctx, s.events, timeout, s.cfg.BatchSize)
	return events, err
}

// Close stops scanning.
func (s *Source) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.w.Close()
		s.wg.Wait()
	})
	return nil
}
