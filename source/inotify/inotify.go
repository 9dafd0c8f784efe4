// Package inotify implements a file-system notification event source.
//
// Every directory below the monitored directory is watched. A file is
// reported once it has been quiet for the poll interval after its last
// create or write notification, so readers never see half-written files.
package inotify

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// Source watches a directory tree with fsnotify.
type Source struct {
	cfg     source.Config
	watcher *fsnotify.Watcher
	filter  *source.Filter
	settler *source.Settler
	logger  *log.Logger

	events chan types.FileEvent
	errs   chan error
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New starts watching cfg.MonitoredDir. Files already present are not
// reported.
func New(_ context.Context, cfg source.Config, logger *log.Logger) (source.Source, error) {
	cfg = cfg.WithDefaults()
	if cfg.MonitoredDir == "" {
		return nil, types.NewError(types.ErrConfiguration, "event_source.monitored_dir", errors.New("required"))
	}
	filter, err := source.NewFilter(cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("inotify: %w", err)
	}
	s := &Source{
		cfg:     cfg,
		watcher: w,
		filter:  filter,
		settler: source.NewSettler(cfg.PollInterval, cfg.HistorySize),
		logger:  logger,
		events:  make(chan types.FileEvent, cfg.BatchSize),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
	}
	if err := s.addTree(cfg.MonitoredDir, false); err != nil {
		_ = w.Close()
		return nil, types.NewError(types.ErrConfiguration, "event_source.monitored_dir", err)
	}

	s.wg.Add(2)
	go s.watch()
	go s.flush()
	return s, nil
}

// addTree watches dir and every directory below it. With touch, files
// found on the way are recorded as activity; this covers files created
// in a new directory before its watch was in place.
func (s *Source) addTree(dir string, touch bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return s.watcher.Add(path)
		}
		if touch {
			s.settler.Touch(path)
		}
		return nil
	})
}

func (s *Source) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handle(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- fmt.Errorf("inotify: %w", err):
			default:
			}
		case <-s.stop:
			return
		}
	}
}

func (s *Source) handle(ev fsnotify.Event) {
	switch {
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		s.settler.Forget(ev.Name)
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			if err := s.addTree(ev.Name, true); err != nil {
				s.logger.Warn("cannot watch new directory", map[string]any{"path": ev.Name, "error": err.Error()})
			}
			return
		}
		if s.filter.Match(filepath.Base(ev.Name)) {
			s.settler.Touch(ev.Name)
		}
	}
}

// flush moves settled files to the event channel.
func (s *Source) flush() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval / 2)
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
				s.logger.Warn("skipping file outside monitored dir", map[string]any{"path": path})
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
	events, closed, err := source.Collect(ctx, s.events, timeout, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if closed {
		return nil, errors.New("inotify: source closed")
	}
	return events, nil
}

// Close stops watching.
func (s *Source) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
		s.wg.Wait()
	})
	return err
}
