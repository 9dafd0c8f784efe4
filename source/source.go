// Package source defines the event source boundary of the broker.
//
// An event source reports files that became ready for distribution. The
// task provider polls it; sources never push into the core. Backends live
// in subpackages and are selected by name through a Registry.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// Source produces file events.
type Source interface {
	// Poll returns newly detected files. It blocks at most timeout and
	// returns an empty slice when nothing arrived. Any error means the
	// source is broken; callers do not retry.
	Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error)

	// Close stops detection and releases resources. Events buffered inside
	// the source are discarded.
	Close() error
}

// Config carries the settings of every backend. Each backend reads the
// fields it needs.
type Config struct {
	Type string
	// MonitoredDir is the watched directory, and the source_path stamped
	// on pushed events that carry none.
	MonitoredDir string
	Suffixes     []string
	// HistorySize bounds the memory of already reported files.
	HistorySize int
	// PollInterval is the scan period of polling backends and the quiet
	// period after the last write before a file is reported.
	PollInterval time.Duration
	URL          string
	Key          string
	Queue        string
	Topic        string
	// BatchSize bounds the events returned by one Poll.
	BatchSize int
}

// Defaults for unset Config fields.
const (
	DefaultHistorySize  = 1024
	DefaultPollInterval = 200 * time.Millisecond
	DefaultBatchSize    = 64
)

// WithDefaults returns cfg with unset fields filled.
func (c Config) WithDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Factory opens a backend.
type Factory func(ctx context.Context, cfg Config, logger *log.Logger) (Source, error)

// Registry maps type names to backends.
type Registry map[string]Factory

// Open builds the backend named by cfg.Type.
func (r Registry) Open(ctx context.Context, cfg Config, logger *log.Logger) (Source, error) {
	f, ok := r[strings.ToLower(cfg.Type)]
	if !ok {
		return nil, types.NewError(types.ErrConfiguration, "event_source",
			fmt.Errorf("unknown type %q (known: %s)", cfg.Type, strings.Join(r.Names(), ", ")))
	}
	return f(ctx, cfg.WithDefaults(), logger.Component("event_source").With(map[string]any{"type": cfg.Type}))
}

// Names returns the registered type names, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for n := range r {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// EventFor builds the event of a file found under base.
func EventFor(base, path string) (types.FileEvent, error) {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return types.FileEvent{}, err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return types.FileEvent{}, fmt.Errorf("%s is outside %s", path, base)
	}
	dir := filepath.Dir(rel)
	if dir == "." {
		dir = ""
	}
	return types.FileEvent{
		SourcePath:   base,
		RelativePath: dir,
		Filename:     filepath.Base(rel),
	}, nil
}

// DecodeEvent parses a pushed notification. The body is either a JSON
// object with source_path, relative_path and filename, or a JSON string
// holding a path under base. A missing source_path defaults to base.
func DecodeEvent(body []byte, base string) (types.FileEvent, error) {
	var path string
	if err := json.Unmarshal(body, &path); err == nil {
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		return EventFor(base, path)
	}

	var ev types.FileEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return types.FileEvent{}, types.NewError(types.ErrFormat, "event", err)
	}
	if ev.Filename == "" {
		return types.FileEvent{}, types.NewError(types.ErrFormat, "event", fmt.Errorf("filename is required"))
	}
	if ev.SourcePath == "" {
		ev.SourcePath = base
	}
	return ev, nil
}

// Collect waits up to timeout for a first item on ch, then takes whatever
// else is immediately available, up to max items. closed reports that ch
// was closed.
func Collect[T any](ctx context.Context, ch <-chan T, timeout time.Duration, max int) (items []T, closed bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, ok := <-ch:
		if !ok {
			return nil, true, nil
		}
		items = append(items, v)
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	for len(items) < max {
		select {
		case v, ok := <-ch:
			if !ok {
				return items, true, nil
			}
			items = append(items, v)
		default:
			return items, false, nil
		}
	}
	return items, false, nil
}

// Filter drops events whose filename does not match the suffix list.
type Filter struct {
	target types.Target
}

// NewFilter compiles a suffix list. An empty list passes everything.
func NewFilter(suffixes []string) (*Filter, error) {
	f := &Filter{target: types.Target{Suffixes: suffixes}}
	if err := f.target.Compile(); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "event_source.suffixes", err)
	}
	return f, nil
}

// Match reports whether filename passes.
func (f *Filter) Match(filename string) bool {
	return f.target.Matches(filename)
}
