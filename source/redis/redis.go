// Package redis implements an event source fed through a Redis list.
//
// Producers RPUSH one notification per file onto the configured key; the
// source pops them in order. A notification is a JSON event object or a
// JSON path string (see source.DecodeEvent).
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// DefaultKey is the default list key.
const DefaultKey = "shuttle:events"

// Source pops events from a Redis list.
type Source struct {
	cfg    source.Config
	client *goredis.Client
	filter *source.Filter
	logger *log.Logger
}

// New connects to cfg.URL and verifies the server answers.
func New(ctx context.Context, cfg source.Config, logger *log.Logger) (source.Source, error) {
	cfg = cfg.WithDefaults()
	if cfg.URL == "" {
		return nil, types.NewError(types.ErrConfiguration, "event_source.url", errors.New("redis source requires a URL"))
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "event_source.url", err)
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	filter, err := source.NewFilter(cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis source: %w", err)
	}
	return &Source{cfg: cfg, client: client, filter: filter, logger: logger}, nil
}

// Poll blocks on BLPOP for up to timeout, then takes up to BatchSize-1
// further entries without blocking.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error) {
	res, err := s.client.BLPop(ctx, timeout, s.cfg.Key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis source: %w", err)
	}
	raw := res[1:]

	if s.cfg.BatchSize > 1 {
		more, err := s.client.LPopCount(ctx, s.cfg.Key, s.cfg.BatchSize-1).Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("redis source: %w", err)
		}
		raw = append(raw, more...)
	}

	events := make([]types.FileEvent, 0, len(raw))
	for _, body := range raw {
		ev, err := source.DecodeEvent([]byte(body), s.cfg.MonitoredDir)
		if err != nil {
			s.logger.Warn("discarding malformed notification", map[string]any{"error": err.Error()})
			continue
		}
		if !s.filter.Match(ev.Filename) {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Close closes the client.
func (s *Source) Close() error {
	return s.client.Close()
}
