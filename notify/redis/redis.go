// Package redis implements a Redis pub/sub notifier.
//
// Publishes dispatch events as JSON to a configurable channel. Retries with
// exponential backoff on connection errors.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/shuttle/notify"
	"github.com/pithecene-io/shuttle/types"
)

// DefaultChannel is the default pub/sub channel name.
const DefaultChannel = "shuttle:file_dispatched"

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// Config configures the Redis notifier.
type Config struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Channel is the pub/sub channel name (default: shuttle:file_dispatched).
	Channel string
	// Timeout is the per-publish timeout (default 5s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure.
	Retries int
}

// Notifier publishes dispatch events via Redis PUBLISH.
type Notifier struct {
	config Config
	client *goredis.Client
}

// New creates a Redis notifier.
func New(cfg Config) (*Notifier, error) {
	if cfg.URL == "" {
		return nil, types.NewError(types.ErrConfiguration, "notify.url", errors.New("redis notifier requires a URL"))
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, types.NewError(types.ErrConfiguration, "notify.url", fmt.Errorf("invalid redis URL: %w", err))
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, types.NewError(types.ErrConfiguration, "notify.retries", fmt.Errorf("retries must be >= 0, got %d", cfg.Retries))
	}
	return &Notifier{config: cfg, client: goredis.NewClient(opts)}, nil
}

// Notify publishes the event as JSON to the configured channel.
func (n *Notifier) Notify(ctx context.Context, event *notify.FileDispatchedEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	return notify.Retry(ctx, "redis", n.config.Retries, func(ctx context.Context) error {
		publishCtx, cancel := context.WithTimeout(ctx, n.config.Timeout)
		defer cancel()
		return n.client.Publish(publishCtx, n.config.Channel, body).Err()
	}, nil)
}

// Close releases the client.
func (n *Notifier) Close() error {
	return n.client.Close()
}

var _ notify.Notifier = (*Notifier)(nil)
