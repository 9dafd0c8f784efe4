package runtime

import (
	"fmt"
	"time"

	"github.com/pithecene-io/shuttle/fetcher"
	"github.com/pithecene-io/shuttle/fetcher/file"
	fetchhttp "github.com/pithecene-io/shuttle/fetcher/http"
	"github.com/pithecene-io/shuttle/fetcher/s3"
	"github.com/pithecene-io/shuttle/notify"
	notifyredis "github.com/pithecene-io/shuttle/notify/redis"
	"github.com/pithecene-io/shuttle/notify/webhook"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/source/amqp"
	"github.com/pithecene-io/shuttle/source/inotify"
	"github.com/pithecene-io/shuttle/source/mqtt"
	"github.com/pithecene-io/shuttle/source/poll"
	sourceredis "github.com/pithecene-io/shuttle/source/redis"
	"github.com/pithecene-io/shuttle/types"
)

// DefaultSources returns every built-in event source backend.
func DefaultSources() source.Registry {
	return source.Registry{
		"inotify": inotify.New,
		"poll":    poll.New,
		"redis":   sourceredis.New,
		"amqp":    amqp.New,
		"mqtt":    mqtt.New,
	}
}

// DefaultFetchers returns every built-in data fetcher backend.
func DefaultFetchers() fetcher.Registry {
	return fetcher.Registry{
		"file": file.New,
		"http": fetchhttp.New,
		"s3":   s3.New,
	}
}

// NotifyConfig selects a dispatch notifier.
type NotifyConfig struct {
	// Type is "redis", "webhook", or empty for none.
	Type    string
	URL     string
	Channel string
	Headers map[string]string
	Timeout time.Duration
	// Retries is nil for the backend default.
	Retries *int
}

// OpenNotifier builds the notifier named by cfg.Type. An empty type
// returns nil, nil.
func OpenNotifier(cfg NotifyConfig) (notify.Notifier, error) {
	switch cfg.Type {
	case "", "none":
		return nil, nil
	case "redis":
		retries := notifyredis.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		n, err := notifyredis.New(notifyredis.Config{
			URL:     cfg.URL,
			Channel: cfg.Channel,
			Timeout: cfg.Timeout,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	case "webhook":
		retries := webhook.DefaultRetries
		if cfg.Retries != nil {
			retries = *cfg.Retries
		}
		n, err := webhook.New(webhook.Config{
			URL:     cfg.URL,
			Headers: cfg.Headers,
			Timeout: cfg.Timeout,
			Retries: retries,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, types.NewError(types.ErrConfiguration, "notify.type", fmt.Errorf("unknown type %q (known: redis, webhook)", cfg.Type))
	}
}
