// Package amqp implements an event source consuming file notifications
// from a RabbitMQ queue.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// DefaultQueue is the default queue name.
const DefaultQueue = "shuttle.file.ready"

// Source consumes a durable queue with manual acknowledgement.
type Source struct {
	cfg        source.Config
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	filter     *source.Filter
	logger     *log.Logger
}

// New dials cfg.URL, declares cfg.Queue and starts consuming.
func New(_ context.Context, cfg source.Config, logger *log.Logger) (source.Source, error) {
	cfg = cfg.WithDefaults()
	if cfg.URL == "" {
		return nil, types.NewError(types.ErrConfiguration, "event_source.url", errors.New("amqp source requires a URL"))
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	filter, err := source.NewFilter(cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp source: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp source: %w", err)
	}

	// name, durable, delete when unused, exclusive, no-wait, args
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp source: declare %s: %w", cfg.Queue, err)
	}
	if err := ch.Qos(cfg.BatchSize, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp source: qos: %w", err)
	}
	// queue, consumer tag, auto-ack, exclusive, no-local, no-wait, args
	deliveries, err := ch.Consume(cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp source: consume %s: %w", cfg.Queue, err)
	}

	return &Source{
		cfg:        cfg,
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		filter:     filter,
		logger:     logger,
	}, nil
}

// Poll returns the deliveries that arrived within timeout. Each delivery
// is acknowledged once decoded; malformed ones are rejected without
// requeue. A closed delivery channel means the connection was lost.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error) {
	deliveries, closed, err := source.Collect(ctx, s.deliveries, timeout, s.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	events := decodeDeliveries(deliveries, s.cfg.MonitoredDir, s.filter, s.logger)
	if closed {
		return events, errors.New("amqp source: delivery channel closed")
	}
	return events, nil
}

func decodeDeliveries(deliveries []amqp.Delivery, base string, filter *source.Filter, logger *log.Logger) []types.FileEvent {
	events := make([]types.FileEvent, 0, len(deliveries))
	for _, d := range deliveries {
		ev, err := source.DecodeEvent(d.Body, base)
		if err != nil {
			logger.Warn("rejecting malformed notification", map[string]any{"error": err.Error()})
			_ = d.Reject(false)
			continue
		}
		if err := d.Ack(false); err != nil {
			logger.Warn("ack failed", map[string]any{"error": err.Error()})
		}
		if filter.Match(ev.Filename) {
			events = append(events, ev)
		}
	}
	return events
}

// Close closes the channel and the connection.
func (s *Source) Close() error {
	_ = s.ch.Close()
	return s.conn.Close()
}
