// Package mqtt implements an event source subscribed to an MQTT topic.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/source"
	"github.com/pithecene-io/shuttle/types"
)

// DefaultTopic is the default subscription topic.
const DefaultTopic = "shuttle/files/ready"

const (
	qos            = 1
	connectTimeout = 5 * time.Second
)

// Source receives notifications published on a topic. The broker client
// reconnects on its own; notifications published while disconnected are
// lost unless the broker retains a persistent session.
type Source struct {
	cfg    source.Config
	client mqtt.Client
	filter *source.Filter
	logger *log.Logger

	mu     sync.Mutex
	closed bool
	events chan types.FileEvent
	stop   chan struct{}
}

// New connects to cfg.URL (e.g. tcp://broker:1883) and subscribes.
func New(_ context.Context, cfg source.Config, logger *log.Logger) (source.Source, error) {
	cfg = cfg.WithDefaults()
	if cfg.URL == "" {
		return nil, types.NewError(types.ErrConfiguration, "event_source.url", errors.New("mqtt source requires a broker URL"))
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	filter, err := source.NewFilter(cfg.Suffixes)
	if err != nil {
		return nil, err
	}

	s := &Source{
		cfg:    cfg,
		filter: filter,
		logger: logger,
		events: make(chan types.FileEvent, cfg.BatchSize),
		stop:   make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.URL)
	opts.SetClientID("shuttle-" + uuid.NewString())
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)
	opts.OnConnect = func(c mqtt.Client) {
		// Subscriptions do not survive a clean-session reconnect.
		token := c.Subscribe(cfg.Topic, qos, s.onMessage)
		if token.WaitTimeout(connectTimeout) && token.Error() != nil {
			logger.Error("mqtt subscribe failed", map[string]any{"topic": cfg.Topic, "error": token.Error().Error()})
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost, reconnecting", map[string]any{"error": err.Error()})
	}

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		s.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt source: connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt source: %w", err)
	}
	return s, nil
}

// onMessage queues one notification. It blocks while the queue is full so
// the broker applies flow control instead of the source dropping files.
func (s *Source) onMessage(_ mqtt.Client, msg mqtt.Message) {
	ev, err := source.DecodeEvent(msg.Payload(), s.cfg.MonitoredDir)
	if err != nil {
		s.logger.Warn("discarding malformed notification", map[string]any{"topic": msg.Topic(), "error": err.Error()})
		return
	}
	if !s.filter.Match(ev.Filename) {
		return
	}
	select {
	case s.events <- ev:
	case <-s.stop:
	}
}

// Poll returns the notifications received within timeout.
func (s *Source) Poll(ctx context.Context, timeout time.Duration) ([]types.FileEvent, error) {
	events, _, err := source.Collect(ctx, s.events, timeout, s.cfg.BatchSize)
	return events, err
}

// Close unsubscribes and disconnects.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stop)
	if s.client.IsConnected() {
		s.client.Unsubscribe(s.cfg.Topic).WaitTimeout(connectTimeout)
	}
	s.client.Disconnect(250)
	return nil
}
