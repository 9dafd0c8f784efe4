// Package config handles YAML config file loading for shuttle serve and receive.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/types"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultComEndpoint     = "tcp://0.0.0.0:50000"
	DefaultRequestEndpoint = "tcp://0.0.0.0:50001"
	DefaultStreams         = 4
	DefaultChunkSize       = 10 * 1024 * 1024
	DefaultSendBuffer      = 64
	DefaultJobSendTimeout  = time.Second
	DefaultEventTimeout    = time.Second
	DefaultRecvTimeout     = 2 * time.Second
	DefaultSignalPort      = 50000
	DefaultRequestPort     = 50001
	DefaultDataPort        = 50100
)

// Config represents a shuttle.yaml configuration file.
// The sender section drives `shuttle serve`; the receiver section drives
// `shuttle receive`. CLI flags override config values.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Sender   SenderConfig   `yaml:"sender"`
	Receiver ReceiverConfig `yaml:"receiver"`
}

// SenderConfig configures the broker side.
type SenderConfig struct {
	ComEndpoint     string `yaml:"com_endpoint"`
	RequestEndpoint string `yaml:"request_endpoint"`
	// Whitelist is the set of hosts allowed to register. Absent or null
	// allows every host; an empty list allows none.
	Whitelist []string `yaml:"whitelist"`

	NumberOfStreams int      `yaml:"number_of_streams"`
	ChunkSize       int64    `yaml:"chunk_size"`
	JobQueueSize    int      `yaml:"job_queue_size"`
	JobSendTimeout  Duration `yaml:"job_send_timeout"`
	EventTimeout    Duration `yaml:"event_timeout"`
	SendBuffer      int      `yaml:"send_buffer"`

	IgnoreAccumulatedEvents bool `yaml:"ignore_accumulated_events"`

	FixedTargets []types.Target `yaml:"fixed_targets"`

	StoreData   bool     `yaml:"store_data"`
	RemoveData  bool     `yaml:"remove_data"`
	LocalTarget string   `yaml:"local_target"`
	FixSubdirs  []string `yaml:"fix_subdirs"`

	EventSource SourceConfig  `yaml:"event_source"`
	DataFetcher FetcherConfig `yaml:"data_fetcher"`
	Notify      NotifyConfig  `yaml:"notify"`
}

// SourceConfig selects and configures the event source backend.
type SourceConfig struct {
	Type         string   `yaml:"type"`
	MonitoredDir string   `yaml:"monitored_dir"`
	Suffixes     []string `yaml:"suffixes"`
	HistorySize  int      `yaml:"history_size"`
	PollInterval Duration `yaml:"poll_interval"`
	URL          string   `yaml:"url"`
	Key          string   `yaml:"key"`
	Queue        string   `yaml:"queue"`
	Topic        string   `yaml:"topic"`
	BatchSize    int      `yaml:"batch_size"`
}

// FetcherConfig selects and configures the data fetcher backend.
type FetcherConfig struct {
	Type      string   `yaml:"type"`
	BaseURL   string   `yaml:"base_url"`
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Region    string   `yaml:"region"`
	Endpoint  string   `yaml:"endpoint"`
	PathStyle bool     `yaml:"path_style"`
	Timeout   Duration `yaml:"timeout"`
}

// NotifyConfig holds dispatch notification settings.
type NotifyConfig struct {
	Type    string            `yaml:"type"`
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`

	// Buffer is the number of notifications queued before new ones are
	// dropped; 0 uses the dispatcher default.
	Buffer int `yaml:"buffer,omitempty"`
}

// ReceiverConfig configures the consumer side.
type ReceiverConfig struct {
	SignalHost      string   `yaml:"signal_host"`
	SignalPort      int      `yaml:"signal_port"`
	RequestPort     int      `yaml:"request_port"`
	ConnectionType  string   `yaml:"connection_type"`
	Protocol        string   `yaml:"protocol"`
	DataHost        string   `yaml:"data_host"`
	DataPort        int      `yaml:"data_port"`
	IPCDir          string   `yaml:"ipc_dir"`
	Priority        int      `yaml:"priority"`
	Suffixes        []string `yaml:"suffixes"`
	TargetDir       string   `yaml:"target_dir"`
	StatusCheckPort int      `yaml:"status_check_port"`
	Timeout         Duration `yaml:"timeout"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// ApplyDefaults fills unset values.
func (c *Config) ApplyDefaults() {
	s := &c.Sender
	if s.ComEndpoint == "" {
		s.ComEndpoint = DefaultComEndpoint
	}
	if s.RequestEndpoint == "" {
		s.RequestEndpoint = DefaultRequestEndpoint
	}
	if s.NumberOfStreams == 0 {
		s.NumberOfStreams = DefaultStreams
	}
	if s.ChunkSize == 0 {
		s.ChunkSize = DefaultChunkSize
	}
	if s.JobQueueSize == 0 {
		s.JobQueueSize = s.NumberOfStreams
	}
	if s.JobSendTimeout.Duration == 0 {
		s.JobSendTimeout.Duration = DefaultJobSendTimeout
	}
	if s.EventTimeout.Duration == 0 {
		s.EventTimeout.Duration = DefaultEventTimeout
	}
	if s.SendBuffer == 0 {
		s.SendBuffer = DefaultSendBuffer
	}
	if s.EventSource.Type == "" {
		s.EventSource.Type = "inotify"
	}
	if s.DataFetcher.Type == "" {
		s.DataFetcher.Type = "file"
	}
	for i := range s.FixedTargets {
		if s.FixedTargets[i].Category == "" {
			s.FixedTargets[i].Category = types.CategoryData
		}
	}

	r := &c.Receiver
	if r.SignalPort == 0 {
		r.SignalPort = DefaultSignalPort
	}
	if r.RequestPort == 0 {
		r.RequestPort = DefaultRequestPort
	}
	if r.DataPort == 0 {
		r.DataPort = DefaultDataPort
	}
	if r.ConnectionType == "" {
		r.ConnectionType = types.ConnStream.String()
	}
	if r.Protocol == "" {
		r.Protocol = string(ipc.ProtocolTCP)
	}
	if r.Timeout.Duration == 0 {
		r.Timeout.Duration = DefaultRecvTimeout
	}
}

// ValidateSender checks the sender section. Errors are configuration errors.
func (c *Config) ValidateSender() error {
	s := &c.Sender
	var errs []error
	for name, ep := range map[string]string{"com_endpoint": s.ComEndpoint, "request_endpoint": s.RequestEndpoint} {
		if _, err := ipc.ParseEndpoint(ep); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if s.NumberOfStreams < 1 {
		errs = append(errs, fmt.Errorf("number_of_streams must be >= 1, got %d", s.NumberOfStreams))
	}
	if s.ChunkSize < 1 || s.ChunkSize > ipc.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk_size must be in [1, %d], got %d", ipc.MaxChunkSize, s.ChunkSize))
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Errorf("send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if s.StoreData && s.LocalTarget == "" {
		errs = append(errs, errors.New("local_target is required when store_data is set"))
	}
	if len(s.FixedTargets) > 0 {
		if err := types.ValidateTargets(s.FixedTargets); err != nil {
			errs = append(errs, fmt.Errorf("fixed_targets: %w", err))
		}
	}
	if s.Notify.Retries != nil && *s.Notify.Retries < 0 {
		errs = append(errs, fmt.Errorf("notify.retries must be >= 0, got %d", *s.Notify.Retries))
	}
	if s.Notify.Buffer < 0 {
		errs = append(errs, fmt.Errorf("notify.buffer must be >= 0, got %d", s.Notify.Buffer))
	}
	if len(errs) > 0 {
		return types.NewError(types.ErrConfiguration, "sender", errors.Join(errs...))
	}
	return nil
}

// ValidateReceiver checks the receiver section.
func (c *Config) ValidateReceiver() error {
	r := &c.Receiver
	var errs []error
	if r.SignalHost == "" {
		errs = append(errs, errors.New("signal_host is required"))
	}
	ct, err := types.ParseConnectionType(r.ConnectionType)
	if err != nil {
		errs = append(errs, err)
	}
	if _, err := ipc.ParseProtocol(r.Protocol); err != nil {
		errs = append(errs, err)
	}
	if r.TargetDir == "" && (err != nil || !ct.IsMetadataOnly()) {
		errs = append(errs, errors.New("target_dir is required"))
	}
	if len(errs) > 0 {
		return types.NewError(types.ErrConfiguration, "receiver", errors.Join(errs...))
	}
	return nil
}
