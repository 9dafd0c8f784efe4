// Package metrics provides in-process counters for the broker.
//
// The Collector is shared by the signal handler, the task provider and every
// dispatcher worker. It is a leaf package with no internal dependencies.
// Post-send policy counters are absorbed from policy.Stats at shutdown
// rather than recorded live, avoiding double-counting.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of all counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Task provider
	EventsReceived   int64 `json:"events_received" yaml:"events_received"`
	EventsSkipped    int64 `json:"events_skipped" yaml:"events_skipped"`
	JobsSent         int64 `json:"jobs_sent" yaml:"jobs_sent"`
	JobSendTimeouts  int64 `json:"job_send_timeouts" yaml:"job_send_timeouts"`
	EventSourceError int64 `json:"event_source_errors" yaml:"event_source_errors"`

	// Dispatcher
	FilesDispatched int64 `json:"files_dispatched" yaml:"files_dispatched"`
	FilesFailed     int64 `json:"files_failed" yaml:"files_failed"`
	ChunksSent      int64 `json:"chunks_sent" yaml:"chunks_sent"`
	ChunksDropped   int64 `json:"chunks_dropped" yaml:"chunks_dropped"`
	// DroppedByTarget counts dropped chunks keyed by target socket id.
	DroppedByTarget map[string]int64 `json:"dropped_by_target,omitempty" yaml:"dropped_by_target,omitempty"`

	// NotificationsDropped counts dispatch notifications lost to a full queue.
	NotificationsDropped int64 `json:"notifications_dropped" yaml:"notifications_dropped"`

	// Signal handler
	HandlerRequests   int64 `json:"handler_requests" yaml:"handler_requests"`
	HandlerRejections int64 `json:"handler_rejections" yaml:"handler_rejections"`

	// Post-send policy (absorbed from policy.Stats)
	FilesStored  int64 `json:"files_stored" yaml:"files_stored"`
	FilesRemoved int64 `json:"files_removed" yaml:"files_removed"`
	PolicyErrors int64 `json:"policy_errors" yaml:"policy_errors"`

	// Dimensions (informational, set at construction)
	EventSource string `json:"event_source" yaml:"event_source"`
	DataFetcher string `json:"data_fetcher" yaml:"data_fetcher"`
	Policy      string `json:"policy" yaml:"policy"`
}

// Collector accumulates counters for the lifetime of a sender.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe.
type Collector struct {
	mu sync.Mutex

	eventsReceived   int64
	eventsSkipped    int64
	jobsSent         int64
	jobSendTimeouts  int64
	eventSourceError int64

	filesDispatched int64
	filesFailed     int64
	chunksSent      int64
	chunksDropped   int64
	droppedByTarget map[string]int64
	notesDropped    int64

	handlerRequests   int64
	handlerRejections int64

	filesStored  int64
	filesRemoved int64
	policyErrors int64

	eventSource string
	dataFetcher string
	policy      string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(eventSource, dataFetcher, policy string) *Collector {
	return &Collector{
		droppedByTarget: make(map[string]int64),
		eventSource:     eventSource,
		dataFetcher:     dataFetcher,
		policy:          policy,
	}
}

func (c *Collector) add(field *int64, n int64) {
	c.mu.Lock()
	*field += n
	c.mu.Unlock()
}

// --- Task provider ---

// AddEventsReceived records events returned by the event source.
func (c *Collector) AddEventsReceived(n int) {
	if c == nil {
		return
	}
	c.add(&c.eventsReceived, int64(n))
}

// IncEventSkipped records an event dropped because its targets could not be resolved.
func (c *Collector) IncEventSkipped() {
	if c == nil {
		return
	}
	c.add(&c.eventsSkipped, 1)
}

// IncJobSent records a job handed to the worker pool.
func (c *Collector) IncJobSent() {
	if c == nil {
		return
	}
	c.add(&c.jobsSent, 1)
}

// IncJobSendTimeout records a job-queue send that hit its timeout.
func (c *Collector) IncJobSendTimeout() {
	if c == nil {
		return
	}
	c.add(&c.jobSendTimeouts, 1)
}

// IncEventSourceError records an event source failure.
func (c *Collector) IncEventSourceError() {
	if c == nil {
		return
	}
	c.add(&c.eventSourceError, 1)
}

// --- Dispatcher ---

// IncFileDispatched records a file whose chunks were all handed to targets.
func (c *Collector) IncFileDispatched() {
	if c == nil {
		return
	}
	c.add(&c.filesDispatched, 1)
}

// IncFileFailed records a job aborted before completion.
func (c *Collector) IncFileFailed() {
	if c == nil {
		return
	}
	c.add(&c.filesFailed, 1)
}

// IncChunkSent records one chunk queued to one target.
func (c *Collector) IncChunkSent() {
	if c == nil {
		return
	}
	c.add(&c.chunksSent, 1)
}

// IncChunkDropped records one chunk dropped for target because its send would block.
func (c *Collector) IncChunkDropped(target string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.chunksDropped++
	c.droppedByTarget[target]++
	c.mu.Unlock()
}

// IncNotificationDropped records a dispatch notification dropped because
// the notifier fell behind.
func (c *Collector) IncNotificationDropped() {
	if c == nil {
		return
	}
	c.add(&c.notesDropped, 1)
}

// --- Signal handler ---

// IncHandlerRequest records one control request.
func (c *Collector) IncHandlerRequest() {
	if c == nil {
		return
	}
	c.add(&c.handlerRequests, 1)
}

// IncHandlerRejection records a request answered with a rejection token.
func (c *Collector) IncHandlerRejection() {
	if c == nil {
		return
	}
	c.add(&c.handlerRejections, 1)
}

// --- Policy (absorbed from policy.Stats) ---

// AbsorbPolicyStats copies post-send counters into the collector.
// Called once at shutdown with the final policy stats snapshot.
func (c *Collector) AbsorbPolicyStats(stored, removed, errors int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.filesStored = stored
	c.filesRemoved = removed
	c.policyErrors = errors
	c.mu.Unlock()
}

// --- Snapshot ---

// Snapshot returns an immutable point-in-time view of all counters.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := make(map[string]int64, len(c.droppedByTarget))
	for k, v := range c.droppedByTarget {
		dropped[k] = v
	}

	return Snapshot{
		EventsReceived:   c.eventsReceived,
		EventsSkipped:    c.eventsSkipped,
		JobsSent:         c.jobsSent,
		JobSendTimeouts:  c.jobSendTimeouts,
		EventSourceError: c.eventSourceError,

		FilesDispatched: c.filesDispatched,
		FilesFailed:     c.filesFailed,
		ChunksSent:      c.chunksSent,
		ChunksDropped:   c.chunksDropped,
		DroppedByTarget: dropped,

		NotificationsDropped: c.notesDropped,

		HandlerRequests:   c.handlerRequests,
		HandlerRejections: c.handlerRejections,

		FilesStored:  c.filesStored,
		FilesRemoved: c.filesRemoved,
		PolicyErrors: c.policyErrors,

		EventSource: c.eventSource,
		DataFetcher: c.dataFetcher,
		Policy:      c.policy,
	}
}
