package policy

import (
	"context"
	"sync"

	"github.com/pithecene-io/shuttle/types"
)

// Sink performs the side effects of a policy on the file's origin.
// A local fetcher copies and renames on disk; an object-store fetcher
// downloads and deletes objects.
//
// Copy and Move must return an error satisfying errors.Is(err,
// fs.ErrNotExist) when the destination directory is missing, so the
// policy can create it and retry.
type Sink interface {
	// Copy writes the file described by meta to dst.
	Copy(ctx context.Context, meta *types.Metadata, dst string) error

	// Move writes the file to dst and removes the origin.
	Move(ctx context.Context, meta *types.Metadata, dst string) error

	// Remove deletes the origin.
	Remove(ctx context.Context, meta *types.Metadata) error

	// Close releases any resources held by the sink.
	Close() error
}

// SinkOp records one call made to a StubSink.
type SinkOp struct {
	Op   string // "copy", "move" or "remove"
	File string // identifier of the file
	Dst  string
}

// StubSink is a test sink that records calls without touching storage.
type StubSink struct {
	mu sync.Mutex

	// Ops lists every call in order.
	Ops []SinkOp
	// Closed indicates whether Close was called.
	Closed bool

	// ErrorOn, if set for an op name, is returned by that op. The error is
	// consumed after FailTimes calls (0 means always).
	ErrorOn   map[string]error
	FailTimes int
	failures  int
}

// NewStubSink creates a new stub sink for testing.
func NewStubSink() *StubSink {
	return &StubSink{ErrorOn: make(map[string]error)}
}

func (s *StubSink) call(op string, meta *types.Metadata, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Ops = append(s.Ops, SinkOp{Op: op, File: meta.Identifier(), Dst: dst})
	if err, ok := s.ErrorOn[op]; ok {
		if s.FailTimes == 0 || s.failures < s.FailTimes {
			s.failures++
			return err
		}
	}
	return nil
}

// Copy records a copy.
func (s *StubSink) Copy(_ context.Context, meta *types.Metadata, dst string) error {
	return s.call("copy", meta, dst)
}

// Move records a move.
func (s *StubSink) Move(_ context.Context, meta *types.Metadata, dst string) error {
	return s.call("move", meta, dst)
}

// Remove records a removal.
func (s *StubSink) Remove(_ context.Context, meta *types.Metadata) error {
	return s.call("remove", meta, "")
}

// Close marks the sink as closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Calls returns a copy of the recorded ops.
func (s *StubSink) Calls() []SinkOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkOp, len(s.Ops))
	copy(out, s.Ops)
	return out
}
