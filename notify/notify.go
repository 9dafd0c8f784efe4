// Package notify defines the dispatch notification boundary.
//
// A notifier tells downstream systems that a file left the broker: which
// targets received it, which did not, and what the post-send policy did
// with the original. Notifications are best effort; a failed publish is
// logged by the dispatcher and never fails the file.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/shuttle/types"
)

// EventType is the event_type of every dispatch notification.
const EventType = "file_dispatched"

// FileDispatchedEvent is the payload published after a file was handled.
type FileDispatchedEvent struct {
	ID            string   `json:"id"`
	EventType     string   `json:"event_type"`
	Version       string   `json:"version"`
	SourcePath    string   `json:"source_path"`
	RelativePath  string   `json:"relative_path"`
	Filename      string   `json:"filename"`
	Filesize      int64    `json:"filesize"`
	Chunks        int64    `json:"chunks"`
	Targets       []string `json:"targets"`
	FailedTargets []string `json:"failed_targets,omitempty"`
	Action        string   `json:"action"`
	Timestamp     string   `json:"timestamp"` // RFC 3339
}

// NewEvent builds the notification for one dispatched file.
func NewEvent(meta *types.Metadata, chunks int64, targets, failed []string, action string) *FileDispatchedEvent {
	var size int64
	if meta.Filesize != nil {
		size = *meta.Filesize
	}
	if targets == nil {
		targets = []string{}
	}
	return &FileDispatchedEvent{
		ID:            uuid.NewString(),
		EventType:     EventType,
		Version:       types.Version,
		SourcePath:    meta.SourcePath,
		RelativePath:  meta.RelativePath,
		Filename:      meta.Filename,
		Filesize:      size,
		Chunks:        chunks,
		Targets:       targets,
		FailedTargets: failed,
		Action:        action,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// Notifier publishes dispatch notifications to a downstream system.
type Notifier interface {
	// Notify publishes one event. Must respect context cancellation.
	Notify(ctx context.Context, event *FileDispatchedEvent) error

	// Close releases notifier resources.
	Close() error
}

// BaseBackoff is the delay before the first retry. It doubles per retry.
const BaseBackoff = 500 * time.Millisecond

// Retry runs op up to 1+retries times with exponential backoff between
// attempts. It stops early when permanent reports the error as final.
func Retry(ctx context.Context, name string, retries int, op func(context.Context) error, permanent func(error) bool) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent != nil && permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

// Nop discards every notification.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, *FileDispatchedEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }
