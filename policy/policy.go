// Package policy implements the post-send file policies of the dispatcher.
//
// After every chunk of a file has been handed to its data targets, the
// dispatcher asks the policy what to do with the source:
//   - keep: leave it in place
//   - remove: delete it, only when every data target send succeeded
//   - store: copy it below the local target directory
//   - move: store and remove in one step; degrades to store when a data
//     target send failed
//
// Side effects go through a Sink, which the data fetcher provides, so the
// same policies apply to local files and to object storage.
package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// Action is what a policy did with one file.
type Action string

// Actions.
const (
	ActionKeep   Action = "keep"
	ActionRemove Action = "remove"
	ActionStore  Action = "store"
	ActionMove   Action = "move"
)

// Policy decides and performs the post-send action for one file.
type Policy interface {
	// Apply runs after all data chunks of meta were sent. dataOK reports
	// whether every data target send path succeeded (true when the file
	// had no data targets). An error leaves the source in place and is
	// fatal only for this file.
	Apply(ctx context.Context, meta *types.Metadata, dataOK bool) (Action, error)

	// Name identifies the policy in logs and metrics.
	Name() string

	// Stats returns an atomic snapshot of policy counters.
	Stats() Stats

	// Close releases the sink.
	Close() error
}

// Stats counts post-send outcomes.
type Stats struct {
	// Files is the number of files the policy was applied to.
	Files int64
	// Kept counts files left in place, including removals skipped
	// because a data send failed.
	Kept int64
	// Stored counts copies and moves into the local target.
	Stored int64
	// Removed counts sources deleted, by remove or move.
	Removed int64
	// DirsCreated counts destination directories created on retry.
	DirsCreated int64
	// Errors counts files whose action failed.
	Errors int64
}

// Config selects a policy.
type Config struct {
	StoreData  bool
	RemoveData bool
	// LocalTarget is the base directory for store and move.
	LocalTarget string
	// FixSubdirs lists first-level subdirectories of LocalTarget that must
	// already exist; they are never created on demand.
	FixSubdirs []string
	Logger     *log.Logger
}

// New returns the policy matching the store/remove pair.
func New(cfg Config, sink Sink) (Policy, error) {
	if sink == nil {
		return nil, types.NewError(types.ErrConfiguration, "policy", fmt.Errorf("sink is required"))
	}
	if cfg.StoreData && cfg.LocalTarget == "" {
		return nil, types.NewError(types.ErrConfiguration, "policy", fmt.Errorf("local_target is required when store_data is set"))
	}
	if !cfg.StoreData && !cfg.RemoveData {
		return NewKeepPolicy(sink), nil
	}
	return NewLocalPolicy(cfg, sink), nil
}

// StoringDisabled reports whether a configuration loses files once sent:
// data is removed without a stored copy, so metadata-only consumers would
// receive a description of a file that no longer exists.
func StoringDisabled(cfg Config) bool {
	return cfg.RemoveData && !cfg.StoreData
}

// statsRecorder is an internal helper for thread-safe stats management.
// Policies call explicit methods to record outcomes; the recorder does not
// infer any policy decision.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func (r *statsRecorder) record(a Action, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.Files++
	if err != nil {
		r.stats.Errors++
		return
	}
	switch a {
	case ActionKeep:
		r.stats.Kept++
	case ActionStore:
		r.stats.Stored++
	case ActionRemove:
		r.stats.Removed++
	case ActionMove:
		r.stats.Stored++
		r.stats.Removed++
	}
}

func (r *statsRecorder) incDirsCreated() {
	r.mu.Lock()
	r.stats.DirsCreated++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
