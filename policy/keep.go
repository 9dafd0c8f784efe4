package policy

import (
	"context"

	"github.com/pithecene-io/shuttle/types"
)

// KeepPolicy leaves every source in place.
type KeepPolicy struct {
	sink  Sink
	stats statsRecorder
}

// NewKeepPolicy creates a keep policy. The sink is only closed.
func NewKeepPolicy(sink Sink) *KeepPolicy {
	return &KeepPolicy{sink: sink}
}

// Apply records the file and does nothing else.
func (p *KeepPolicy) Apply(context.Context, *types.Metadata, bool) (Action, error) {
	p.stats.record(ActionKeep, nil)
	return ActionKeep, nil
}

// Name returns "keep".
func (p *KeepPolicy) Name() string { return string(ActionKeep) }

// Stats returns the policy statistics.
func (p *KeepPolicy) Stats() Stats { return p.stats.snapshot() }

// Close closes the sink.
func (p *KeepPolicy) Close() error { return p.sink.Close() }
