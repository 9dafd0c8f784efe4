package policy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/types"
)

// LocalPolicy stores, moves or removes sources according to the
// store/remove pair. Stored files land at
// local_target/relative_path/filename.
type LocalPolicy struct {
	sink        Sink
	store       bool
	remove      bool
	localTarget string
	fixSubdirs  map[string]struct{}
	logger      *log.Logger
	stats       statsRecorder
}

// NewLocalPolicy creates a policy for any store/remove combination.
func NewLocalPolicy(cfg Config, sink Sink) *LocalPolicy {
	fixed := make(map[string]struct{}, len(cfg.FixSubdirs))
	for _, d := range cfg.FixSubdirs {
		fixed[strings.Trim(filepath.ToSlash(d), "/")] = struct{}{}
	}
	return &LocalPolicy{
		sink:        sink,
		store:       cfg.StoreData,
		remove:      cfg.RemoveData,
		localTarget: cfg.LocalTarget,
		fixSubdirs:  fixed,
		logger:      cfg.Logger.Component("policy"),
	}
}

// Decide returns the action Apply would take.
func (p *LocalPolicy) Decide(dataOK bool) Action {
	switch {
	case p.store && p.remove && dataOK:
		return ActionMove
	case p.store:
		return ActionStore
	case p.remove && dataOK:
		return ActionRemove
	}
	return ActionKeep
}

// Apply performs the decided action. Removal never happens when a data
// target send failed.
func (p *LocalPolicy) Apply(ctx context.Context, meta *types.Metadata, dataOK bool) (Action, error) {
	action := p.Decide(dataOK)

	var err error
	switch action {
	case ActionMove:
		err = p.transfer(ctx, meta, p.sink.Move)
	case ActionStore:
		err = p.transfer(ctx, meta, p.sink.Copy)
	case ActionRemove:
		err = p.sink.Remove(ctx, meta)
	}
	p.stats.record(action, err)

	fields := map[string]any{"file": meta.Identifier(), "action": string(action)}
	if err != nil {
		fields["error"] = err.Error()
		p.logger.Error("post-send action failed", fields)
		return action, fmt.Errorf("%s %s: %w", action, meta.Identifier(), err)
	}
	if action == ActionKeep && p.remove && !dataOK {
		p.logger.Warn("source kept, a data target send failed", fields)
	} else {
		p.logger.Debug("post-send action done", fields)
	}
	return action, nil
}

// transfer runs a copy or move. When the destination directory is missing
// it is created and the operation retried once, unless it lies below a
// fixed subdirectory that does not exist.
func (p *LocalPolicy) transfer(ctx context.Context, meta *types.Metadata, op func(context.Context, *types.Metadata, string) error) error {
	ev := meta.Event()
	dst, err := ev.StorePath(p.localTarget)
	if err != nil {
		return err
	}

	err = op(ctx, meta, dst)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	rel := strings.Trim(filepath.ToSlash(ev.RelativePath), "/")
	if _, fixed := p.fixSubdirs[rel]; fixed {
		return fmt.Errorf("directory %s is not available: %w", rel, err)
	}
	sub := ev.Subdir()
	if _, fixed := p.fixSubdirs[sub]; fixed && !isDir(filepath.Join(p.localTarget, sub)) {
		return fmt.Errorf("directory %s is not available: %w", sub, err)
	}

	dir := filepath.Dir(dst)
	if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
		return fmt.Errorf("create %s: %w", dir, mkErr)
	}
	p.stats.incDirsCreated()
	p.logger.Info("target directory created", map[string]any{"path": dir})
	return op(ctx, meta, dst)
}

// Name returns the action the policy takes on success.
func (p *LocalPolicy) Name() string {
	return string(p.Decide(true))
}

// Stats returns the policy statistics.
func (p *LocalPolicy) Stats() Stats {
	return p.stats.snapshot()
}

// Close closes the sink.
func (p *LocalPolicy) Close() error {
	return p.sink.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
