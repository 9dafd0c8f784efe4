package dispatcher

import (
	"context"
	"errors"
	"io"
	"slices"

	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
	"github.com/pithecene-io/shuttle/notify"
	"github.com/pithecene-io/shuttle/scheduler"
	"github.com/pithecene-io/shuttle/types"
)

type worker struct {
	id     int
	pool   *Pool
	conns  map[string]*sender
	logger *log.Logger
}

func (w *worker) run(ctx context.Context, exit <-chan struct{}) {
	defer w.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-exit:
			return
		case job, ok := <-w.pool.jobs:
			if !ok || job.Shutdown() {
				w.logger.Debug("worker stopping", nil)
				return
			}
			// A started job always runs to completion, policy included.
			w.process(context.WithoutCancel(ctx), job)
		}
	}
}

// delivery tracks the outcome of one file per target.
type delivery struct {
	failed map[string]bool
}

func (d *delivery) fail(id string) {
	if d.failed == nil {
		d.failed = make(map[string]bool)
	}
	d.failed[id] = true
}

func (d *delivery) ok() bool {
	return len(d.failed) == 0
}

// process handles one job. Errors are contained: they are logged and
// counted, and the worker moves on.
func (w *worker) process(ctx context.Context, job scheduler.Job) {
	p := w.pool
	file := job.Event.Identifier()

	data, metaOnly := splitTargets(job.Targets, job.Event.Filename)

	r, meta, err := p.fetcher.Fetch(ctx, job.Event, p.cfg.ChunkSize)
	if err != nil {
		p.metrics.IncFileFailed()
		w.logger.Error("opening source file failed", map[string]any{"file": file, "error": err.Error()})
		return
	}

	var d delivery
	chunks, err := w.sendChunks(ctx, r, meta, data, &d)
	_ = r.Close()
	if err != nil {
		p.metrics.IncFileFailed()
		w.logger.Error("reading source file failed, file left in place", map[string]any{
			"file":  file,
			"chunk": chunks,
			"error": err.Error(),
		})
		return
	}

	action, err := p.policy.Apply(ctx, meta, d.ok())
	if err != nil {
		p.metrics.IncFileFailed()
	} else {
		p.metrics.IncFileDispatched()
	}

	if len(metaOnly) > 0 {
		w.sendMetadata(ctx, meta, metaOnly, &d)
	}

	var delivered, failed []string
	for _, t := range job.Targets {
		if d.failed[t.SocketID] {
			failed = append(failed, t.SocketID)
		} else {
			delivered = append(delivered, t.SocketID)
		}
	}
	w.logger.Debug("file dispatched", map[string]any{
		"file":    file,
		"chunks":  chunks,
		"targets": len(job.Targets),
		"failed":  len(failed),
		"action":  string(action),
	})

	p.publish(notify.NewEvent(meta, chunks, delivered, failed, string(action)))
}

// splitTargets keeps the targets whose suffix filter matches filename and
// splits them by category.
func splitTargets(targets []types.Target, filename string) (data, metaOnly []types.Target) {
	for i := range targets {
		t := &targets[i]
		if !t.Matches(filename) {
			continue
		}
		if t.Category == types.CategoryMetadata {
			metaOnly = append(metaOnly, *t)
		} else {
			data = append(data, *t)
		}
	}
	return data, metaOnly
}

// sendChunks reads r in chunks of the configured size and queues each
// chunk for every data target. It returns the number of chunks sent. An
// empty file yields one empty chunk so consumers still see it; a file
// without data targets is not read at all.
func (w *worker) sendChunks(ctx context.Context, r io.Reader, meta *types.Metadata, targets []types.Target, d *delivery) (int64, error) {
	if len(targets) == 0 {
		return 0, nil
	}
	size := w.pool.cfg.ChunkSize
	var n int64
	for {
		buf := make([]byte, size)
		read, err := io.ReadFull(r, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			return n, err
		}
		if read == 0 && n > 0 {
			return n, nil
		}

		encoded, err := ipc.EncodeMetadata(meta.WithChunk(n))
		if err != nil {
			return n, err
		}
		parts := [][]byte{encoded, buf[:read]}
		for _, t := range targets {
			w.deliver(ctx, t.SocketID, parts, d)
		}
		n++

		if eof {
			return n, nil
		}
	}
}

// sendMetadata sends the single-part metadata message to metadata targets.
func (w *worker) sendMetadata(ctx context.Context, meta *types.Metadata, targets []types.Target, d *delivery) {
	encoded, err := ipc.EncodeMetadata(meta)
	if err != nil {
		w.logger.Error("encoding metadata failed", map[string]any{"file": meta.Identifier(), "error": err.Error()})
		for _, t := range targets {
			d.fail(t.SocketID)
		}
		return
	}
	for _, t := range targets {
		w.deliver(ctx, t.SocketID, [][]byte{encoded}, d)
	}
}

// deliver queues parts for one target, dialling it on first use. A target
// that failed once is skipped for the rest of the file so the consumer
// never sees a gap in chunk numbers.
func (w *worker) deliver(ctx context.Context, id string, parts [][]byte, d *delivery) {
	p := w.pool
	if d.failed[id] {
		p.metrics.IncChunkDropped(id)
		return
	}
	s, err := w.conn(ctx, id)
	if err != nil {
		d.fail(id)
		p.metrics.IncChunkDropped(id)
		w.logger.Warn("connecting to target failed", map[string]any{"target": id, "error": err.Error()})
		return
	}
	if !s.trySend(parts) {
		d.fail(id)
		p.metrics.IncChunkDropped(id)
		w.logger.Warn("target would block, message dropped", map[string]any{"target": id})
		return
	}
	p.metrics.IncChunkSent()
}

// conn returns the cached sender for id, replacing a broken one.
func (w *worker) conn(ctx context.Context, id string) (*sender, error) {
	if s, ok := w.conns[id]; ok {
		if !s.broken.Load() {
			return s, nil
		}
		go s.close(0)
		delete(w.conns, id)
	}
	p := w.pool
	s, err := dialSender(ctx, id, p.cfg.SendBuffer, p.cfg.DialTimeout, p.cfg.WriteTimeout, w.logger)
	if err != nil {
		return nil, err
	}
	w.logger.Debug("target connected", map[string]any{"target": id})
	w.conns[id] = s
	return s, nil
}

func (w *worker) closeAll() {
	ids := make([]string, 0, len(w.conns))
	for id := range w.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		w.conns[id].close(w.pool.cfg.CloseGrace)
	}
	clear(w.conns)
}
