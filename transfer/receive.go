package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/shuttle/iox"
	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/types"
)

// connection is one NEGOTIATED entry.
type connection struct {
	ct       types.ConnectionType
	endpoint ipc.Endpoint
	target   types.Target
	data     *ipc.Socket

	// status and fileOp are REP sockets, nil when not enabled.
	status *ipc.Socket
	fileOp *ipc.Socket

	// pending is set while a NEXT request is outstanding (pull types).
	pending bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (c *connection) sockets() []*ipc.Socket {
	var out []*ipc.Socket
	for _, s := range []*ipc.Socket{c.data, c.status, c.fileOp} {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (c *connection) close() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, s := range c.sockets() {
		_ = s.Close()
		if ep := s.Endpoint(); ep.Protocol == ipc.ProtocolIPC {
			_ = os.Remove(ep.Address)
		}
	}
}

// channel is the socket of a connection a message arrived on.
type channel int

const (
	channelData channel = iota
	channelStatus
	channelFileOp
)

// inbound is one message read from a connection's sockets.
type inbound struct {
	owner *connection
	ch    channel
	msg   ipc.Message
	// reply carries the answer of a REP socket; nil for data messages.
	reply chan<- ipc.Message
}

// answer sends the reply of a REP request. Data messages take none.
func (in inbound) answer(parts ...string) {
	if in.reply != nil {
		in.reply <- ipc.Strings(parts...)
	}
}

// recvRetry spaces out reads after a receive error on a live socket.
const recvRetry = 50 * time.Millisecond

// serve starts one reader per socket of c.
func (t *Transfer) serve(c *connection) {
	t.read(c, c.data, channelData)
	if c.status != nil {
		t.read(c, c.status, channelStatus)
	}
	if c.fileOp != nil {
		t.read(c, c.fileOp, channelFileOp)
	}
}

// read feeds the inbox from sock. REP sockets wait for the caller's answer
// before reading the next request.
func (t *Transfer) read(c *connection, sock *ipc.Socket, ch channel) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			msg, err := sock.Recv()
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				t.logger.Debug("receive failed", map[string]any{
					"endpoint": sock.Endpoint().String(),
					"error":    err.Error(),
				})
				select {
				case <-c.ctx.Done():
					return
				case <-time.After(recvRetry):
				}
				continue
			}

			in := inbound{owner: c, ch: ch, msg: msg}
			var reply chan ipc.Message
			if sock.Kind() == ipc.KindRep {
				reply = make(chan ipc.Message, 1)
				in.reply = reply
			}
			select {
			case t.inbox <- in:
			case <-c.ctx.Done():
				return
			}
			if reply == nil {
				continue
			}
			select {
			case parts := <-reply:
				if err := sock.Send(parts...); err != nil {
					t.logger.Warn("reply failed", map[string]any{
						"endpoint": sock.Endpoint().String(),
						"error":    err.Error(),
					})
				}
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// GetChunk waits up to timeout for one chunk; a zero timeout waits until
// ctx is done. On timeout it returns nil metadata, nil payload and a nil
// error. Metadata-only messages carry a nil payload.
//
// Status checks, file operations and alive tests are handled here and
// never returned. When the metadata part cannot be decoded the raw payload
// is returned with a nil metadata and an error matching types.ErrFormat.
func (t *Transfer) GetChunk(ctx context.Context, timeout time.Duration) (*types.Metadata, []byte, error) {
	if len(t.conns) == 0 {
		t.logger.Error("no connection started", nil)
		return nil, nil, types.NewError(types.ErrCommunication, "get_chunk", errors.New("no connection started"))
	}
	if err := t.requestNext(ctx); err != nil {
		return nil, nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-expired:
			t.cancelPending(ctx)
			return nil, nil, nil
		case in := <-t.inbox:
			switch in.ch {
			case channelStatus:
				t.answerStatus(in)
				continue
			case channelFileOp:
				t.answerFileOp(in)
				continue
			}
			meta, payload, ok, err := t.unpack(in)
			if !ok {
				continue
			}
			if in.owner.ct.IsPull() && (meta == nil || meta.IsFinalChunk(len(payload))) {
				in.owner.pending = false
			}
			return meta, payload, err
		}
	}
}

// unpack splits a data message. ok is false for messages that are
// consumed here.
func (t *Transfer) unpack(in inbound) (*types.Metadata, []byte, bool, error) {
	msg := in.msg
	if len(msg) == 0 {
		return nil, nil, false, nil
	}
	switch msg.Part(0) {
	case types.SignalAliveTest:
		t.logger.Debug("alive test received", nil)
		return nil, nil, false, nil
	case types.SignalCloseFile:
		t.logger.Debug("close file received", map[string]any{"parts": len(msg)})
		return nil, nil, false, nil
	}

	var payload []byte
	if len(msg) > 1 {
		payload = msg[1]
	}
	meta, err := ipc.DecodeMetadata(msg[0])
	if err != nil {
		t.logger.Error("could not extract metadata", map[string]any{"error": err.Error()})
		return nil, payload, true, types.NewError(types.ErrFormat, "metadata", err)
	}
	return meta, payload, true, nil
}

// answerFileOp answers one request on the NEXUS file-operation endpoint.
// OPEN_FILE and CLOSE_FILE are echoed; anything else is answered [ERROR].
func (t *Transfer) answerFileOp(in inbound) {
	switch op := in.msg.Part(0); op {
	case types.SignalOpenFile, types.SignalCloseFile:
		t.logger.Debug("file operation", map[string]any{"op": op, "parts": len(in.msg)})
		parts := make([]string, len(in.msg))
		for i := range in.msg {
			parts[i] = in.msg.Part(i)
		}
		in.answer(parts...)
	default:
		t.logger.Warn("unsupported file operation", map[string]any{"op": op})
		in.answer(types.StatusError)
	}
}

// requestNext announces NEXT for every pull connection without an
// outstanding request.
func (t *Transfer) requestNext(ctx context.Context) error {
	for _, c := range t.conns {
		if !c.ct.IsPull() || c.pending {
			continue
		}
		if t.request == nil {
			return types.NewError(types.ErrCommunication, types.SignalNext, errors.New("request connection is closed"))
		}
		rctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
		err := t.request.SendStrings(rctx, types.SignalNext, c.target.SocketID)
		cancel()
		if err != nil {
			t.logger.Error("could not send request", map[string]any{"socket_id": c.target.SocketID, "error": err.Error()})
			return types.NewError(types.ErrCommunication, types.SignalNext, err)
		}
		c.pending = true
	}
	return nil
}

// cancelPending withdraws outstanding NEXT requests. Failures are logged.
func (t *Transfer) cancelPending(ctx context.Context) {
	for _, c := range t.conns {
		if !c.pending {
			continue
		}
		c.pending = false
		if t.request == nil {
			continue
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.RequestTimeout)
		err := t.request.SendStrings(rctx, types.SignalCancel, c.target.SocketID)
		cancel()
		if err != nil {
			t.logger.Error("could not cancel request", map[string]any{"socket_id": c.target.SocketID, "error": err.Error()})
		}
	}
}

// chunks drives GetChunk until deadline and passes every decoded chunk to
// fn, which reports whether a file completed.
func (t *Transfer) chunks(ctx context.Context, timeout time.Duration, fn func(*types.Metadata, []byte) (bool, error)) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		var remaining time.Duration
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
		}
		meta, payload, err := t.GetChunk(ctx, remaining)
		if err != nil {
			if errors.Is(err, types.ErrFormat) {
				continue
			}
			return err
		}
		if meta == nil {
			return nil
		}
		done, err := fn(meta, payload)
		if err != nil || done {
			return err
		}
	}
}

type partialFile struct {
	data bytes.Buffer
	next int64
}

// Get returns the next complete file. Chunks of several files may arrive
// interleaved; each is collected separately until its final chunk. The
// returned metadata has no chunk number. On timeout Get returns nil, nil,
// nil and keeps partial files for the next call.
func (t *Transfer) Get(ctx context.Context, timeout time.Duration) (*types.Metadata, []byte, error) {
	var (
		file *types.Metadata
		data []byte
	)
	err := t.chunks(ctx, timeout, func(meta *types.Metadata, payload []byte) (bool, error) {
		if meta.ChunkNumber == nil {
			file, data = meta, payload
			return true, nil
		}
		key := meta.Identifier()
		p, ok := t.continueFile(key, *meta.ChunkNumber)
		if !ok {
			return false, nil
		}
		p.data.Write(payload)
		p.next++
		if !meta.IsFinalChunk(len(payload)) {
			return false, nil
		}
		delete(t.partial, key)
		file = meta.Clone()
		file.ChunkNumber = nil
		data = p.data.Bytes()
		return true, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return file, data, nil
}

// continueFile returns the partial file that chunk n of key continues. Chunk 0
// starts a new one; a gap discards the file.
func (t *Transfer) continueFile(key string, n int64) (*partialFile, bool) {
	p, ok := t.partial[key]
	if n == 0 {
		if ok {
			t.logger.Warn("file restarted before completion", map[string]any{"file": key})
		}
		p = &partialFile{}
		t.partial[key] = p
		return p, true
	}
	if !ok || p.next != n {
		t.logger.Warn("chunk out of sequence, discarding file", map[string]any{"file": key, "chunk": n})
		delete(t.partial, key)
		return nil, false
	}
	return p, true
}

type storeFile struct {
	f    *os.File
	path string
	next int64
}

func (s *storeFile) abort() {
	_ = s.f.Close()
	_ = os.Remove(s.path)
}

// Store is Get writing each chunk to base/relative_path/filename instead
// of memory. Missing directories are created. It returns the metadata of
// the file that completed, or nil on timeout. A write failure removes the
// partial file, sets the status to ERROR and is returned.
func (t *Transfer) Store(ctx context.Context, base string, timeout time.Duration) (*types.Metadata, error) {
	var file *types.Metadata
	err := t.chunks(ctx, timeout, func(meta *types.Metadata, payload []byte) (bool, error) {
		done, err := t.storeChunk(base, meta, payload)
		if err != nil {
			t.setStatus(types.StatusError, err.Error())
			t.logger.Error("storing file failed", map[string]any{"file": meta.Identifier(), "error": err.Error()})
			return false, err
		}
		if done {
			file = meta.Clone()
			file.ChunkNumber = nil
		}
		return done, nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (t *Transfer) storeChunk(base string, meta *types.Metadata, payload []byte) (bool, error) {
	path, err := meta.Event().StorePath(base)
	if err != nil {
		return false, err
	}
	if meta.ChunkNumber == nil {
		if payload == nil {
			return true, nil
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false, err
		}
		return true, iox.WriteFile(path, bytes.NewReader(payload))
	}

	key := meta.Identifier()
	n := *meta.ChunkNumber
	sf, ok := t.open[key]
	switch {
	case n == 0:
		if ok {
			t.logger.Warn("file restarted before completion", map[string]any{"file": key})
			sf.abort()
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			delete(t.open, key)
			return false, err
		}
		f, err := os.Create(path)
		if err != nil {
			delete(t.open, key)
			return false, err
		}
		sf = &storeFile{f: f, path: path}
		t.open[key] = sf
	case !ok || sf.next != n:
		t.logger.Warn("chunk out of sequence, discarding file", map[string]any{"file": key, "chunk": n})
		if ok {
			sf.abort()
			delete(t.open, key)
		}
		return false, nil
	}

	if _, err := sf.f.Write(payload); err != nil {
		sf.abort()
		delete(t.open, key)
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	sf.next++
	if !meta.IsFinalChunk(len(payload)) {
		return false, nil
	}
	delete(t.open, key)
	if err := sf.f.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("close %s: %w", path, err)
	}
	return true, nil
}
