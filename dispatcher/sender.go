package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/shuttle/ipc"
	"github.com/pithecene-io/shuttle/log"
)

// sender is one PUSH socket connected to a target. Messages are queued
// without blocking and written by a dedicated goroutine, so a slow target
// never stalls the worker or the other targets. The queue length plays the
// part of the socket's high-water mark.
type sender struct {
	id           string
	sock         *ipc.Socket
	queue        chan [][]byte
	writeTimeout time.Duration
	logger       *log.Logger

	broken atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func dialSender(ctx context.Context, id string, buffer int, dialTimeout, writeTimeout time.Duration, logger *log.Logger) (*sender, error) {
	sock, err := ipc.ConnectSocketID(context.WithoutCancel(ctx), ipc.KindPush, id, dialTimeout)
	if err != nil {
		return nil, err
	}
	s := &sender{
		id:           id,
		sock:         sock,
		queue:        make(chan [][]byte, buffer),
		writeTimeout: writeTimeout,
		logger:       logger.With(map[string]any{"target": id}),
		done:         make(chan struct{}),
	}
	go s.writeLoop()
	return s, nil
}

// trySend queues parts. It reports false when the queue is full or the
// connection broke.
func (s *sender) trySend(parts [][]byte) bool {
	if s.broken.Load() {
		return false
	}
	select {
	case s.queue <- parts:
		return true
	default:
		return false
	}
}

func (s *sender) writeLoop() {
	defer close(s.done)
	for parts := range s.queue {
		if s.broken.Load() {
			continue
		}
		if err := s.write(parts); err != nil {
			s.broken.Store(true)
			s.logger.Warn("target connection broken", map[string]any{"error": err.Error()})
		}
	}
}

// write sends one message. A send still blocked after writeTimeout closes
// the socket.
func (s *sender) write(parts [][]byte) error {
	var stalled atomic.Bool
	watchdog := time.AfterFunc(s.writeTimeout, func() {
		stalled.Store(true)
		_ = s.sock.Close()
	})
	err := s.sock.Send(parts...)
	watchdog.Stop()
	if stalled.Load() {
		return errors.Join(errWriteTimeout, err)
	}
	return err
}

var errWriteTimeout = errors.New("write timed out")

// close flushes queued messages for at most grace, then closes the
// connection.
func (s *sender) close(grace time.Duration) {
	s.once.Do(func() {
		close(s.queue)
		select {
		case <-s.done:
		case <-time.After(grace):
			s.logger.Warn("discarding unsent messages on close", map[string]any{"queued": len(s.queue)})
		}
		_ = s.sock.Close()
	})
}
