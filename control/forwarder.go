// Package control implements the in-process control-plane forwarder.
//
// One published control signal fans out to every subscriber. The most
// recent signal is retained and replayed to subscribers that attach later,
// so a component that starts after EXIT was published still exits.
package control

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Signal is a control-plane message.
type Signal int

// Control signals.
const (
	// Exit asks every component to finish its current unit of work and stop.
	Exit Signal = iota + 1
	// Sleep pauses event intake in the task provider.
	Sleep
	// Wakeup resumes event intake.
	Wakeup
)

func (s Signal) String() string {
	switch s {
	case Exit:
		return "EXIT"
	case Sleep:
		return "SLEEP"
	case Wakeup:
		return "WAKEUP"
	}
	return fmt.Sprintf("Signal(%d)", int(s))
}

// ErrClosed is returned when subscribing to a closed forwarder.
var ErrClosed = errors.New("control forwarder closed")

// subscriberBuffer bounds how many unread signals a subscriber holds.
// When full the oldest is discarded; EXIT is never lost because it is
// also reflected by Subscription.Done.
const subscriberBuffer = 4

// Forwarder fans control signals out to subscribers.
type Forwarder struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	nextID    uint64
	last      Signal
	exited    chan struct{}
	closed    bool
	published atomic.Uint64
}

// NewForwarder creates a forwarder with no retained signal.
func NewForwarder() *Forwarder {
	return &Forwarder{
		subs:   make(map[uint64]*Subscription),
		exited: make(chan struct{}),
	}
}

// Subscription receives control signals.
type Subscription struct {
	id uint64
	f  *Forwarder
	ch chan Signal
}

// C returns the signal channel. It is never closed.
func (s *Subscription) C() <-chan Signal {
	return s.ch
}

// Done is closed once EXIT has been published.
func (s *Subscription) Done() <-chan struct{} {
	return s.f.exited
}

// Poll returns a pending signal without blocking.
func (s *Subscription) Poll() (Signal, bool) {
	select {
	case sig := <-s.ch:
		return sig, true
	default:
		return 0, false
	}
}

// Close detaches the subscription.
func (s *Subscription) Close() {
	s.f.mu.Lock()
	delete(s.f.subs, s.id)
	s.f.mu.Unlock()
}

// Subscribe attaches a subscriber. If a signal was already published, the
// most recent one is delivered first.
func (f *Forwarder) Subscribe() (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	f.nextID++
	sub := &Subscription{id: f.nextID, f: f, ch: make(chan Signal, subscriberBuffer)}
	if f.last != 0 {
		sub.ch <- f.last
	}
	f.subs[sub.id] = sub
	return sub, nil
}

// Publish delivers sig to every subscriber without blocking.
func (f *Forwarder) Publish(sig Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}

	f.published.Add(1)
	f.last = sig
	if sig == Exit {
		select {
		case <-f.exited:
		default:
			close(f.exited)
		}
	}

	for _, sub := range f.subs {
		deliver(sub.ch, sig)
	}
}

// deliver sends sig, discarding the oldest pending signal if the buffer is full.
func deliver(ch chan Signal, sig Signal) {
	for {
		select {
		case ch <- sig:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Last returns the most recently published signal, or 0.
func (f *Forwarder) Last() Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// Published returns how many signals were published.
func (f *Forwarder) Published() uint64 {
	return f.published.Load()
}

// Close detaches every subscriber. Further publishes are ignored.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = nil
}
