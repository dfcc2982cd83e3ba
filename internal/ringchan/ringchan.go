// Package ringchan provides a bounded, overwrite-oldest channel for event
// streams where the newest event matters more than a complete history, such
// as advertisement reports arriving faster than a scan consumer can handle.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Sends after Close are dropped silently instead of panicking, so
// producers running on foreign goroutines (transport callbacks) may race with
// the consumer shutting the stream down.
//
//	rc := ringchan.New[transport.Advertisement](16)
//	go func() {
//	    for adv := range rc.C() {
//	        handle(adv)
//	    }
//	}()
//	rc.Send(adv)
type RingChannel[T any] struct {
	mu     sync.RWMutex
	ch     chan T
	closed bool
	stats  Stats
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// Returns false if the channel is already closed.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	if rc.closed {
		atomic.AddInt64(&rc.stats.Rejected, 1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			atomic.AddInt64(&rc.stats.Sent, 1)
			return true
		default:
		}

		// full: drop one and retry, a concurrent reader may have freed a slot meanwhile
		select {
		case <-rc.ch:
			atomic.AddInt64(&rc.stats.Overwritten, 1)
		default:
		}
	}
}

// TrySend inserts v only if there is room.
func (rc *RingChannel[T]) TrySend(v T) bool {
	rc.mu.RLock()
	defer rc.mu.RUnlock()

	if rc.closed {
		atomic.AddInt64(&rc.stats.Rejected, 1)
		return false
	}

	select {
	case rc.ch <- v:
		atomic.AddInt64(&rc.stats.Sent, 1)
		return true
	default:
		return false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the buffer capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. It is safe to call more than once.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Sent:        atomic.LoadInt64(&rc.stats.Sent),
		Overwritten: atomic.LoadInt64(&rc.stats.Overwritten),
		Rejected:    atomic.LoadInt64(&rc.stats.Rejected),
	}
}

// Stats holds lock-free counters for a RingChannel.
type Stats struct {
	Sent        int64
	Overwritten int64
	Rejected    int64 // sends after Close
}
