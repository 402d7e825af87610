// Package mailbox provides the bounded in-process delivery queue backing an
// agent's local fast path. FIFO order is preserved: messages are taken in
// exactly the order they were put.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Put after the mailbox has been closed.
var ErrClosed = errors.New("mailbox is closed")

// Mailbox is a bounded FIFO queue with context-aware blocking operations.
// Multiple producers may Put concurrently; the owning process is the single
// consumer. The data channel is never closed; shutdown is signalled through
// a separate done channel that every producer path selects on.
type Mailbox[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool

	puts  atomic.Int64
	takes atomic.Int64
	full  atomic.Int64
}

// New creates a mailbox with the given capacity.
func New[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 64
	}
	return &Mailbox[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues v, blocking until there is room, the mailbox is closed, or
// ctx is done.
func (m *Mailbox[T]) Put(ctx context.Context, v T) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	select {
	case m.ch <- v:
		m.puts.Add(1)
		return nil
	default:
		m.full.Add(1)
	}

	select {
	case m.ch <- v:
		m.puts.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// TryPut enqueues v without blocking. It reports false when the mailbox is
// full or closed.
func (m *Mailbox[T]) TryPut(v T) bool {
	select {
	case <-m.done:
		return false
	default:
	}

	select {
	case m.ch <- v:
		m.puts.Add(1)
		return true
	default:
		m.full.Add(1)
		return false
	}
}

// Take dequeues the next value, blocking until one is available or ctx is
// done. After Close, Take drains remaining values and then reports ok=false.
func (m *Mailbox[T]) Take(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case v := <-m.ch:
		m.takes.Add(1)
		return v, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case <-m.done:
		// Leftovers queued before Close are still delivered.
		select {
		case v := <-m.ch:
			m.takes.Add(1)
			return v, true, nil
		default:
			return zero, false, nil
		}
	}
}

// Chan exposes the underlying channel for select loops. It stays open after
// Close; combine with Done to detect shutdown. Receiving directly bypasses
// the take counter.
func (m *Mailbox[T]) Chan() <-chan T { return m.ch }

// Done is closed when the mailbox is closed.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int { return len(m.ch) }

// Close rejects further Puts. Queued values remain takeable until drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

// Stats returns mailbox counters.
func (m *Mailbox[T]) Stats() Stats {
	return Stats{
		Puts:     m.puts.Load(),
		Takes:    m.takes.Load(),
		FullHits: m.full.Load(),
		Queued:   len(m.ch),
		Capacity: cap(m.ch),
	}
}

// Stats contains mailbox counters.
type Stats struct {
	Puts     int64 `json:"puts"`
	Takes    int64 `json:"takes"`
	FullHits int64 `json:"full_hits"`
	Queued   int   `json:"queued"`
	Capacity int   `json:"capacity"`
}
