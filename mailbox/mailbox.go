// Package mailbox is an unbounded FIFO with a single consumer. Each actor in
// the sync core owns one and processes its commands strictly in arrival order.
package mailbox

import (
	"context"
	"sync"
)

// Mailbox queues values of type T. Push never blocks.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

// New returns an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{signal: make(chan struct{}, 1)}
}

// Push appends v. It returns false once the mailbox is closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting new values. Values already queued are still delivered.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Run calls handle for every value in order until ctx is done or the mailbox
// is closed and drained. Only one Run may be active.
func (m *Mailbox[T]) Run(ctx context.Context, handle func(T)) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v := m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			m.mu.Unlock()
			handle(v)
			continue
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-m.signal:
		}
	}
}
