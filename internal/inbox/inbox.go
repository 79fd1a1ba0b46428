// Package inbox provides the unbounded receive queues that decouple
// transport delivery from user handler execution. Incoming items are
// queued per feature and drained by handler runners, so a slow or absent
// handler never back-pressures the network loop.
package inbox

import (
	"context"
	"sync"
)

// Inbox is an unbounded FIFO queue. Put never blocks; Get blocks until an
// item is available or the context is done.
type Inbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// New creates an empty inbox.
func New[T any]() *Inbox[T] {
	return &Inbox[T]{notify: make(chan struct{}, 1)}
}

// Put appends an item to the queue.
func (b *Inbox[T]) Put(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()
	b.wake()
}

// putFront returns an item to the head of the queue, preserving delivery
// order when a runner pulled it but could not hand it to a handler.
func (b *Inbox[T]) putFront(item T) {
	b.mu.Lock()
	b.items = append([]T{item}, b.items...)
	b.mu.Unlock()
	b.wake()
}

func (b *Inbox[T]) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Get removes and returns the oldest item. It blocks until an item is
// available or ctx is done, in which case it returns ctx.Err().
func (b *Inbox[T]) Get(ctx context.Context) (T, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			item := b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			if len(b.items) > 0 {
				// Keep the signal armed for the next waiter.
				b.wake()
			}
			b.mu.Unlock()
			return item, nil
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (b *Inbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear discards all queued items.
func (b *Inbox[T]) Clear() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}
