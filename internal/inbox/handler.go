package inbox

import (
	"context"
	"sync"
)

// Handler consumes one item from an inbox. It runs on the runner
// goroutine, so a blocking handler delays subsequent items on the same
// inbox but nothing else.
type Handler[T any] func(item T)

// HandlerManager owns the runner goroutine for one inbox. A runner is
// started when the first handler is set and stopped when the handler is
// cleared. The handler can be swapped while the runner is live: items
// already queued are delivered to whichever handler is current when they
// are drained, and none are lost across a swap.
type HandlerManager[T any] struct {
	inbox *Inbox[T]

	mu      sync.Mutex
	handler Handler[T]
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHandlerManager creates a manager draining the given inbox. No runner
// is started until Set is called.
func NewHandlerManager[T any](inbox *Inbox[T]) *HandlerManager[T] {
	return &HandlerManager[T]{inbox: inbox}
}

// Inbox returns the inbox this manager drains.
func (m *HandlerManager[T]) Inbox() *Inbox[T] { return m.inbox }

// Set installs h as the current handler, starting the runner if it is not
// already live. Setting a nil handler is equivalent to Clear.
func (m *HandlerManager[T]) Set(h Handler[T]) {
	if h == nil {
		m.Clear()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	if m.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.done = make(chan struct{})
		go m.run(ctx, m.done)
	}
}

// Clear removes the handler and stops the runner, waiting for it to exit.
// Items still queued stay in the inbox and are delivered to the next
// handler set.
func (m *HandlerManager[T]) Clear() {
	m.mu.Lock()
	m.handler = nil
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Active reports whether a handler is currently installed.
func (m *HandlerManager[T]) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler != nil
}

func (m *HandlerManager[T]) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		item, err := m.inbox.Get(ctx)
		if err != nil {
			return
		}

		// Read the handler per item so a live swap takes effect on the
		// next delivery.
		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()

		if h == nil {
			// Cleared between Get and here. Requeue so the item survives
			// for the next handler.
			m.inbox.putFront(item)
			return
		}
		h(item)
	}
}
