package inbox

import "sync"

// MethodRouter fans incoming method requests out to per-method inboxes,
// with a generic inbox catching every method that has no dedicated one.
type MethodRouter[T any] struct {
	mu      sync.Mutex
	generic *Inbox[T]
	named   map[string]*Inbox[T]
}

// NewMethodRouter creates a router with an empty generic inbox.
func NewMethodRouter[T any]() *MethodRouter[T] {
	return &MethodRouter[T]{
		generic: New[T](),
		named:   make(map[string]*Inbox[T]),
	}
}

// Generic returns the catch-all inbox.
func (r *MethodRouter[T]) Generic() *Inbox[T] { return r.generic }

// Named returns the dedicated inbox for the given method, creating it on
// first use. Once created, requests for that method bypass the generic
// inbox.
func (r *MethodRouter[T]) Named(method string) *Inbox[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.named[method]
	if !ok {
		in = New[T]()
		r.named[method] = in
	}
	return in
}

// Remove drops the dedicated inbox for the given method. Subsequent
// requests for it route to the generic inbox. Queued items are discarded.
func (r *MethodRouter[T]) Remove(method string) {
	r.mu.Lock()
	delete(r.named, method)
	r.mu.Unlock()
}

// Route delivers one request to the dedicated inbox for its method, or to
// the generic inbox when none exists.
func (r *MethodRouter[T]) Route(method string, item T) {
	r.mu.Lock()
	in, ok := r.named[method]
	r.mu.Unlock()
	if !ok {
		in = r.generic
	}
	in.Put(item)
}
