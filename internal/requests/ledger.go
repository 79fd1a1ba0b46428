// Package requests tracks in-flight request/response exchanges keyed by
// correlation id. The hub carries responses on a shared topic, so the only
// way to pair a response with its originating request is the $rid value
// both sides echo.
package requests

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Response is the terminal result of one tracked request.
type Response struct {
	// Err is set when the exchange failed before a server response could
	// arrive, e.g. the request publish failed or the client shut down.
	// The remaining fields are meaningless when Err is non-nil.
	Err error

	// Status is the HTTP-style status code from the response topic.
	Status int

	// Payload is the raw response body. May be empty.
	Payload []byte

	// Version is the twin document version, when the response carries one.
	Version int

	// RetryAfter is the server-requested backoff in seconds, when the
	// response carries one. Zero means none.
	RetryAfter int
}

// Request is one pending exchange. Its Response channel receives exactly
// one value when the ledger matches an incoming response, then nothing
// more. The channel is never closed.
type Request struct {
	id       string
	response chan *Response
}

// ID returns the correlation id embedded in the outgoing request topic.
func (r *Request) ID() string { return r.id }

// Response returns the channel that delivers the matched response.
func (r *Request) Response() <-chan *Response { return r.response }

// Ledger is a concurrent-safe registry of pending requests. Each entry is
// single use: matching a response removes the entry, so a duplicate or
// late response for the same id is dropped rather than delivered twice.
type Ledger struct {
	mu      sync.Mutex
	pending map[string]*Request
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{pending: make(map[string]*Request)}
}

// Create registers a new pending request under a fresh correlation id.
func (l *Ledger) Create() *Request {
	r := &Request{
		id: uuid.NewString(),
		// Buffered so Match never blocks on a caller that has not come
		// around to receiving yet.
		response: make(chan *Response, 1),
	}
	l.mu.Lock()
	l.pending[r.id] = r
	l.mu.Unlock()
	return r
}

// CreateWithID registers a new pending request under a caller-supplied
// correlation id. Registering an id that is already pending is an error.
func (l *Ledger) CreateWithID(id string) (*Request, error) {
	r := &Request{id: id, response: make(chan *Response, 1)}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.pending[id]; exists {
		return nil, fmt.Errorf("correlation id %q is already pending", id)
	}
	l.pending[id] = r
	return r, nil
}

// Match delivers resp to the pending request with the given id and removes
// it from the ledger. It reports whether a pending request existed; false
// means the response was unsolicited, duplicated, or arrived after the
// request was abandoned.
func (l *Ledger) Match(id string, resp *Response) bool {
	l.mu.Lock()
	r, ok := l.pending[id]
	if ok {
		delete(l.pending, id)
	}
	l.mu.Unlock()
	if !ok {
		return false
	}
	r.response <- resp
	return true
}

// Delete abandons a pending request, typically because the caller timed
// out or was cancelled. A response arriving afterwards is dropped.
func (l *Ledger) Delete(id string) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// Len returns the number of pending requests.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
