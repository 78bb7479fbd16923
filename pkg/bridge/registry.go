package bridge

import (
	"errors"
	"fmt"
	"sync"

	"github.com/odvcencio/switchboard/pkg/observability"
)

var (
	// ErrDuplicateRequest is returned when registering an id that is already live.
	ErrDuplicateRequest = errors.New("request id already registered")

	// ErrRequestNotFound is returned by Resolve for unknown ids. Lookups for
	// completed or never-registered ids race with normal completion, so
	// callers treat this as a benign no-op.
	ErrRequestNotFound = errors.New("request not found")
)

// Kind distinguishes unary calls from streaming calls.
type Kind string

const (
	KindUnary     Kind = "unary"
	KindStreaming Kind = "streaming"
)

// Sink receives intermediate payloads for a streaming request.
type Sink func(payload any)

// Entry is a live request tracked by the Registry.
type Entry struct {
	ID       string
	Kind     Kind
	Metadata map[string]any

	cancel     func()
	cancelOnce sync.Once
	sink       Sink
}

// Sink returns the streaming sink for this entry, or nil for unary requests.
func (e *Entry) Sink() Sink {
	return e.sink
}

// invokeCancel fires the cancel callback at most once.
func (e *Entry) invokeCancel() {
	if e.cancel == nil {
		return
	}
	e.cancelOnce.Do(e.cancel)
}

// Registry tracks in-flight requests by correlation id and owns their
// cancellation callbacks. An id is live in at most one entry at a time.
// The registry only guarantees the cancel callback fires at most once;
// stopping the underlying work is the caller's job.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty request registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
	}
}

// Register adds a live entry for the id. Re-use of a live id is rejected
// with ErrDuplicateRequest. The sink may be nil for unary requests.
func (r *Registry) Register(id string, kind Kind, cancel func(), metadata map[string]any, sink Sink) error {
	if id == "" {
		return errors.New("register: empty request id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[id]; exists {
		return fmt.Errorf("register %q: %w", id, ErrDuplicateRequest)
	}

	r.entries[id] = &Entry{
		ID:       id,
		Kind:     kind,
		Metadata: metadata,
		cancel:   cancel,
		sink:     sink,
	}
	observability.InFlightRequests.Inc()
	return nil
}

// Resolve looks up a live entry. ErrRequestNotFound for unknown ids.
func (r *Registry) Resolve(id string) (*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", id, ErrRequestNotFound)
	}
	return entry, nil
}

// Cancel invokes the entry's cancel callback and removes it. Cancelling an
// unknown id is a no-op, not an error: cancellation racing completion is
// expected. Calling Cancel twice is equivalent to calling it once.
func (r *Registry) Cancel(id string) {
	r.mu.Lock()
	entry, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	// Fire outside the lock; cancel callbacks may re-enter the registry.
	entry.invokeCancel()
	observability.InFlightRequests.Dec()
	observability.RequestsCancelled.Inc()
}

// Unregister removes the entry without invoking cancel. This is the normal
// completion path. Unknown ids are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if ok {
		observability.InFlightRequests.Dec()
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
