// Package emitter provides a typed in-process publish/subscribe emitter used
// by the controller and its sub-components to decouple producers from
// consumers. Listener failures are contained: a panicking listener is logged
// and never prevents the remaining listeners from running.
package emitter

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/odvcencio/switchboard/pkg/observability"
)

var (
	// ErrEmptyEvent is returned when an empty event name is provided.
	ErrEmptyEvent = errors.New("event name cannot be empty")

	// ErrNilListener is returned when a nil listener is provided.
	ErrNilListener = errors.New("listener cannot be nil")
)

// Listener processes an emitted payload.
type Listener[T any] func(ctx context.Context, payload T)

type registration[T any] struct {
	id       string
	fn       Listener[T]
	once     bool
}

// Emitter is a typed event emitter keyed by event name.
// One Emitter instance belongs to one owner; it is safe for concurrent use.
type Emitter[T any] struct {
	mu        sync.RWMutex
	listeners map[string][]*registration[T]
	enabled   bool
	logger    *observability.Logger
}

// New creates an enabled emitter.
func New[T any](logger *observability.Logger) *Emitter[T] {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Emitter[T]{
		listeners: make(map[string][]*registration[T]),
		enabled:   true,
		logger:    logger,
	}
}

// On registers a listener for an event and returns an unsubscribe function.
func (e *Emitter[T]) On(event string, fn Listener[T]) (func(), error) {
	return e.register(event, fn, false)
}

// Once registers a listener that is removed after its first invocation.
func (e *Emitter[T]) Once(event string, fn Listener[T]) (func(), error) {
	return e.register(event, fn, true)
}

func (e *Emitter[T]) register(event string, fn Listener[T], once bool) (func(), error) {
	if event == "" {
		return nil, ErrEmptyEvent
	}
	if fn == nil {
		return nil, ErrNilListener
	}

	reg := &registration[T]{
		id:   ulid.Make().String(),
		fn:   fn,
		once: once,
	}

	e.mu.Lock()
	e.listeners[event] = append(e.listeners[event], reg)
	e.mu.Unlock()

	return func() { e.remove(event, reg.id) }, nil
}

// Off removes every listener for the event.
func (e *Emitter[T]) Off(event string) {
	e.mu.Lock()
	delete(e.listeners, event)
	e.mu.Unlock()
}

func (e *Emitter[T]) remove(event, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	regs := e.listeners[event]
	for i, reg := range regs {
		if reg.id == id {
			e.listeners[event] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
}

// SetEnabled toggles dispatch without unregistering listeners.
// Used to silence the emitter during teardown.
func (e *Emitter[T]) SetEnabled(enabled bool) {
	e.mu.Lock()
	e.enabled = enabled
	e.mu.Unlock()
}

// Enabled reports whether dispatch is currently active.
func (e *Emitter[T]) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// ListenerCount returns the number of listeners registered for the event.
func (e *Emitter[T]) ListenerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event])
}

// Emit invokes all listeners registered for the event, in registration order.
// A panicking listener is recovered and logged; the remaining listeners still
// run and nothing propagates to the caller. Emit returns after every listener
// has completed. When the emitter is disabled Emit is a no-op.
func (e *Emitter[T]) Emit(ctx context.Context, event string, payload T) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	regs := e.listeners[event]
	snapshot := make([]*registration[T], len(regs))
	copy(snapshot, regs)

	// Once-listeners come out of the table before dispatch so a listener
	// that emits the same event recursively cannot fire them twice.
	remaining := regs[:0:0]
	for _, reg := range regs {
		if !reg.once {
			remaining = append(remaining, reg)
		}
	}
	if len(remaining) == 0 {
		delete(e.listeners, event)
	} else {
		e.listeners[event] = remaining
	}
	e.mu.Unlock()

	for _, reg := range snapshot {
		e.dispatch(ctx, event, reg, payload)
	}
}

func (e *Emitter[T]) dispatch(ctx context.Context, event string, reg *registration[T], payload T) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				slog.String("event", event),
				slog.Any("panic", r),
			)
		}
	}()
	reg.fn(ctx, payload)
}
