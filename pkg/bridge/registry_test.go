package bridge

import (
	"errors"
	"testing"
)

func TestRegistryRegisterAndResolve(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("req-1", KindUnary, func() {}, map[string]any{"method": "x"}, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	entry, err := r.Resolve("req-1")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if entry.ID != "req-1" {
		t.Errorf("entry.ID = %q, want req-1", entry.ID)
	}
	if entry.Kind != KindUnary {
		t.Errorf("entry.Kind = %q, want unary", entry.Kind)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistryDuplicateID(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("req-1", KindUnary, nil, nil, nil); err != nil {
		t.Fatalf("first Register() failed: %v", err)
	}

	err := r.Register("req-1", KindStreaming, nil, nil, nil)
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("second Register() = %v, want ErrDuplicateRequest", err)
	}

	// Once the first entry completes the id may be reused.
	r.Unregister("req-1")
	if err := r.Register("req-1", KindStreaming, nil, nil, nil); err != nil {
		t.Errorf("Register() after Unregister failed: %v", err)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	r := NewRegistry()

	_, err := r.Resolve("nope")
	if !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("Resolve(unknown) = %v, want ErrRequestNotFound", err)
	}
}

func TestRegistryCancelIdempotent(t *testing.T) {
	r := NewRegistry()

	var cancelled int
	if err := r.Register("req-1", KindStreaming, func() { cancelled++ }, nil, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	r.Cancel("req-1")
	r.Cancel("req-1")

	if cancelled != 1 {
		t.Errorf("cancel callback fired %d times, want 1", cancelled)
	}
	if r.Len() != 0 {
		t.Errorf("Len() after cancel = %d, want 0", r.Len())
	}
}

func TestRegistryCancelUnknownIsNoop(t *testing.T) {
	r := NewRegistry()

	// Must not panic or error.
	r.Cancel("missing")
}

func TestRegistryUnregisterDoesNotCancel(t *testing.T) {
	r := NewRegistry()

	var cancelled bool
	if err := r.Register("req-1", KindUnary, func() { cancelled = true }, nil, nil); err != nil {
		t.Fatalf("Register() failed: %v", err)
	}

	r.Unregister("req-1")

	if cancelled {
		t.Error("Unregister invoked the cancel callback")
	}
	// Cancel after completion races are benign no-ops.
	r.Cancel("req-1")
	if cancelled {
		t.Error("Cancel after Unregister invoked the callback")
	}
}

func TestRegistryEmptyID(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("", KindUnary, nil, nil, nil); err == nil {
		t.Error("Register with empty id succeeded")
	}
}
