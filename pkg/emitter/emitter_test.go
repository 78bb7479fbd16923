package emitter

import (
	"context"
	"sync/atomic"
	"testing"
)

func TestEmitRunsAllListeners(t *testing.T) {
	e := New[string](nil)

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		if _, err := e.On("task", func(ctx context.Context, payload string) {
			calls.Add(1)
		}); err != nil {
			t.Fatalf("On() failed: %v", err)
		}
	}

	e.Emit(context.Background(), "task", "hello")

	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 listener calls, got %d", got)
	}
}

func TestEmitIsolatesPanics(t *testing.T) {
	e := New[int](nil)

	var ran bool
	_, _ = e.On("boom", func(ctx context.Context, payload int) {
		panic("listener exploded")
	})
	_, _ = e.On("boom", func(ctx context.Context, payload int) {
		ran = true
	})

	// Must not panic the caller.
	e.Emit(context.Background(), "boom", 1)

	if !ran {
		t.Error("second listener did not run after first panicked")
	}
}

func TestOnceListenerFiresOnce(t *testing.T) {
	e := New[string](nil)

	var calls int
	_, _ = e.Once("ready", func(ctx context.Context, payload string) {
		calls++
	})

	e.Emit(context.Background(), "ready", "a")
	e.Emit(context.Background(), "ready", "b")

	if calls != 1 {
		t.Errorf("once listener ran %d times, want 1", calls)
	}
	if got := e.ListenerCount("ready"); got != 0 {
		t.Errorf("listener count after once = %d, want 0", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := New[string](nil)

	var calls int
	unsub, err := e.On("evt", func(ctx context.Context, payload string) {
		calls++
	})
	if err != nil {
		t.Fatalf("On() failed: %v", err)
	}

	e.Emit(context.Background(), "evt", "x")
	unsub()
	e.Emit(context.Background(), "evt", "y")

	if calls != 1 {
		t.Errorf("listener ran %d times after unsubscribe, want 1", calls)
	}
}

func TestSetEnabledSilencesDispatch(t *testing.T) {
	e := New[string](nil)

	var calls int
	_, _ = e.On("evt", func(ctx context.Context, payload string) {
		calls++
	})

	e.SetEnabled(false)
	e.Emit(context.Background(), "evt", "x")
	if calls != 0 {
		t.Fatal("disabled emitter dispatched an event")
	}

	// Listeners survive the disabled window.
	e.SetEnabled(true)
	e.Emit(context.Background(), "evt", "x")
	if calls != 1 {
		t.Errorf("listener ran %d times after re-enable, want 1", calls)
	}
}

func TestRegisterValidation(t *testing.T) {
	e := New[string](nil)

	if _, err := e.On("", func(ctx context.Context, payload string) {}); err != ErrEmptyEvent {
		t.Errorf("empty event: got %v, want ErrEmptyEvent", err)
	}
	if _, err := e.On("evt", nil); err != ErrNilListener {
		t.Errorf("nil listener: got %v, want ErrNilListener", err)
	}
}

func TestOff(t *testing.T) {
	e := New[string](nil)

	_, _ = e.On("evt", func(ctx context.Context, payload string) {
		t.Error("listener ran after Off")
	})
	e.Off("evt")
	e.Emit(context.Background(), "evt", "x")
}
