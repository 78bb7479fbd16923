package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink captures delivered events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (r *recordingSink) deliver(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("sink unavailable")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recordingSink) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestSubscribeReceivesImmediateSnapshot(t *testing.T) {
	c := NewCoordinator(nil)
	defer c.Close()

	c.SendFullState(map[string]int{"a": 1})

	sink := &recordingSink{}
	_, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, FullSync, events[0].Kind)
	assert.Equal(t, map[string]int{"a": 1}, events[0].Payload)
}

func TestFullStateThenPartialsThenQuietEnd(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(100*time.Millisecond))
	defer c.Close()

	sink := &recordingSink{}
	_, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	c.SendFullState(map[string]int{"a": 1})
	require.Equal(t, []EventKind{FullSync, FullSync}, sink.kinds())

	c.SendPartial("x")
	c.SendPartial("y")

	require.Equal(t,
		[]EventKind{FullSync, FullSync, StreamStart, PartialUpdate, PartialUpdate},
		sink.kinds())

	events := sink.snapshot()
	assert.Equal(t, "x", events[3].Payload)
	assert.Equal(t, "y", events[4].Payload)

	require.Eventually(t, func() bool {
		k := sink.kinds()
		return len(k) > 0 && k[len(k)-1] == StreamEnd
	}, 2*time.Second, 10*time.Millisecond, "expected trailing STREAM_END after the quiet period")

	assert.False(t, c.Streaming())
}

func TestExactlyOneStreamStartForRapidPartials(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(200*time.Millisecond))
	defer c.Close()

	sink := &recordingSink{}
	_, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.SendPartial(i)
	}

	var starts, ends int
	for _, k := range sink.kinds() {
		switch k {
		case StreamStart:
			starts++
		case StreamEnd:
			ends++
		}
	}
	assert.Equal(t, 1, starts, "exactly one STREAM_START before the partials")
	assert.Equal(t, 0, ends, "no STREAM_END while gaps stay under the timeout")
}

func TestFullSyncSuppressedWhileStreaming(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(300*time.Millisecond))
	defer c.Close()

	sink := &recordingSink{}
	_, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	c.SendPartial("tok")
	c.SendFullState(map[string]int{"a": 2})

	for _, ev := range sink.snapshot()[1:] {
		assert.NotEqual(t, FullSync, ev.Kind, "FULL_SYNC broadcast while streaming")
	}

	// The suppressed state still serves late joiners.
	late := &recordingSink{}
	_, err = c.Subscribe(late.deliver)
	require.NoError(t, err)
	events := late.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, map[string]int{"a": 2}, events[0].Payload)
}

func TestQuietCheckRearmsWhenPartialArrivedLate(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	c := NewCoordinator(nil, WithQuietPeriod(100*time.Millisecond), WithClock(clock))
	defer c.Close()

	sink := &recordingSink{}
	_, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	c.SendPartial("tok")

	// The check fires while the last partial is still fresh: the stream
	// must stay open and no STREAM_END goes out.
	now = now.Add(40 * time.Millisecond)
	c.quietCheck()
	require.True(t, c.Streaming())
	for _, k := range sink.kinds() {
		require.NotEqual(t, StreamEnd, k)
	}

	// Once the gap exceeds the window the stream ends.
	now = now.Add(100 * time.Millisecond)
	c.quietCheck()
	require.False(t, c.Streaming())
	k := sink.kinds()
	require.Equal(t, StreamEnd, k[len(k)-1])

	// Past the quiet window, full syncs broadcast again.
	count := len(sink.kinds())
	c.SendFullState("later")
	assert.Greater(t, len(sink.kinds()), count, "full sync outside the window must broadcast")
}

func TestFailingSubscriberIsRemovedOthersDelivered(t *testing.T) {
	c := NewCoordinator(nil)
	defer c.Close()

	good := &recordingSink{}
	bad := &recordingSink{}

	_, err := c.Subscribe(good.deliver)
	require.NoError(t, err)
	badSub, err := c.Subscribe(bad.deliver)
	require.NoError(t, err)
	require.Equal(t, 2, c.SubscriberCount())

	bad.mu.Lock()
	bad.fail = true
	bad.mu.Unlock()

	c.SendFullState("s1")

	assert.Equal(t, 1, c.SubscriberCount(), "failing subscriber removed from live set")
	k := good.kinds()
	assert.Equal(t, FullSync, k[len(k)-1], "healthy subscriber still got the broadcast")

	// Unsubscribing the already-removed id is a no-op.
	c.Unsubscribe(badSub.ID)
}

func TestPerSubscriberOrderMatchesBroadcastOrder(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(time.Minute), WithFanOutLimit(2))
	defer c.Close()

	sinks := make([]*recordingSink, 4)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		_, err := c.Subscribe(sinks[i].deliver)
		require.NoError(t, err)
	}

	for i := 0; i < 20; i++ {
		c.SendPartial(i)
	}

	want := sinks[0].snapshot()
	for _, s := range sinks[1:] {
		assert.Equal(t, want, s.snapshot(), "all subscribers observe the same order")
	}
	// StreamStart first, then the partials in send order.
	events := want
	require.Equal(t, StreamStart, events[1].Kind)
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, events[i+2].Payload)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	c := NewCoordinator(nil)
	defer c.Close()

	sink := &recordingSink{}
	sub, err := c.Subscribe(sink.deliver)
	require.NoError(t, err)

	c.Unsubscribe(sub.ID)
	c.SendFullState("s")

	require.Len(t, sink.snapshot(), 1, "only the subscribe-time snapshot was delivered")
}
