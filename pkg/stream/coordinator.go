// Package stream implements the message-stream coordinator: a fan-out
// broadcaster of task state to many concurrent subscribers. It decides when
// subscribers get a full snapshot versus an incremental partial update, and
// infers the end of streaming from a quiet period rather than an explicit
// signal.
package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/switchboard/pkg/observability"
)

// EventKind identifies what a framed update carries.
type EventKind string

const (
	// FullSync carries a complete state snapshot.
	FullSync EventKind = "FULL_SYNC"
	// StreamStart marks the transition into active streaming.
	StreamStart EventKind = "STREAM_START"
	// PartialUpdate carries one incremental delta.
	PartialUpdate EventKind = "PARTIAL_UPDATE"
	// StreamEnd marks the inferred end of streaming.
	StreamEnd EventKind = "STREAM_END"
)

// Event is one framed update delivered to subscribers.
type Event struct {
	Kind    EventKind `json:"kind"`
	Payload any       `json:"payload,omitempty"`
}

// Sink receives framed updates for one subscriber. A non-nil error removes
// the subscriber from the live set.
type Sink func(Event) error

// Subscription identifies one attached subscriber.
type Subscription struct {
	ID   string
	sink Sink
}

const (
	// DefaultQuietPeriod is how long the coordinator waits after the last
	// partial before declaring the stream ended.
	DefaultQuietPeriod = 2000 * time.Millisecond

	// DefaultFanOutLimit bounds concurrent deliveries per broadcast.
	DefaultFanOutLimit = 8
)

// Coordinator broadcasts task state to all live subscribers. Each Controller
// instance owns exactly one Coordinator; the streaming state lives on the
// instance, never in package globals.
//
// Ordering contract: broadcasts from one Coordinator are totally ordered and
// per-subscriber delivery order matches broadcast order. Within a single
// broadcast, deliveries to different subscribers run concurrently (bounded),
// and one failing subscriber never aborts delivery to the rest.
type Coordinator struct {
	mu          sync.Mutex
	subscribers map[string]*Subscription
	fullState   any
	streaming   bool
	lastPartial time.Time

	quietPeriod time.Duration
	fanOutLimit int
	quietTimer  *time.Timer
	now         func() time.Time
	logger      *observability.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQuietPeriod overrides the quiet-period timeout.
func WithQuietPeriod(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.quietPeriod = d
		}
	}
}

// WithFanOutLimit bounds concurrent deliveries per broadcast.
func WithFanOutLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.fanOutLimit = n
		}
	}
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCoordinator creates a coordinator with no subscribers and an IDLE
// streaming state.
func NewCoordinator(logger *observability.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = observability.Nop()
	}
	c := &Coordinator{
		subscribers: make(map[string]*Subscription),
		quietPeriod: DefaultQuietPeriod,
		fanOutLimit: DefaultFanOutLimit,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe attaches a sink. The new subscriber immediately receives one
// FullSync of the current state; other subscribers and the streaming state
// are unaffected. A sink that fails the initial snapshot is not attached.
func (c *Coordinator) Subscribe(sink Sink) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sink(Event{Kind: FullSync, Payload: c.fullState}); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:   ulid.Make().String(),
		sink: sink,
	}
	c.subscribers[sub.ID] = sub
	observability.ActiveSubscribers.Inc()
	return sub, nil
}

// Unsubscribe detaches a subscriber. Unknown ids are a no-op.
func (c *Coordinator) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(id)
}

func (c *Coordinator) removeLocked(id string) {
	if _, ok := c.subscribers[id]; ok {
		delete(c.subscribers, id)
		observability.ActiveSubscribers.Dec()
	}
}

// SubscriberCount returns the number of live subscribers.
func (c *Coordinator) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// Streaming reports whether the coordinator is currently in the STREAMING
// state.
func (c *Coordinator) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// FullState returns the last recorded full state.
func (c *Coordinator) FullState() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fullState
}

// SendFullState records the state and broadcasts a FullSync, unless the
// coordinator is streaming or still inside the quiet window since the last
// partial. Suppression protects in-progress incremental rendering from being
// clobbered by a full snapshot; the recorded state still serves future
// subscribers.
func (c *Coordinator) SendFullState(state any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fullState = state

	if c.streaming {
		return
	}
	if !c.lastPartial.IsZero() && c.now().Sub(c.lastPartial) < c.quietPeriod {
		return
	}

	c.broadcastLocked(Event{Kind: FullSync, Payload: state})
}

// SendPartial broadcasts one incremental update. Transitioning out of IDLE
// first broadcasts StreamStart, and every partial re-arms the quiet-period
// check.
func (c *Coordinator) SendPartial(update any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.streaming {
		c.streaming = true
		c.broadcastLocked(Event{Kind: StreamStart})
	}

	c.lastPartial = c.now()
	c.broadcastLocked(Event{Kind: PartialUpdate, Payload: update})
	c.armQuietTimerLocked(c.quietPeriod)
}

func (c *Coordinator) armQuietTimerLocked(d time.Duration) {
	if c.quietTimer != nil {
		c.quietTimer.Stop()
	}
	c.quietTimer = time.AfterFunc(d, c.quietCheck)
}

// quietCheck fires after the quiet window. If another partial arrived in the
// meantime the check re-arms for the remaining gap instead of ending the
// stream.
func (c *Coordinator) quietCheck() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.streaming {
		return
	}

	elapsed := c.now().Sub(c.lastPartial)
	if elapsed < c.quietPeriod {
		c.armQuietTimerLocked(c.quietPeriod - elapsed)
		return
	}

	c.streaming = false
	c.broadcastLocked(Event{Kind: StreamEnd})
}

// Close stops the quiet timer and drops all subscribers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quietTimer != nil {
		c.quietTimer.Stop()
		c.quietTimer = nil
	}
	for id := range c.subscribers {
		c.removeLocked(id)
	}
}

// broadcastLocked delivers the event to every live subscriber with bounded
// concurrency, waits for all deliveries, and removes subscribers whose sink
// failed. Callers hold c.mu, which is what makes broadcasts totally ordered.
func (c *Coordinator) broadcastLocked(ev Event) {
	observability.StreamBroadcasts.WithLabelValues(string(ev.Kind)).Inc()

	if len(c.subscribers) == 0 {
		return
	}

	type result struct {
		id  string
		err error
	}

	subs := make([]*Subscription, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}

	results := make([]result, len(subs))
	var g errgroup.Group
	g.SetLimit(c.fanOutLimit)
	for i, sub := range subs {
		i, sub := i, sub
		g.Go(func() error {
			results[i] = result{id: sub.ID, err: sub.sink(ev)}
			return nil
		})
	}
	// Deliveries never return an error through the group; failures are
	// collected per subscriber so one bad sink cannot cancel the others.
	_ = g.Wait()

	for _, res := range results {
		if res.err != nil {
			c.logger.Warn("dropping subscriber after failed delivery",
				slog.String("subscriber", res.id),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", res.err.Error()),
			)
			c.removeLocked(res.id)
			observability.DroppedSubscribers.Inc()
		}
	}
}
