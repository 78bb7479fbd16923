package stream

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialTestServer(t *testing.T, c *Coordinator) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(AttachHandler(c, nil))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketSubscriberReceivesFrames(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(time.Hour))
	defer c.Close()
	c.SendFullState(map[string]any{"messages": 3})

	conn := dialTestServer(t, c)

	// Greeting snapshot first.
	ev := readEvent(t, conn)
	assert.Equal(t, FullSync, ev.Kind)

	require.Eventually(t, func() bool { return c.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	c.SendPartial(map[string]any{"token": "hi"})
	assert.Equal(t, StreamStart, readEvent(t, conn).Kind)
	partial := readEvent(t, conn)
	assert.Equal(t, PartialUpdate, partial.Kind)
}

func TestWebSocketDisconnectDetaches(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(time.Hour))
	defer c.Close()

	conn := dialTestServer(t, c)
	readEvent(t, conn)
	require.Eventually(t, func() bool { return c.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return c.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSlowWebSocketClientDroppedNotStalling(t *testing.T) {
	c := NewCoordinator(nil, WithQuietPeriod(time.Hour))
	defer c.Close()

	// A client that never reads: its sink buffer eventually overflows and
	// the coordinator drops it instead of blocking the broadcast path.
	dialTestServer(t, c)
	require.Eventually(t, func() bool { return c.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	// Large payloads so the write pump jams on the socket instead of the
	// kernel absorbing everything.
	blob := strings.Repeat("x", 64*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 3*wsSendBuffer; i++ {
			c.SendPartial(map[string]any{"n": i, "blob": blob})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcasts stalled behind a slow subscriber")
	}
	require.Eventually(t, func() bool { return c.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
