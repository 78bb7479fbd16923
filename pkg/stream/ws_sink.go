package stream

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/switchboard/pkg/observability"
)

// ErrSinkOverflow is returned when a subscriber's send buffer is full. The
// coordinator treats it like any other delivery failure and drops the
// subscriber, so a slow client never stalls the broadcast path.
var ErrSinkOverflow = errors.New("subscriber send buffer full")

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 45 * time.Second
	wsSendBuffer = 128
)

// WebSocketSink adapts a websocket connection into a coordinator Sink. Events
// are queued on a buffered channel and written by a single write pump, so
// Deliver never blocks on the network.
type WebSocketSink struct {
	conn   *websocket.Conn
	send   chan Event
	closed chan struct{}
	once   sync.Once
	logger *observability.Logger
}

// NewWebSocketSink wraps the connection and starts its write pump.
func NewWebSocketSink(conn *websocket.Conn, logger *observability.Logger) *WebSocketSink {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &WebSocketSink{
		conn:   conn,
		send:   make(chan Event, wsSendBuffer),
		closed: make(chan struct{}),
		logger: logger,
	}
	go s.writePump()
	return s
}

// Deliver queues one event for the connection. It fails with ErrSinkOverflow
// when the client cannot keep up, and with the pump's close state when the
// connection is gone.
func (s *WebSocketSink) Deliver(ev Event) error {
	select {
	case <-s.closed:
		return errors.New("websocket sink closed")
	default:
	}

	select {
	case s.send <- ev:
		return nil
	default:
		s.Close()
		return ErrSinkOverflow
	}
}

// Close tears down the connection. Idempotent.
func (s *WebSocketSink) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

func (s *WebSocketSink) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case ev := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}

// AttachHandler upgrades HTTP requests to websocket subscribers on the given
// coordinator. The subscription lives until the client disconnects.
func AttachHandler(c *Coordinator, logger *observability.Logger) http.HandlerFunc {
	if logger == nil {
		logger = observability.Nop()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// The attach surface binds to loopback; the host enforces access.
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		sink := NewWebSocketSink(conn, logger)
		sub, err := c.Subscribe(sink.Deliver)
		if err != nil {
			sink.Close()
			return
		}

		logger.Info("subscriber attached",
			slog.String("subscriber", sub.ID),
			slog.String("remote_addr", r.RemoteAddr),
		)

		// Read pump: we ignore client frames but need the reads to notice
		// disconnects and service pongs.
		go func() {
			defer func() {
				c.Unsubscribe(sub.ID)
				sink.Close()
			}()
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				conn.SetReadDeadline(time.Now().Add(wsPongWait))
				return nil
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
