package bridge

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConn wires a dispatcher to an in-memory caller.
type testConn struct {
	dispatcher *Dispatcher
	toServer   io.WriteCloser
	fromServer *json.Decoder
	done       chan error
}

func newTestConn(t *testing.T) *testConn {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	d := NewDispatcher(NewTransport(inR, outW), NewRegistry(), nil)

	tc := &testConn{
		dispatcher: d,
		toServer:   inW,
		fromServer: json.NewDecoder(outR),
		done:       make(chan error, 1),
	}

	t.Cleanup(func() {
		inW.Close()
		select {
		case <-tc.done:
		case <-time.After(2 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	})

	return tc
}

func (tc *testConn) serve(ctx context.Context) {
	go func() {
		tc.done <- tc.dispatcher.Serve(ctx)
	}()
}

func (tc *testConn) send(t *testing.T, msg any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	_, err = tc.toServer.Write(append(data, '\n'))
	require.NoError(t, err)
}

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

func (tc *testConn) recv(t *testing.T) wireMessage {
	t.Helper()
	var msg wireMessage
	require.NoError(t, tc.fromServer.Decode(&msg))
	return msg
}

func TestDispatcherUnaryRoundtrip(t *testing.T) {
	tc := newTestConn(t)

	tc.dispatcher.HandleUnary("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p map[string]string
		require.NoError(t, json.Unmarshal(params, &p))
		return map[string]string{"echo": p["text"]}, nil
	})

	tc.serve(context.Background())

	tc.send(t, &Request{JSONRPC: "2.0", ID: "r1", Method: "echo", Params: json.RawMessage(`{"text":"hi"}`)})

	msg := tc.recv(t)
	require.Equal(t, "r1", msg.ID)
	require.Nil(t, msg.Error)
	require.JSONEq(t, `{"echo":"hi"}`, string(msg.Result))

	// The entry is gone after completion.
	require.Equal(t, 0, tc.dispatcher.Registry().Len())
}

func TestDispatcherMethodNotFound(t *testing.T) {
	tc := newTestConn(t)
	tc.serve(context.Background())

	tc.send(t, &Request{JSONRPC: "2.0", ID: float64(7), Method: "nope"})

	msg := tc.recv(t)
	require.NotNil(t, msg.Error)
	require.Equal(t, ErrCodeMethodNotFound, msg.Error.Code)
}

func TestDispatcherStreamingEmitsThenResolves(t *testing.T) {
	tc := newTestConn(t)

	tc.dispatcher.HandleStreaming("count", func(ctx context.Context, params json.RawMessage, emit Sink) (any, error) {
		emit("one")
		emit("two")
		return "done", nil
	})

	tc.serve(context.Background())
	tc.send(t, &Request{JSONRPC: "2.0", ID: "s1", Method: "count"})

	first := tc.recv(t)
	require.Equal(t, MethodStreamPayload, first.Method)
	var sp StreamPayloadParams
	require.NoError(t, json.Unmarshal(first.Params, &sp))
	require.Equal(t, "s1", sp.ID)
	require.Equal(t, "one", sp.Payload)

	second := tc.recv(t)
	require.Equal(t, MethodStreamPayload, second.Method)

	terminal := tc.recv(t)
	require.Equal(t, "s1", terminal.ID)
	require.Nil(t, terminal.Error)
	require.JSONEq(t, `"done"`, string(terminal.Result))
}

func TestDispatcherCancelMidFlight(t *testing.T) {
	tc := newTestConn(t)

	started := make(chan struct{})
	tc.dispatcher.HandleStreaming("slow", func(ctx context.Context, params json.RawMessage, emit Sink) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	tc.serve(context.Background())
	tc.send(t, &Request{JSONRPC: "2.0", ID: "slow-1", Method: "slow"})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	tc.send(t, &Notification{JSONRPC: "2.0", Method: MethodCancel, Params: json.RawMessage(`{"id":"slow-1"}`)})

	msg := tc.recv(t)
	require.Equal(t, "slow-1", msg.ID)
	require.NotNil(t, msg.Error)
	require.Equal(t, ErrCodeCancelled, msg.Error.Code)
}

func TestDispatcherCancelUnknownIsNoop(t *testing.T) {
	tc := newTestConn(t)

	tc.dispatcher.HandleUnary("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "pong", nil
	})

	tc.serve(context.Background())

	// A cancel for an id that never existed must be silently ignored, and
	// the dispatcher keeps serving afterwards.
	tc.send(t, &Notification{JSONRPC: "2.0", Method: MethodCancel, Params: json.RawMessage(`{"id":"ghost"}`)})
	tc.send(t, &Request{JSONRPC: "2.0", ID: "p1", Method: "ping"})

	msg := tc.recv(t)
	require.Equal(t, "p1", msg.ID)
	require.JSONEq(t, `"pong"`, string(msg.Result))
}

func TestDispatcherDuplicateLiveID(t *testing.T) {
	tc := newTestConn(t)

	release := make(chan struct{})
	started := make(chan struct{})
	tc.dispatcher.HandleUnary("hold", func(ctx context.Context, params json.RawMessage) (any, error) {
		close(started)
		<-release
		return "held", nil
	})

	tc.serve(context.Background())
	tc.send(t, &Request{JSONRPC: "2.0", ID: "dup", Method: "hold"})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}

	// Second use of a live id is rejected without invoking the handler.
	tc.send(t, &Request{JSONRPC: "2.0", ID: "dup", Method: "hold"})

	rejection := tc.recv(t)
	require.NotNil(t, rejection.Error)
	require.Equal(t, ErrCodeDuplicateRequest, rejection.Error.Code)

	close(release)
	completion := tc.recv(t)
	require.Nil(t, completion.Error)
	require.JSONEq(t, `"held"`, string(completion.Result))
}
