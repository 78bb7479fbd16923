package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/odvcencio/switchboard/pkg/observability"
)

// UnaryHandler serves a unary call: it resolves exactly once with a result
// or an error.
type UnaryHandler func(ctx context.Context, params json.RawMessage) (any, error)

// StreamHandler serves a streaming call: it may emit zero or more
// intermediate payloads through the sink before returning its terminal
// result or error.
type StreamHandler func(ctx context.Context, params json.RawMessage, emit Sink) (any, error)

// Dispatcher routes inbound requests to registered handlers. Every in-flight
// call is tracked in the Registry under its correlation id with a context
// cancel func, so a $/cancel notification aborts it mid-flight.
type Dispatcher struct {
	registry  *Registry
	transport *Transport
	logger    *observability.Logger

	mu        sync.RWMutex
	unary     map[string]UnaryHandler
	streaming map[string]StreamHandler

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given transport.
func NewDispatcher(transport *Transport, registry *Registry, logger *observability.Logger) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &Dispatcher{
		registry:  registry,
		transport: transport,
		logger:    logger,
		unary:     make(map[string]UnaryHandler),
		streaming: make(map[string]StreamHandler),
	}
}

// Registry exposes the request registry for host-side introspection.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// HandleUnary registers a unary method handler.
func (d *Dispatcher) HandleUnary(method string, h UnaryHandler) {
	d.mu.Lock()
	d.unary[method] = h
	d.mu.Unlock()
}

// HandleStreaming registers a streaming method handler.
func (d *Dispatcher) HandleStreaming(method string, h StreamHandler) {
	d.mu.Lock()
	d.streaming[method] = h
	d.mu.Unlock()
}

// Serve reads messages until the transport closes or ctx is cancelled.
// It returns nil on clean EOF. In-flight handlers are awaited before return.
func (d *Dispatcher) Serve(ctx context.Context) error {
	defer d.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		raw, err := d.transport.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read message: %w", err)
		}

		req, err := ParseRequest(raw)
		if err != nil {
			d.logger.Warn("dropping unparsable message", slog.String("error", err.Error()))
			_ = d.transport.SendError(nil, ErrCodeParse, "parse error", nil)
			continue
		}

		if IsNotification(req) {
			d.handleNotification(req)
			continue
		}

		d.dispatchRequest(ctx, req)
	}
}

func (d *Dispatcher) handleNotification(req *Request) {
	switch req.Method {
	case MethodCancel:
		params, err := ParseParams[CancelParams](req)
		if err != nil {
			d.logger.Warn("malformed cancel notification", slog.String("error", err.Error()))
			return
		}
		// Always legal, even after completion: Cancel on an unknown id
		// is a no-op.
		d.registry.Cancel(params.ID)
	default:
		d.logger.Debug("ignoring notification", slog.String("method", req.Method))
	}
}

func (d *Dispatcher) dispatchRequest(ctx context.Context, req *Request) {
	corrID := correlationKey(req.ID)

	d.mu.RLock()
	uh, isUnary := d.unary[req.Method]
	sh, isStreaming := d.streaming[req.Method]
	d.mu.RUnlock()

	if !isUnary && !isStreaming {
		_ = d.transport.SendError(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
		observability.RequestsDispatched.WithLabelValues(req.Method, "method_not_found").Inc()
		return
	}

	callCtx, cancel := context.WithCancel(ctx)

	var sink Sink
	if isStreaming {
		sink = func(payload any) {
			if callCtx.Err() != nil {
				return
			}
			_ = d.transport.SendNotification(MethodStreamPayload, StreamPayloadParams{
				ID:      corrID,
				Payload: payload,
			})
		}
	}

	kind := KindUnary
	if isStreaming {
		kind = KindStreaming
	}

	meta := map[string]any{"method": req.Method}
	if err := d.registry.Register(corrID, kind, cancel, meta, sink); err != nil {
		cancel()
		_ = d.transport.SendError(req.ID, ErrCodeDuplicateRequest, err.Error(), nil)
		observability.RequestsDispatched.WithLabelValues(req.Method, "duplicate").Inc()
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer cancel()

		var result any
		var err error
		if isStreaming {
			result, err = sh(callCtx, req.Params, sink)
		} else {
			result, err = uh(callCtx, req.Params)
		}

		// Normal completion removes the entry without firing cancel. If a
		// racing $/cancel got there first this is a no-op.
		d.registry.Unregister(corrID)

		switch {
		case callCtx.Err() != nil:
			_ = d.transport.SendError(req.ID, ErrCodeCancelled, "request cancelled", nil)
			observability.RequestsDispatched.WithLabelValues(req.Method, "cancelled").Inc()
		case err != nil:
			_ = d.transport.SendError(req.ID, ErrCodeInternal, err.Error(), nil)
			observability.RequestsDispatched.WithLabelValues(req.Method, "error").Inc()
		default:
			_ = d.transport.SendResponse(req.ID, result)
			observability.RequestsDispatched.WithLabelValues(req.Method, "ok").Inc()
		}
	}()
}

// correlationKey normalizes a JSON-RPC id into the registry's key space.
func correlationKey(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		// encoding/json decodes numeric ids as float64.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
