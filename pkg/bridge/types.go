// Package bridge implements the host-facing request bridge: a JSON-RPC 2.0
// dispatcher over an opaque message transport, with a registry that tracks
// every in-flight call by correlation id and owns its cancellation.
package bridge

import "encoding/json"

// JSON-RPC 2.0 message types.

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Bridge-specific error codes
	ErrCodeDuplicateRequest = -32000
	ErrCodeCancelled        = -32001
)

// MethodCancel is the notification method a caller uses to cancel an
// in-flight request by correlation id. A cancel for an unknown or already
// completed id is always legal and is a no-op.
const MethodCancel = "$/cancel"

// CancelParams carries the correlation id of the request to cancel.
type CancelParams struct {
	ID string `json:"id"`
}

// StreamPayloadParams frames one intermediate payload of a streaming call.
type StreamPayloadParams struct {
	ID      string      `json:"id"`
	Payload interface{} `json:"payload"`
}

// MethodStreamPayload is the notification method used to deliver
// intermediate payloads of a streaming call back to the caller.
const MethodStreamPayload = "$/stream"
