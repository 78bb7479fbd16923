package toolhub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ToolDescriptor is immutable capability metadata for one tool discovered on
// a connected server. Descriptors are replaced wholesale on reconnect, never
// partially mutated.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ResourceDescriptor is immutable capability metadata for one resource.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ContentBlock is one chunk of a tool or resource result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ServerInfo describes the remote server after the handshake.
type ServerInfo struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	ProtocolVer string `json:"protocolVersion"`
}

// CapabilityClient is the connection the hub holds per server. The hub only
// needs connect, discover, call, and close; the transport behind it is
// interchangeable.
type CapabilityClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	ListResources(ctx context.Context) ([]ResourceDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	ReadResource(ctx context.Context, uri string) ([]ContentBlock, error)
	Close() error
}

// wireMessage is a JSON-RPC 2.0 frame on the server's stdio transport.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// stdioClient speaks newline-delimited JSON-RPC to a spawned server process.
type stdioClient struct {
	name string
	cmd  *exec.Cmd

	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu      sync.Mutex
	pending map[int64]chan *wireMessage
	closed  bool
	msgID   atomic.Int64

	stderrMu   sync.Mutex
	stderrTail []string

	serverInfo *ServerInfo
}

// dialStdio spawns the configured command and wires up the transport. The
// handshake has not run yet; callers follow up with Initialize.
func dialStdio(name string, cfg ServerConfig) (*stdioClient, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("server %s: command is required", name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start server: %w", err)
	}

	c := &stdioClient{
		name:    name,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		pending: make(map[int64]chan *wireMessage),
	}

	go c.readLoop()
	go c.drainStderr(stderr)

	return c, nil
}

func (c *stdioClient) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		if msg.ID == nil {
			// Server-initiated notifications are not part of the hub's
			// contract; drop them.
			continue
		}

		c.mu.Lock()
		if ch, ok := c.pending[*msg.ID]; ok {
			ch <- &msg
			delete(c.pending, *msg.ID)
		}
		c.mu.Unlock()
	}

	// Transport gone: fail every pending call.
	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// drainStderr keeps a short tail of the server's stderr for error messages.
func (c *stdioClient) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		c.stderrMu.Lock()
		c.stderrTail = append(c.stderrTail, scanner.Text())
		if len(c.stderrTail) > 20 {
			c.stderrTail = c.stderrTail[len(c.stderrTail)-20:]
		}
		c.stderrMu.Unlock()
	}
}

// StderrTail returns the most recent stderr lines from the server process.
func (c *stdioClient) StderrTail() []string {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	out := make([]string, len(c.stderrTail))
	copy(out, c.stderrTail)
	return out
}

func (c *stdioClient) call(ctx context.Context, method string, params any) (*wireMessage, error) {
	id := c.msgID.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		var err error
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	frame, err := json.Marshal(wireMessage{
		JSONRPC: "2.0",
		ID:      &id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}

	respCh := make(chan *wireMessage, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("server %s: connection closed", c.name)
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	if _, err := c.stdin.Write(append(frame, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("write frame: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("server %s: connection closed mid-call", c.name)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Initialize performs the capability handshake and the follow-up
// initialized notification.
func (c *stdioClient) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"clientInfo": map[string]any{
			"name":    "switchboard",
			"version": "1.0.0",
		},
	}

	resp, err := c.call(ctx, "initialize", params)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ServerInfo  ServerInfo `json:"serverInfo"`
		ProtocolVer string     `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("parse initialize result: %w", err)
	}
	result.ServerInfo.ProtocolVer = result.ProtocolVer
	c.serverInfo = &result.ServerInfo

	notif, _ := json.Marshal(wireMessage{JSONRPC: "2.0", Method: "notifications/initialized"})
	if _, err := c.stdin.Write(append(notif, '\n')); err != nil {
		return fmt.Errorf("send initialized: %w", err)
	}
	return nil
}

// ListTools fetches the server's tool capabilities.
func (c *stdioClient) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return result.Tools, nil
}

// ListResources fetches the server's resource capabilities.
func (c *stdioClient) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	resp, err := c.call(ctx, "resources/list", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Resources []ResourceDescriptor `json:"resources"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse resources list: %w", err)
	}
	return result.Resources, nil
}

// CallTool invokes one tool on the server.
func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}

	var result ToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tool result: %w", err)
	}
	return &result, nil
}

// ReadResource reads one resource from the server.
func (c *stdioClient) ReadResource(ctx context.Context, uri string) ([]ContentBlock, error) {
	resp, err := c.call(ctx, "resources/read", map[string]any{"uri": uri})
	if err != nil {
		return nil, err
	}

	var result struct {
		Contents []ContentBlock `json:"contents"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse resource: %w", err)
	}
	return result.Contents, nil
}

// ServerInfo returns the handshake metadata, nil before Initialize.
func (c *stdioClient) ServerInfo() *ServerInfo {
	return c.serverInfo
}

// Close tears down the transport and waits briefly for the process to exit
// before killing it.
func (c *stdioClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.stdin.Close()
	c.stdout.Close()

	done := make(chan error, 1)
	go func() {
		done <- c.cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-done
	}
	return nil
}
