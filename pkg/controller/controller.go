// Package controller composes the request bridge, stream coordinator, tool
// hub, and edit sessions into the host-facing method surface.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/odvcencio/switchboard/pkg/bridge"
	"github.com/odvcencio/switchboard/pkg/config"
	"github.com/odvcencio/switchboard/pkg/editsession"
	"github.com/odvcencio/switchboard/pkg/emitter"
	"github.com/odvcencio/switchboard/pkg/observability"
	"github.com/odvcencio/switchboard/pkg/stream"
	"github.com/odvcencio/switchboard/pkg/toolhub"
)

// Lifecycle event names published on the controller's emitter.
const (
	EventHubReconciled = "hub.reconciled"
	EventToolCalled    = "tool.called"
	EventEditOpened    = "edit.opened"
	EventEditSaved     = "edit.saved"
	EventEditClosed    = "edit.closed"
)

// Controller is the single logical owner of all mutations. Components are
// driven from here; subscribers only ever read.
type Controller struct {
	cfg    *config.Config
	logger *observability.Logger

	dispatcher  *bridge.Dispatcher
	coordinator *stream.Coordinator
	hub         *toolhub.Hub
	sessions    *editsession.Manager
	events      *emitter.Emitter[map[string]any]

	watcher *toolhub.Watcher
}

// Option configures a Controller.
type Option func(*options)

type options struct {
	hubOpts     []toolhub.HubOption
	sessionOpts []editsession.ManagerOption
	streamOpts  []stream.Option
}

// WithHubOptions forwards options to the tool hub, for dialer injection.
func WithHubOptions(opts ...toolhub.HubOption) Option {
	return func(o *options) { o.hubOpts = append(o.hubOpts, opts...) }
}

// WithSessionOptions forwards options to the edit session manager.
func WithSessionOptions(opts ...editsession.ManagerOption) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithStreamOptions forwards options to the stream coordinator.
func WithStreamOptions(opts ...stream.Option) Option {
	return func(o *options) { o.streamOpts = append(o.streamOpts, opts...) }
}

// New builds a controller over the given transport.
func New(cfg *config.Config, transport *bridge.Transport, logger *observability.Logger, opts ...Option) *Controller {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = observability.Nop()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	streamOpts := append([]stream.Option{
		stream.WithQuietPeriod(cfg.Stream.QuietPeriod()),
		stream.WithFanOutLimit(cfg.Stream.FanOutLimit),
	}, o.streamOpts...)

	hubOpts := append([]toolhub.HubOption{
		toolhub.WithConnectTimeout(cfg.Hub.ConnectTimeout()),
	}, o.hubOpts...)

	c := &Controller{
		cfg:         cfg,
		logger:      logger,
		dispatcher:  bridge.NewDispatcher(transport, bridge.NewRegistry(), logger),
		coordinator: stream.NewCoordinator(logger, streamOpts...),
		hub:         toolhub.NewHub(cfg.Hub.DocumentPath, logger, hubOpts...),
		sessions:    editsession.NewManager(logger, o.sessionOpts...),
		events:      emitter.New[map[string]any](logger),
	}
	c.registerMethods()
	return c
}

// Coordinator exposes the stream coordinator for attach surfaces.
func (c *Controller) Coordinator() *stream.Coordinator { return c.coordinator }

// Hub exposes the tool hub.
func (c *Controller) Hub() *toolhub.Hub { return c.hub }

// Events exposes the lifecycle emitter.
func (c *Controller) Events() *emitter.Emitter[map[string]any] { return c.events }

// Serve loads the tool server document, starts watching it, and runs the
// dispatcher until the transport closes or ctx is cancelled.
func (c *Controller) Serve(ctx context.Context) error {
	if doc, err := c.hub.LoadDocument(); err != nil {
		// A broken document is not fatal; the hub starts empty and the
		// watcher picks up the fix.
		c.logger.Error("initial tool server config rejected", slog.String("error", err.Error()))
	} else if err := c.hub.Reconcile(ctx, doc); err != nil {
		c.logger.Warn("initial reconcile incomplete", slog.String("error", err.Error()))
	}

	watcher, err := toolhub.NewWatcher(c.hub.DocumentPath(), c.cfg.Hub.WatchDebounce(), func(doc *toolhub.Document) {
		if err := c.hub.Reconcile(ctx, doc); err != nil {
			c.logger.Warn("reconcile incomplete", slog.String("error", err.Error()))
		}
		c.emitEvent(ctx, EventHubReconciled, map[string]any{"servers": len(doc.Servers)})
	}, c.logger)
	if err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	c.watcher = watcher

	defer c.shutdown()
	return c.dispatcher.Serve(ctx)
}

func (c *Controller) shutdown() {
	// Silence lifecycle listeners before tearing components down so
	// teardown noise does not reach them.
	c.events.SetEnabled(false)
	if c.watcher != nil {
		_ = c.watcher.Stop()
	}
	c.sessions.CloseAll()
	c.coordinator.Close()
	if err := c.hub.Close(); err != nil {
		c.logger.Warn("hub shutdown", slog.String("error", err.Error()))
	}
}

func (c *Controller) emitEvent(ctx context.Context, name string, payload map[string]any) {
	c.events.Emit(ctx, name, payload)
}

func (c *Controller) registerMethods() {
	c.dispatcher.HandleStreaming("state/subscribe", c.handleStateSubscribe)
	c.dispatcher.HandleUnary("state/full", c.handleStateFull)
	c.dispatcher.HandleUnary("task/partial", c.handleTaskPartial)

	c.dispatcher.HandleUnary("tools/list", c.handleToolsList)
	c.dispatcher.HandleUnary("tools/call", c.handleToolsCall)

	c.dispatcher.HandleUnary("hub/servers", c.handleHubServers)
	c.dispatcher.HandleUnary("hub/updateServer", c.handleHubUpdateServer)
	c.dispatcher.HandleUnary("hub/deleteServer", c.handleHubDeleteServer)

	c.dispatcher.HandleUnary("edit/open", c.handleEditOpen)
	c.dispatcher.HandleUnary("edit/applyRange", c.handleEditApplyRange)
	c.dispatcher.HandleUnary("edit/truncate", c.handleEditTruncate)
	c.dispatcher.HandleUnary("edit/save", c.handleEditSave)
	c.dispatcher.HandleUnary("edit/close", c.handleEditClose)
}

func decodeParams[T any](params json.RawMessage, dst *T) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// handleStateSubscribe attaches the caller as a live subscriber. The call
// stays open, relaying framed updates as stream payloads, until the caller
// cancels it.
func (c *Controller) handleStateSubscribe(ctx context.Context, _ json.RawMessage, emit bridge.Sink) (any, error) {
	sub, err := c.coordinator.Subscribe(func(ev stream.Event) error {
		emit(ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer c.coordinator.Unsubscribe(sub.ID)

	<-ctx.Done()
	return nil, nil
}

func (c *Controller) handleStateFull(_ context.Context, _ json.RawMessage) (any, error) {
	return map[string]any{"state": c.coordinator.FullState()}, nil
}

type taskPartialParams struct {
	Payload json.RawMessage `json:"payload"`
}

// handleTaskPartial feeds one incremental task delta into the coordinator.
func (c *Controller) handleTaskPartial(_ context.Context, params json.RawMessage) (any, error) {
	var p taskPartialParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	c.coordinator.SendPartial(p.Payload)
	return map[string]any{"accepted": true}, nil
}

func (c *Controller) handleToolsList(_ context.Context, _ json.RawMessage) (any, error) {
	tools := c.hub.AllTools()
	out := make([]map[string]any, 0, len(tools))
	for _, entry := range tools {
		out = append(out, map[string]any{
			"server":      entry.Server,
			"name":        entry.Tool.Name,
			"description": entry.Tool.Description,
			"inputSchema": entry.Tool.InputSchema,
		})
	}
	return map[string]any{"tools": out}, nil
}

type toolsCallParams struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
}

func (c *Controller) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p toolsCallParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Server == "" {
		// Unqualified calls route by tool name.
		server, _, found := c.hub.FindTool(p.Tool)
		if !found {
			return nil, fmt.Errorf("no connected server provides tool %q", p.Tool)
		}
		p.Server = server
	}

	result, err := c.hub.CallTool(ctx, p.Server, p.Tool, p.Args)
	if err != nil {
		return nil, err
	}
	c.emitEvent(ctx, EventToolCalled, map[string]any{"server": p.Server, "tool": p.Tool})
	return result, nil
}

func (c *Controller) handleHubServers(_ context.Context, _ json.RawMessage) (any, error) {
	states := c.hub.Servers()
	out := make([]map[string]any, 0, len(states))
	for _, s := range states {
		entry := map[string]any{
			"name":     s.Name,
			"command":  s.Config.Command,
			"args":     s.Config.Args,
			"disabled": s.Config.Disabled,
			"status":   string(s.Status),
			"tools":    len(s.Tools),
		}
		if s.Err != "" {
			entry["error"] = s.Err
		}
		out = append(out, entry)
	}
	return map[string]any{"servers": out}, nil
}

type updateServerParams struct {
	Name   string               `json:"name"`
	Config toolhub.ServerConfig `json:"config"`
}

func (c *Controller) handleHubUpdateServer(ctx context.Context, params json.RawMessage) (any, error) {
	var p updateServerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("server name required")
	}
	if err := c.hub.UpdateServerConfig(ctx, p.Name, p.Config); err != nil {
		return nil, err
	}
	c.emitEvent(ctx, EventHubReconciled, map[string]any{"updated": p.Name})
	return map[string]any{"name": p.Name}, nil
}

type deleteServerParams struct {
	Name string `json:"name"`
}

func (c *Controller) handleHubDeleteServer(ctx context.Context, params json.RawMessage) (any, error) {
	var p deleteServerParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("server name required")
	}
	if err := c.hub.DeleteServerConfig(ctx, p.Name); err != nil {
		return nil, err
	}
	c.emitEvent(ctx, EventHubReconciled, map[string]any{"deleted": p.Name})
	return map[string]any{"name": p.Name}, nil
}

type editOpenParams struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (c *Controller) handleEditOpen(ctx context.Context, params json.RawMessage) (any, error) {
	var p editOpenParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path required")
	}

	session, err := c.sessions.Open(p.Path, p.Content)
	if err != nil {
		return nil, err
	}
	c.emitEvent(ctx, EventEditOpened, map[string]any{"path": p.Path})
	return map[string]any{
		"handle": session.Handle(),
		"path":   session.Path(),
		"state":  string(session.State()),
	}, nil
}

type editApplyRangeParams struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
}

func (c *Controller) handleEditApplyRange(_ context.Context, params json.RawMessage) (any, error) {
	var p editApplyRangeParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	session, ok := c.sessions.Get(p.Path)
	if !ok {
		return nil, fmt.Errorf("no open edit session for %s", p.Path)
	}
	if err := session.ApplyRange(p.Content, p.StartLine, p.EndLine); err != nil {
		return nil, err
	}
	c.publishEditPreview(session)
	return map[string]any{"path": p.Path}, nil
}

type editTruncateParams struct {
	Path string `json:"path"`
	Line int    `json:"line"`
}

func (c *Controller) handleEditTruncate(_ context.Context, params json.RawMessage) (any, error) {
	var p editTruncateParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	session, ok := c.sessions.Get(p.Path)
	if !ok {
		return nil, fmt.Errorf("no open edit session for %s", p.Path)
	}
	if err := session.Truncate(p.Line); err != nil {
		return nil, err
	}
	c.publishEditPreview(session)
	return map[string]any{"path": p.Path}, nil
}

// publishEditPreview streams the pending diff so subscribers render the
// in-progress edit live, well before the explicit save.
func (c *Controller) publishEditPreview(session *editsession.Session) {
	preview, ok := session.BuildPreview()
	if !ok {
		return
	}
	c.coordinator.SendPartial(map[string]any{"edit": preview})
}

type editPathParams struct {
	Path string `json:"path"`
}

func (c *Controller) handleEditSave(ctx context.Context, params json.RawMessage) (any, error) {
	var p editPathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	session, ok := c.sessions.Get(p.Path)
	if !ok {
		return nil, fmt.Errorf("no open edit session for %s", p.Path)
	}

	saved := session.Save()
	if saved {
		c.emitEvent(ctx, EventEditSaved, map[string]any{"path": p.Path})
	}
	return map[string]any{"path": p.Path, "saved": saved}, nil
}

func (c *Controller) handleEditClose(ctx context.Context, params json.RawMessage) (any, error) {
	var p editPathParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	c.sessions.Close(p.Path)
	c.emitEvent(ctx, EventEditClosed, map[string]any{"path": p.Path})
	return map[string]any{"path": p.Path}, nil
}
