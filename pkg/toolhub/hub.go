package toolhub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/switchboard/pkg/observability"
)

// Status is a server's connection lifecycle state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// ServerState is an externally-visible snapshot of one managed server.
// Snapshots share nothing with the hub's internal map.
type ServerState struct {
	Name      string
	Config    ServerConfig
	Status    Status
	Err       string
	Tools     []ToolDescriptor
	Resources []ResourceDescriptor
}

// Dialer opens a connection for one server descriptor. Exchanged in tests.
type Dialer func(name string, cfg ServerConfig) (CapabilityClient, error)

type serverEntry struct {
	config    ServerConfig
	status    Status
	errMsg    string
	client    CapabilityClient
	tools     []ToolDescriptor
	resources []ResourceDescriptor
}

// Hub owns the set of configured tool servers. A single reconcile runs at a
// time logically: a newer configuration supersedes any in-flight reconcile,
// whose stale connects are closed rather than leaked.
type Hub struct {
	docPath        string
	dial           Dialer
	connectTimeout time.Duration
	logger         *observability.Logger

	mu         sync.Mutex
	servers    map[string]*serverEntry
	order      []string
	generation uint64
	inFlight   context.CancelFunc
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithDialer replaces the stdio dialer.
func WithDialer(d Dialer) HubOption {
	return func(h *Hub) {
		if d != nil {
			h.dial = d
		}
	}
}

// WithConnectTimeout bounds each server's connect handshake.
func WithConnectTimeout(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.connectTimeout = d
		}
	}
}

// NewHub creates a hub bound to a configuration document path.
func NewHub(docPath string, logger *observability.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = observability.Nop()
	}
	h := &Hub{
		docPath: docPath,
		dial: func(name string, cfg ServerConfig) (CapabilityClient, error) {
			return dialStdio(name, cfg)
		},
		connectTimeout: DefaultConnectTimeout,
		logger:         logger,
		servers:        make(map[string]*serverEntry),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// DocumentPath returns the configuration document's path.
func (h *Hub) DocumentPath() string {
	return h.docPath
}

// LoadDocument reads and validates the hub's configuration document.
// Failures are user-facing *ConfigError values; the hub keeps running with
// whatever servers are already connected.
func (h *Hub) LoadDocument() (*Document, error) {
	doc, err := LoadDocument(h.docPath)
	if err != nil {
		observability.ConfigReloads.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.ConfigReloads.WithLabelValues("ok").Inc()
	return doc, nil
}

// reconcilePlan is the name-wise diff between the running set and a new
// document.
type reconcilePlan struct {
	add    []string
	remove []string
	change []string
}

// Reconcile drives the running server set to match the document. Servers
// with unchanged descriptors are left untouched; changed ones reconnect;
// removed ones disconnect. A reconcile started while another is in flight
// supersedes it: the older generation's connects are cancelled and closed.
// Per-server connect failures are contained and recorded on that server's
// status; the returned error aggregates them for logging convenience.
func (h *Hub) Reconcile(ctx context.Context, doc *Document) error {
	h.mu.Lock()

	if h.inFlight != nil {
		h.inFlight()
	}
	ctx, cancel := context.WithCancel(ctx)
	h.inFlight = cancel

	h.generation++
	gen := h.generation

	plan := h.planLocked(doc)

	// Take over the connections being dropped so they can close outside
	// the lock.
	var closing []CapabilityClient
	for _, name := range plan.remove {
		if entry := h.servers[name]; entry != nil && entry.client != nil {
			closing = append(closing, entry.client)
		}
		delete(h.servers, name)
	}
	for _, name := range plan.change {
		if entry := h.servers[name]; entry != nil && entry.client != nil {
			closing = append(closing, entry.client)
			entry.client = nil
		}
	}

	// Seed entries for everything the new document names, preserving its
	// display order.
	h.order = append([]string(nil), doc.Order...)
	var connecting []string
	for _, name := range append(plan.add, plan.change...) {
		cfg := doc.Servers[name]
		entry := &serverEntry{config: cfg}
		if cfg.Disabled {
			entry.status = StatusDisconnected
		} else {
			entry.status = StatusConnecting
			connecting = append(connecting, name)
		}
		h.servers[name] = entry
	}
	h.mu.Unlock()

	for _, client := range closing {
		if err := client.Close(); err != nil {
			h.logger.Warn("closing replaced server", slog.String("error", err.Error()))
		}
	}
	h.refreshConnectedGauge()

	if len(connecting) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(4)
	for _, name := range connecting {
		name := name
		g.Go(func() error {
			return h.connectOne(ctx, gen, name)
		})
	}
	err := g.Wait()
	h.refreshConnectedGauge()
	return err
}

// planLocked diffs the document against the running set by name.
func (h *Hub) planLocked(doc *Document) reconcilePlan {
	var plan reconcilePlan

	for _, name := range doc.Order {
		newCfg := doc.Servers[name]
		entry, exists := h.servers[name]
		switch {
		case !exists:
			plan.add = append(plan.add, name)
		case !entry.config.Equal(newCfg):
			plan.change = append(plan.change, name)
		}
	}
	for name := range h.servers {
		if _, keep := doc.Servers[name]; !keep {
			plan.remove = append(plan.remove, name)
		}
	}
	return plan
}

// connectOne dials and handshakes a single server. The generation check
// keeps a superseded reconcile from installing a stale connection: if a
// newer reconcile has started, the fresh connection is closed instead.
func (h *Hub) connectOne(ctx context.Context, gen uint64, name string) error {
	h.mu.Lock()
	entry, ok := h.servers[name]
	if !ok || h.generation != gen {
		h.mu.Unlock()
		return nil
	}
	cfg := entry.config
	h.mu.Unlock()

	logger := h.logger.WithServer(name)

	client, tools, resources, err := h.establish(ctx, name, cfg)

	h.mu.Lock()
	entry, ok = h.servers[name]
	stale := !ok || h.generation != gen
	if stale {
		h.mu.Unlock()
		if client != nil {
			_ = client.Close()
		}
		if err == nil {
			logger.Debug("discarding connection from superseded reconcile")
		}
		return nil
	}

	if err != nil {
		entry.status = StatusError
		entry.errMsg = err.Error()
		entry.client = nil
		entry.tools = nil
		entry.resources = nil
		h.mu.Unlock()
		observability.ToolServerConnects.WithLabelValues("error").Inc()
		logger.Error("tool server connect failed", slog.String("error", err.Error()))
		return fmt.Errorf("%s: %w", name, err)
	}

	entry.status = StatusConnected
	entry.errMsg = ""
	entry.client = client
	entry.tools = tools
	entry.resources = resources
	h.mu.Unlock()

	observability.ToolServerConnects.WithLabelValues("ok").Inc()
	logger.Info("tool server connected",
		slog.Int("tools", len(tools)),
		slog.Int("resources", len(resources)),
	)
	return nil
}

// establish dials, handshakes, and enumerates capabilities.
func (h *Hub) establish(ctx context.Context, name string, cfg ServerConfig) (CapabilityClient, []ToolDescriptor, []ResourceDescriptor, error) {
	client, err := h.dial(name, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, h.connectTimeout)
	defer cancel()

	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, nil, nil, err
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		// Some servers expose no tools; capability discovery failures are
		// not fatal to the connection.
		tools = nil
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		resources = nil
	}

	return client, tools, resources, nil
}

// Servers returns an ordered snapshot of every configured server, including
// disabled and failed ones. Mutating the snapshot does not touch the hub.
func (h *Hub) Servers() []ServerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]ServerState, 0, len(h.servers))
	seen := make(map[string]bool, len(h.servers))
	for _, name := range h.order {
		if entry, ok := h.servers[name]; ok {
			out = append(out, snapshotEntry(name, entry))
			seen[name] = true
		}
	}
	for name, entry := range h.servers {
		if !seen[name] {
			out = append(out, snapshotEntry(name, entry))
		}
	}
	return out
}

func snapshotEntry(name string, entry *serverEntry) ServerState {
	state := ServerState{
		Name:   name,
		Config: entry.config,
		Status: entry.status,
		Err:    entry.errMsg,
	}
	state.Tools = append([]ToolDescriptor(nil), entry.tools...)
	state.Resources = append([]ResourceDescriptor(nil), entry.resources...)
	return state
}

// Server returns the snapshot for one name.
func (h *Hub) Server(name string) (ServerState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.servers[name]
	if !ok {
		return ServerState{}, false
	}
	return snapshotEntry(name, entry), true
}

// UpdateServerConfig persists a descriptor change through read-modify-write
// of the document, with full re-validation before the write, then reconciles.
func (h *Hub) UpdateServerConfig(ctx context.Context, name string, cfg ServerConfig) error {
	doc, err := h.rewriteDocument(func(doc *Document) {
		doc.Set(name, cfg)
	})
	if err != nil {
		return err
	}
	return h.Reconcile(ctx, doc)
}

// DeleteServerConfig removes a server from the document and disconnects it.
func (h *Hub) DeleteServerConfig(ctx context.Context, name string) error {
	doc, err := h.rewriteDocument(func(doc *Document) {
		doc.Delete(name)
	})
	if err != nil {
		return err
	}
	return h.Reconcile(ctx, doc)
}

// rewriteDocument serializes document writers: load, mutate, re-validate,
// atomically persist.
func (h *Hub) rewriteDocument(mutate func(*Document)) (*Document, error) {
	doc, err := LoadDocument(h.docPath)
	if err != nil {
		return nil, err
	}
	mutate(doc)
	if err := SaveDocument(h.docPath, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// CallTool invokes a tool on a connected server.
func (h *Hub) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*ToolResult, error) {
	h.mu.Lock()
	entry, ok := h.servers[serverName]
	var client CapabilityClient
	var timeout time.Duration
	if ok {
		client = entry.client
		timeout = entry.config.Timeout()
	}
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("server not configured: %s", serverName)
	}
	if client == nil {
		return nil, fmt.Errorf("server not connected: %s", serverName)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return client.CallTool(ctx, toolName, args)
}

// ReadResource reads a resource from a connected server.
func (h *Hub) ReadResource(ctx context.Context, serverName, uri string) ([]ContentBlock, error) {
	h.mu.Lock()
	entry, ok := h.servers[serverName]
	var client CapabilityClient
	if ok {
		client = entry.client
	}
	h.mu.Unlock()

	if !ok || client == nil {
		return nil, fmt.Errorf("server not connected: %s", serverName)
	}
	return client.ReadResource(ctx, uri)
}

// ToolWithServer pairs a tool descriptor with the server that provides it.
type ToolWithServer struct {
	Server string
	Tool   ToolDescriptor
}

// AllTools lists every tool across connected servers, in display order.
func (h *Hub) AllTools() []ToolWithServer {
	var out []ToolWithServer
	for _, state := range h.Servers() {
		for _, tool := range state.Tools {
			out = append(out, ToolWithServer{Server: state.Name, Tool: tool})
		}
	}
	return out
}

// FindTool locates a tool by name across connected servers.
func (h *Hub) FindTool(toolName string) (serverName string, tool *ToolDescriptor, found bool) {
	for _, state := range h.Servers() {
		for i := range state.Tools {
			if state.Tools[i].Name == toolName {
				return state.Name, &state.Tools[i], true
			}
		}
	}
	return "", nil, false
}

// HealthCheck probes each connected server with a capability enumeration.
func (h *Hub) HealthCheck(ctx context.Context, timeout time.Duration) map[string]bool {
	h.mu.Lock()
	clients := make(map[string]CapabilityClient, len(h.servers))
	for name, entry := range h.servers {
		if entry.client != nil {
			clients[name] = entry.client
		}
	}
	h.mu.Unlock()

	results := make(map[string]bool, len(clients))
	var resultsMu sync.Mutex
	var g errgroup.Group
	g.SetLimit(4)
	for name, client := range clients {
		name, client := name, client
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(ctx, timeout)
			_, err := client.ListTools(probeCtx)
			cancel()
			resultsMu.Lock()
			results[name] = err == nil
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Close disconnects every server and clears the set.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.inFlight != nil {
		h.inFlight()
		h.inFlight = nil
	}
	clients := make([]CapabilityClient, 0, len(h.servers))
	for _, entry := range h.servers {
		if entry.client != nil {
			clients = append(clients, entry.client)
		}
	}
	h.servers = make(map[string]*serverEntry)
	h.order = nil
	h.mu.Unlock()

	var errs []error
	for _, client := range clients {
		if err := client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	h.refreshConnectedGauge()
	return errors.Join(errs...)
}

func (h *Hub) refreshConnectedGauge() {
	h.mu.Lock()
	var connected int
	for _, entry := range h.servers {
		if entry.status == StatusConnected {
			connected++
		}
	}
	h.mu.Unlock()
	observability.ConnectedToolServers.Set(float64(connected))
}
