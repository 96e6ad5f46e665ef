// Package client owns the outbound MCP connections: one SDK session per
// configured server, capability caches, and a notification fan-out bus.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/auth"
	"github.com/1mcp-app/onemcp/pkg/config"
	"github.com/1mcp-app/onemcp/pkg/events"
	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/instructions"
	"github.com/1mcp-app/onemcp/pkg/version"
)

// NotificationKind distinguishes outbound change notifications republished
// on the manager's bus.
type NotificationKind string

const (
	NotificationToolsChanged     NotificationKind = "tools-list-changed"
	NotificationResourcesChanged NotificationKind = "resources-list-changed"
	NotificationPromptsChanged   NotificationKind = "prompts-list-changed"
	NotificationResourceUpdated  NotificationKind = "resource-updated"
)

// Notification is one outbound server's change event keyed by server name.
type Notification struct {
	Server string
	Kind   NotificationKind
	URI    string // set for NotificationResourceUpdated
}

// Connection is one outbound server's live state. The manager owns the
// canonical record; accessors hand out snapshot copies with shared
// capability slices that must be treated as read-only.
type Connection struct {
	Name          string
	Session       *mcpsdk.ClientSession
	Instructions  string
	Tools         []*mcpsdk.Tool
	Resources     []*mcpsdk.Resource
	Prompts       []*mcpsdk.Prompt
	LastConnected time.Time
}

// Manager owns the outbound connection map. It is the single writer;
// readers obtain snapshots.
type Manager struct {
	registry   *config.ServerRegistry
	provider   auth.Provider
	aggregator *instructions.Aggregator

	mu    sync.RWMutex
	conns map[string]*Connection

	// transportFactory is swappable for tests that wire in-memory servers.
	transportFactory func(ctx context.Context, name string, cfg config.TransportConfig, provider auth.Provider) (mcpsdk.Transport, error)

	bus    *events.Bus[Notification]
	logger *slog.Logger
}

// NewManager creates a client manager. provider and aggregator may be nil
// when the host does not use OAuth transports or instruction aggregation.
func NewManager(registry *config.ServerRegistry, provider auth.Provider, aggregator *instructions.Aggregator) *Manager {
	return &Manager{
		registry:   registry,
		provider:   provider,
		aggregator: aggregator,
		conns:      make(map[string]*Connection),

		transportFactory: createTransport,

		bus:    events.NewBus[Notification](),
		logger: slog.Default(),
	}
}

// Subscribe registers for outbound change notifications.
func (m *Manager) Subscribe() (<-chan Notification, func()) {
	return m.bus.Subscribe()
}

// CreateSingleClient connects one outbound server, populates its capability
// caches and instructions, and registers it in the connection map. The
// transport is released on every failure path. Returns
// *auth.OAuthRequiredError when the server demands authorization.
func (m *Manager) CreateSingleClient(ctx context.Context, name string, desc *config.ServerConfig) error {
	transport, err := m.transportFactory(ctx, name, desc.Transport, m.provider)
	if err != nil {
		return err
	}

	opts := &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, req *mcpsdk.ToolListChangedRequest) {
			m.handleListChanged(name, NotificationToolsChanged)
		},
		ResourceListChangedHandler: func(ctx context.Context, req *mcpsdk.ResourceListChangedRequest) {
			m.handleListChanged(name, NotificationResourcesChanged)
		},
		PromptListChangedHandler: func(ctx context.Context, req *mcpsdk.PromptListChangedRequest) {
			m.handleListChanged(name, NotificationPromptsChanged)
		},
		ResourceUpdatedHandler: func(ctx context.Context, req *mcpsdk.ResourceUpdatedNotificationRequest) {
			uri := ""
			if req.Params != nil {
				uri = req.Params.URI
			}
			m.bus.Publish(Notification{Server: name, Kind: NotificationResourceUpdated, URI: uri})
		},
	}

	mcpClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, opts)

	session, err := mcpClient.Connect(ctx, transport, nil)
	if err != nil {
		// Close the transport if it implements io.Closer so failed connects
		// don't leak stdio child processes.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to %q: %w", name, err)
	}

	conn := &Connection{
		Name:          name,
		Session:       session,
		LastConnected: time.Now(),
	}
	if init := session.InitializeResult(); init != nil {
		conn.Instructions = init.Instructions
	}
	if err := m.populateCaches(ctx, conn); err != nil {
		_ = session.Close()
		return fmt.Errorf("populate caches for %q: %w", name, err)
	}

	m.mu.Lock()
	if old, exists := m.conns[name]; exists {
		_ = old.Session.Close()
	}
	m.conns[name] = conn
	m.mu.Unlock()

	if m.aggregator != nil {
		m.aggregator.Set(name, conn.Instructions)
	}

	m.logger.Info("Outbound server connected",
		"server", name,
		"tools", len(conn.Tools),
		"resources", len(conn.Resources),
		"prompts", len(conn.Prompts))
	return nil
}

// populateCaches lists tools, resources, and prompts, following pagination
// cursors. Servers without the optional resource/prompt capabilities are
// cached as empty.
func (m *Manager) populateCaches(ctx context.Context, conn *Connection) error {
	tools, err := listTools(ctx, conn.Session)
	if err != nil {
		return err
	}
	conn.Tools = tools

	resources, err := listResources(ctx, conn.Session)
	if err != nil {
		if !isUnsupportedCapability(err) {
			m.logger.Warn("Listing resources failed", "server", conn.Name, "error", err)
		}
		resources = nil
	}
	conn.Resources = resources

	prompts, err := listPrompts(ctx, conn.Session)
	if err != nil {
		if !isUnsupportedCapability(err) {
			m.logger.Warn("Listing prompts failed", "server", conn.Name, "error", err)
		}
		prompts = nil
	}
	conn.Prompts = prompts
	return nil
}

func listTools(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Tool, error) {
	var tools []*mcpsdk.Tool
	var cursor string
	for {
		result, err := session.ListTools(ctx, &mcpsdk.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

func listResources(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Resource, error) {
	var resources []*mcpsdk.Resource
	var cursor string
	for {
		result, err := session.ListResources(ctx, &mcpsdk.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

func listPrompts(ctx context.Context, session *mcpsdk.ClientSession) ([]*mcpsdk.Prompt, error) {
	var prompts []*mcpsdk.Prompt
	var cursor string
	for {
		result, err := session.ListPrompts(ctx, &mcpsdk.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

// handleListChanged refreshes the relevant cache and republishes the event.
// Refreshing runs off the notification goroutine so a slow re-list cannot
// stall the session's receive loop.
func (m *Manager) handleListChanged(name string, kind NotificationKind) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), OperationTimeout)
		defer cancel()

		m.mu.RLock()
		conn, ok := m.conns[name]
		m.mu.RUnlock()
		if !ok {
			return
		}

		switch kind {
		case NotificationToolsChanged:
			if tools, err := listTools(ctx, conn.Session); err == nil {
				m.mu.Lock()
				conn.Tools = tools
				m.mu.Unlock()
			} else {
				m.logger.Warn("Tool cache refresh failed", "server", name, "error", err)
			}
		case NotificationResourcesChanged:
			if resources, err := listResources(ctx, conn.Session); err == nil {
				m.mu.Lock()
				conn.Resources = resources
				m.mu.Unlock()
			} else {
				m.logger.Warn("Resource cache refresh failed", "server", name, "error", err)
			}
		case NotificationPromptsChanged:
			if prompts, err := listPrompts(ctx, conn.Session); err == nil {
				m.mu.Lock()
				conn.Prompts = prompts
				m.mu.Unlock()
			} else {
				m.logger.Warn("Prompt cache refresh failed", "server", name, "error", err)
			}
		}

		m.bus.Publish(Notification{Server: name, Kind: kind})
	}()
}

// GetClient returns a snapshot of one connection.
func (m *Manager) GetClient(name string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// GetClients returns a snapshot of all connections keyed by server name.
func (m *Manager) GetClients() map[string]Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Connection, len(m.conns))
	for name, conn := range m.conns {
		out[name] = *conn
	}
	return out
}

// ConnectedNames returns the names of live connections, sorted.
func (m *Manager) ConnectedNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Candidates exposes every configured server for filtering: name, tags,
// disabled flag. Implements the preset store's server source.
func (m *Manager) Candidates() []filter.Candidate {
	servers := m.registry.GetAll()
	out := make([]filter.Candidate, 0, len(servers))
	for name, desc := range servers {
		out = append(out, filter.Candidate{
			Name:     name,
			Tags:     desc.Tags,
			Disabled: desc.Disabled,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RemoveClient closes one connection and evicts its caches and aggregator
// entry. Unknown names are a no-op.
func (m *Manager) RemoveClient(name string) {
	m.mu.Lock()
	conn, ok := m.conns[name]
	if ok {
		delete(m.conns, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := conn.Session.Close(); err != nil {
		m.logger.Warn("Closing outbound session failed", "server", name, "error", err)
	}
	if m.aggregator != nil {
		m.aggregator.Remove(name)
	}
}

// ReplaceAll atomically swaps the connection map. Old connections not
// present in the new map are closed. Used by config reload.
func (m *Manager) ReplaceAll(conns map[string]*Connection) {
	m.mu.Lock()
	old := m.conns
	if conns == nil {
		conns = make(map[string]*Connection)
	}
	m.conns = conns
	m.mu.Unlock()

	for name, conn := range old {
		if _, kept := conns[name]; kept {
			continue
		}
		if err := conn.Session.Close(); err != nil {
			m.logger.Warn("Closing outbound session failed", "server", name, "error", err)
		}
		if m.aggregator != nil {
			m.aggregator.Remove(name)
		}
	}
}

// Close shuts down every outbound session.
func (m *Manager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	var firstErr error
	for name, conn := range conns {
		if err := conn.Session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close session %q: %w", name, err)
		}
	}
	m.bus.Close()
	return firstErr
}

// CallTool executes a tool on the named server with one recovery retry for
// transport-level failures.
func (m *Manager) CallTool(ctx context.Context, name string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	result, err := m.callToolOnce(ctx, name, params)
	if err == nil {
		return result, nil
	}

	action := ClassifyError(err)
	if action == NoRetry {
		return nil, err
	}

	m.logger.Info("Outbound call failed, retrying",
		"server", name, "tool", params.Name, "action", action, "error", err)

	backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if action == RetryNewSession {
		if err := m.recreateSession(ctx, name); err != nil {
			return nil, fmt.Errorf("session recreation failed for %q: %w", name, err)
		}
	}

	result, err = m.callToolOnce(ctx, name, params)
	if err != nil {
		return nil, fmt.Errorf("retry failed for %q.%s: %w", name, params.Name, err)
	}
	return result, nil
}

func (m *Manager) callToolOnce(ctx context.Context, name string, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := m.sessionFor(name)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

// ReadResource forwards a resource read to the named server.
func (m *Manager) ReadResource(ctx context.Context, name string, params *mcpsdk.ReadResourceParams) (*mcpsdk.ReadResourceResult, error) {
	session, err := m.sessionFor(name)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.ReadResource(opCtx, params)
}

// GetPrompt forwards a prompt fetch to the named server.
func (m *Manager) GetPrompt(ctx context.Context, name string, params *mcpsdk.GetPromptParams) (*mcpsdk.GetPromptResult, error) {
	session, err := m.sessionFor(name)
	if err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.GetPrompt(opCtx, params)
}

// SubscribeResource forwards a resource subscription to the named server.
func (m *Manager) SubscribeResource(ctx context.Context, name string, params *mcpsdk.SubscribeParams) error {
	session, err := m.sessionFor(name)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.Subscribe(opCtx, params)
}

// UnsubscribeResource removes a resource subscription on the named server.
func (m *Manager) UnsubscribeResource(ctx context.Context, name string, params *mcpsdk.UnsubscribeParams) error {
	session, err := m.sessionFor(name)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.Unsubscribe(opCtx, params)
}

func (m *Manager) sessionFor(name string) (*mcpsdk.ClientSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	if !ok {
		return nil, fmt.Errorf("no session for server %q", name)
	}
	return conn.Session, nil
}

// recreateSession tears down and reconnects one server after a transport
// failure detected mid-call.
func (m *Manager) recreateSession(ctx context.Context, name string) error {
	desc, err := m.registry.Get(name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if conn, ok := m.conns[name]; ok {
		_ = conn.Session.Close()
		delete(m.conns, name)
	}
	m.mu.Unlock()

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	return m.CreateSingleClient(reinitCtx, name, desc)
}
