// Package proxy maintains per-session views over the outbound fleet:
// namespaced capability aggregation, request routing, and coalesced change
// notifications.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/client"
	"github.com/1mcp-app/onemcp/pkg/config"
	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/instructions"
	"github.com/1mcp-app/onemcp/pkg/loader"
)

// InitializeInfo is what an inbound session learns on initialize:
// aggregated instructions plus the capability surface of its filtered view.
type InitializeInfo struct {
	Instructions string
	ServerNames  []string
	HasTools     bool
	HasResources bool
	HasPrompts   bool
}

// Manager is the server-side counterpart of the client manager: it owns
// inbound sessions and translates between the namespaced surface and the
// outbound fleet.
type Manager struct {
	clients    *client.Manager
	tracker    *loader.Tracker
	resolver   filter.Resolver
	aggregator *instructions.Aggregator

	notifCfg config.NotificationConfig
	// template is the host-supplied instruction template; empty selects the
	// built-in default.
	template string

	mu       sync.RWMutex
	sessions map[string]*Session

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewManager wires the per-session view layer. resolver (the preset store)
// and aggregator may be nil in reduced hosts.
func NewManager(clients *client.Manager, tracker *loader.Tracker, resolver filter.Resolver, aggregator *instructions.Aggregator, notifCfg config.NotificationConfig, template string) *Manager {
	return &Manager{
		clients:    clients,
		tracker:    tracker,
		resolver:   resolver,
		aggregator: aggregator,
		notifCfg:   notifCfg,
		template:   template,
		sessions:   make(map[string]*Session),
		logger:     slog.Default(),
	}
}

// Start launches the notification dispatch loop. Stop cancels it.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	notifCh, cancelNotif := m.clients.Subscribe()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelNotif()
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-notifCh:
				if !ok {
					return
				}
				m.dispatch(n)
			}
		}
	}()

	if m.aggregator != nil {
		instrCh, cancelInstr := m.aggregator.Subscribe()
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer cancelInstr()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-instrCh:
					if !ok {
						return
					}
					// Instructions surface on the next initialize; the
					// change itself has no wire-level notification.
					m.logger.Debug("Instructions changed", "servers", ev.Servers)
				}
			}
		}()
	}
}

// Stop halts dispatch and closes every session.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range sessions {
		sess.coalescer.Close()
	}
}

// OpenSession validates the session options and registers the session.
// send receives each coalesced notification batch; the transport glue maps
// kinds onto wire notifications.
func (m *Manager) OpenSession(opts SessionOptions, send func([]client.Notification)) (*Session, error) {
	spec, err := opts.filterSpec()
	if err != nil {
		return nil, err
	}
	namer, err := NewNamer(opts.ToolPattern)
	if err != nil {
		return nil, NewInvalidParams(err.Error(), -1)
	}

	sess := newSession(opts, spec, namer)
	sess.send = send

	window := m.notifCfg.BatchDelay()
	if !m.notifCfg.BatchingEnabled() {
		window = 0
	}
	sess.coalescer = newCoalescer(window, m.notifCfg.QueueSize, func(batch []client.Notification) {
		if sess.send != nil {
			sess.send(batch)
		}
	})

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("Inbound session opened", "session", sess.ID, "mode", spec.Mode)
	return sess, nil
}

// CloseSession drops a session and its pending notifications.
func (m *Manager) CloseSession(id string) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if ok {
		sess.coalescer.Close()
		m.logger.Info("Inbound session closed", "session", id)
	}
}

// dispatch fans one outbound change event out to every session whose
// filtered view contains the server.
func (m *Manager) dispatch(n client.Notification) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		view, _, err := m.view(sess)
		if err != nil {
			continue
		}
		for _, c := range view {
			if c.Name == n.Server {
				sess.coalescer.Add(n)
				break
			}
		}
	}
}

// view applies the session's filter to the configured fleet.
func (m *Manager) view(sess *Session) ([]filter.Candidate, filter.Summary, error) {
	return filter.Apply(m.clients.Candidates(), sess.spec, m.resolver)
}

// readyServers returns the filtered servers that are Ready, in
// lexicographic order, along with their live connections.
func (m *Manager) readyServers(sess *Session) ([]client.Connection, error) {
	view, _, err := m.view(sess)
	if err != nil {
		return nil, WrapOutbound("", err)
	}
	conns := make([]client.Connection, 0, len(view))
	for _, c := range view {
		if !m.isReady(c.Name) {
			continue
		}
		conn, ok := m.clients.GetClient(c.Name)
		if !ok {
			continue
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// isReady consults the loading tracker; without one, a live connection
// counts as ready.
func (m *Manager) isReady(name string) bool {
	if m.tracker == nil {
		_, ok := m.clients.GetClient(name)
		return ok
	}
	info, ok := m.tracker.Get(name)
	return ok && info.State == loader.StateReady
}

// viewNames returns the filtered server names regardless of readiness.
func (m *Manager) viewNames(sess *Session) []string {
	view, _, err := m.view(sess)
	if err != nil {
		return nil
	}
	return filter.Names(view)
}

// Initialize aggregates the session's capabilities and instructions.
func (m *Manager) Initialize(ctx context.Context, sess *Session) (_ *InitializeInfo, err error) {
	defer guard(&err)
	conns, err := m.readyServers(sess)
	if err != nil {
		return nil, err
	}

	info := &InitializeInfo{}
	for _, conn := range conns {
		info.ServerNames = append(info.ServerNames, conn.Name)
		info.HasTools = info.HasTools || len(conn.Tools) > 0
		info.HasResources = info.HasResources || len(conn.Resources) > 0
		info.HasPrompts = info.HasPrompts || len(conn.Prompts) > 0
	}

	if m.aggregator != nil {
		serverView := make([]instructions.ServerView, 0, len(conns))
		for _, conn := range conns {
			serverView = append(serverView, instructions.ServerView{Name: conn.Name, Connected: true})
		}
		rendered, _ := m.aggregator.Render(m.template, serverView, instructions.RenderOptions{
			FilterContext: filterContext(sess.spec),
			ToolPattern:   sess.namer.Join("{server}", "{tool}"),
		})
		info.Instructions = rendered
	}
	return info, nil
}

// filterContext describes the active filter for instruction templates.
func filterContext(spec filter.Spec) string {
	switch spec.Mode {
	case filter.ModeSimpleOr:
		return fmt.Sprintf("tags: %v", spec.Tags)
	case filter.ModeAdvanced:
		return "expression: " + spec.Expression
	case filter.ModePreset:
		return "preset: " + spec.Preset
	case filter.ModeQuery:
		return "structured tag query"
	default:
		return ""
	}
}

// ListTools returns the session's namespaced tool surface. With pagination
// enabled, each page carries one server's tools.
func (m *Manager) ListTools(ctx context.Context, sess *Session, cursorToken string) (_ []*mcpsdk.Tool, _ string, err error) {
	defer guard(&err)
	conns, err := m.readyServers(sess)
	if err != nil {
		return nil, "", err
	}

	page, next, err := m.page(sess, len(conns), cursorToken)
	if err != nil {
		return nil, "", err
	}

	var tools []*mcpsdk.Tool
	for _, conn := range conns[page.from:page.to] {
		for _, t := range conn.Tools {
			namespaced := *t
			namespaced.Name = sess.namer.Join(conn.Name, t.Name)
			tools = append(tools, &namespaced)
		}
	}
	return tools, next, nil
}

// ListResources returns the session's resource surface with namespaced
// URIs.
func (m *Manager) ListResources(ctx context.Context, sess *Session, cursorToken string) (_ []*mcpsdk.Resource, _ string, err error) {
	defer guard(&err)
	conns, err := m.readyServers(sess)
	if err != nil {
		return nil, "", err
	}

	page, next, err := m.page(sess, len(conns), cursorToken)
	if err != nil {
		return nil, "", err
	}

	var resources []*mcpsdk.Resource
	for _, conn := range conns[page.from:page.to] {
		for _, r := range conn.Resources {
			namespaced := *r
			namespaced.URI = ResourceURI(conn.Name, r.URI)
			resources = append(resources, &namespaced)
		}
	}
	return resources, next, nil
}

// ListPrompts returns the session's namespaced prompt surface.
func (m *Manager) ListPrompts(ctx context.Context, sess *Session, cursorToken string) (_ []*mcpsdk.Prompt, _ string, err error) {
	defer guard(&err)
	conns, err := m.readyServers(sess)
	if err != nil {
		return nil, "", err
	}

	page, next, err := m.page(sess, len(conns), cursorToken)
	if err != nil {
		return nil, "", err
	}

	var prompts []*mcpsdk.Prompt
	for _, conn := range conns[page.from:page.to] {
		for _, p := range conn.Prompts {
			namespaced := *p
			namespaced.Name = sess.namer.Join(conn.Name, p.Name)
			prompts = append(prompts, &namespaced)
		}
	}
	return prompts, next, nil
}

type pageRange struct{ from, to int }

// page resolves the cursor into a server range. Without pagination the
// whole view is one page. A cursor past the end yields an empty final page
// rather than an error, since the view may shrink between pages.
func (m *Manager) page(sess *Session, total int, cursorToken string) (pageRange, string, error) {
	if !sess.Options.Pagination {
		return pageRange{0, total}, "", nil
	}
	c, err := decodeCursor(cursorToken)
	if err != nil {
		return pageRange{}, "", NewInvalidParams(err.Error(), -1)
	}
	if c.ServerIndex >= total {
		return pageRange{total, total}, "", nil
	}
	next := ""
	if c.ServerIndex+1 < total {
		next = encodeCursor(cursor{ServerIndex: c.ServerIndex + 1})
	}
	return pageRange{c.ServerIndex, c.ServerIndex + 1}, next, nil
}

// CallTool parses the namespaced tool name and routes the call.
func (m *Manager) CallTool(ctx context.Context, sess *Session, params *mcpsdk.CallToolParams) (_ *mcpsdk.CallToolResult, err error) {
	defer guard(&err)
	server, tool, ok := sess.namer.Split(params.Name, m.viewNames(sess))
	if !ok {
		return nil, NewMethodNotFound(params.Name)
	}
	if !m.isReady(server) {
		return nil, NewServiceUnavailable(server)
	}

	forwarded := *params
	forwarded.Name = tool
	result, err := m.clients.CallTool(ctx, server, &forwarded)
	if err != nil {
		return nil, WrapOutbound(server, err)
	}
	return result, nil
}

// ReadResource parses the namespaced URI and routes the read.
func (m *Manager) ReadResource(ctx context.Context, sess *Session, params *mcpsdk.ReadResourceParams) (_ *mcpsdk.ReadResourceResult, err error) {
	defer guard(&err)
	server, uri, ok := SplitResourceURI(params.URI, m.viewNames(sess))
	if !ok {
		return nil, NewMethodNotFound(params.URI)
	}
	if !m.isReady(server) {
		return nil, NewServiceUnavailable(server)
	}

	forwarded := *params
	forwarded.URI = uri
	result, err := m.clients.ReadResource(ctx, server, &forwarded)
	if err != nil {
		return nil, WrapOutbound(server, err)
	}
	return result, nil
}

// GetPrompt parses the namespaced prompt name and routes the fetch.
func (m *Manager) GetPrompt(ctx context.Context, sess *Session, params *mcpsdk.GetPromptParams) (_ *mcpsdk.GetPromptResult, err error) {
	defer guard(&err)
	server, prompt, ok := sess.namer.Split(params.Name, m.viewNames(sess))
	if !ok {
		return nil, NewMethodNotFound(params.Name)
	}
	if !m.isReady(server) {
		return nil, NewServiceUnavailable(server)
	}

	forwarded := *params
	forwarded.Name = prompt
	result, err := m.clients.GetPrompt(ctx, server, &forwarded)
	if err != nil {
		return nil, WrapOutbound(server, err)
	}
	return result, nil
}

// SubscribeResource parses the namespaced URI and routes the subscription.
func (m *Manager) SubscribeResource(ctx context.Context, sess *Session, params *mcpsdk.SubscribeParams) (err error) {
	defer guard(&err)
	server, uri, ok := SplitResourceURI(params.URI, m.viewNames(sess))
	if !ok {
		return NewMethodNotFound(params.URI)
	}
	if !m.isReady(server) {
		return NewServiceUnavailable(server)
	}

	forwarded := *params
	forwarded.URI = uri
	if err := m.clients.SubscribeResource(ctx, server, &forwarded); err != nil {
		return WrapOutbound(server, err)
	}
	return nil
}

// UnsubscribeResource parses the namespaced URI and routes the removal.
func (m *Manager) UnsubscribeResource(ctx context.Context, sess *Session, params *mcpsdk.UnsubscribeParams) (err error) {
	defer guard(&err)
	server, uri, ok := SplitResourceURI(params.URI, m.viewNames(sess))
	if !ok {
		return NewMethodNotFound(params.URI)
	}
	if !m.isReady(server) {
		return NewServiceUnavailable(server)
	}

	forwarded := *params
	forwarded.URI = uri
	if err := m.clients.UnsubscribeResource(ctx, server, &forwarded); err != nil {
		return WrapOutbound(server, err)
	}
	return nil
}

// Ping is answered locally; outbound servers are not consulted.
func (m *Manager) Ping(ctx context.Context, sess *Session) error {
	return nil
}
