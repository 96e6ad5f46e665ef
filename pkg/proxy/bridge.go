package proxy

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/client"
	"github.com/1mcp-app/onemcp/pkg/version"
)

// Bridge projects one inbound session onto an mcpsdk.Server so any SDK
// transport (stdio, streamable HTTP, in-memory) can front the proxy. The
// server's capability registry mirrors the session's filtered view: adds
// and removals on the live server make the SDK emit list_changed to the
// peer, so coalesced upstream batches turn into at most one inbound
// notification per kind.
type Bridge struct {
	proxy  *Manager
	sess   *Session
	server *mcpsdk.Server
	logger *slog.Logger

	// Registered capability content, by namespaced name/URI. Syncs diff
	// the fetched view against these so an unchanged entry is never
	// re-registered (each SDK Add/Remove call notifies the peer).
	mu        sync.Mutex
	tools     map[string]*mcpsdk.Tool
	resources map[string]*mcpsdk.Resource
	prompts   map[string]*mcpsdk.Prompt
	closed    bool
}

// NewBridge opens a session with the given options and returns a bridge
// whose server is populated from the session's current view. Sync failures
// against not-yet-ready upstreams are logged, not fatal; the registry
// catches up on the next list-changed batch.
func NewBridge(ctx context.Context, pm *Manager, opts SessionOptions) (*Bridge, error) {
	b := &Bridge{
		proxy:     pm,
		logger:    slog.Default(),
		tools:     make(map[string]*mcpsdk.Tool),
		resources: make(map[string]*mcpsdk.Resource),
		prompts:   make(map[string]*mcpsdk.Prompt),
	}

	sess, err := pm.OpenSession(opts, b.handleBatch)
	if err != nil {
		return nil, err
	}
	b.sess = sess

	info, err := pm.Initialize(ctx, sess)
	if err != nil {
		pm.CloseSession(sess.ID)
		return nil, err
	}

	b.server = mcpsdk.NewServer(
		&mcpsdk.Implementation{Name: version.AppName, Version: version.GitCommit},
		&mcpsdk.ServerOptions{
			Instructions:       info.Instructions,
			HasTools:           true,
			HasResources:       true,
			HasPrompts:         true,
			SubscribeHandler:   b.subscribe,
			UnsubscribeHandler: b.unsubscribe,
		})

	if err := b.syncAll(ctx); err != nil {
		b.logger.Warn("Initial capability sync incomplete", "session", sess.ID, "error", err)
	}
	return b, nil
}

// Server exposes the underlying SDK server for transports that manage the
// run loop themselves (streamable HTTP).
func (b *Bridge) Server() *mcpsdk.Server { return b.server }

// SessionID returns the inbound session identifier.
func (b *Bridge) SessionID() string { return b.sess.ID }

// Run serves the bridge over the given transport until the peer disconnects
// or ctx is cancelled, then closes the session.
func (b *Bridge) Run(ctx context.Context, transport mcpsdk.Transport) error {
	defer b.Close()
	return b.server.Run(ctx, transport)
}

// Close releases the inbound session. Idempotent.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.proxy.CloseSession(b.sess.ID)
}

// handleBatch is the session's send callback: one coalesced batch per
// window. List-changed kinds re-sync the matching registry; resource
// updates forward per URI, renamespaced for the inbound peer.
func (b *Bridge) handleBatch(batch []client.Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), client.OperationTimeout)
	defer cancel()

	for _, kind := range DistinctKinds(batch) {
		var err error
		switch kind {
		case client.NotificationToolsChanged:
			err = b.syncTools(ctx)
		case client.NotificationResourcesChanged:
			err = b.syncResources(ctx)
		case client.NotificationPromptsChanged:
			err = b.syncPrompts(ctx)
		case client.NotificationResourceUpdated:
			for _, n := range batch {
				if n.Kind != client.NotificationResourceUpdated {
					continue
				}
				err = b.server.ResourceUpdated(ctx, &mcpsdk.ResourceUpdatedNotificationParams{
					URI: ResourceURI(n.Server, n.URI),
				})
			}
		}
		if err != nil {
			b.logger.Warn("Capability sync failed", "session", b.sess.ID, "kind", kind, "error", err)
		}
	}
}

func (b *Bridge) syncAll(ctx context.Context) error {
	if err := b.syncTools(ctx); err != nil {
		return err
	}
	if err := b.syncResources(ctx); err != nil {
		return err
	}
	return b.syncPrompts(ctx)
}

func (b *Bridge) syncTools(ctx context.Context) error {
	var all []*mcpsdk.Tool
	for cursor := ""; ; {
		page, next, err := b.proxy.ListTools(ctx, b.sess, cursor)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	seen := make(map[string]bool, len(all))
	for _, t := range all {
		seen[t.Name] = true
		// Register only new or changed tools: AddTool replaces in place
		// but notifies the peer on every call.
		if prev, ok := b.tools[t.Name]; ok && reflect.DeepEqual(prev, t) {
			continue
		}
		b.server.AddTool(t, b.callTool)
		b.tools[t.Name] = t
	}
	var stale []string
	for name := range b.tools {
		if !seen[name] {
			stale = append(stale, name)
			delete(b.tools, name)
		}
	}
	if len(stale) > 0 {
		b.server.RemoveTools(stale...)
	}
	return nil
}

func (b *Bridge) syncResources(ctx context.Context) error {
	var all []*mcpsdk.Resource
	for cursor := ""; ; {
		page, next, err := b.proxy.ListResources(ctx, b.sess, cursor)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	seen := make(map[string]bool, len(all))
	for _, r := range all {
		seen[r.URI] = true
		if prev, ok := b.resources[r.URI]; ok && reflect.DeepEqual(prev, r) {
			continue
		}
		b.server.AddResource(r, b.readResource)
		b.resources[r.URI] = r
	}
	var stale []string
	for uri := range b.resources {
		if !seen[uri] {
			stale = append(stale, uri)
			delete(b.resources, uri)
		}
	}
	if len(stale) > 0 {
		b.server.RemoveResources(stale...)
	}
	return nil
}

func (b *Bridge) syncPrompts(ctx context.Context) error {
	var all []*mcpsdk.Prompt
	for cursor := ""; ; {
		page, next, err := b.proxy.ListPrompts(ctx, b.sess, cursor)
		if err != nil {
			return err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	seen := make(map[string]bool, len(all))
	for _, p := range all {
		seen[p.Name] = true
		if prev, ok := b.prompts[p.Name]; ok && reflect.DeepEqual(prev, p) {
			continue
		}
		b.server.AddPrompt(p, b.getPrompt)
		b.prompts[p.Name] = p
	}
	var stale []string
	for name := range b.prompts {
		if !seen[name] {
			stale = append(stale, name)
			delete(b.prompts, name)
		}
	}
	if len(stale) > 0 {
		b.server.RemovePrompts(stale...)
	}
	return nil
}

func (b *Bridge) callTool(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	// The server-side request carries raw argument bytes; forward them
	// untouched and let the outbound server do the decoding.
	return b.proxy.CallTool(ctx, b.sess, &mcpsdk.CallToolParams{
		Meta:      req.Params.Meta,
		Name:      req.Params.Name,
		Arguments: req.Params.Arguments,
	})
}

func (b *Bridge) readResource(ctx context.Context, req *mcpsdk.ReadResourceRequest) (*mcpsdk.ReadResourceResult, error) {
	return b.proxy.ReadResource(ctx, b.sess, req.Params)
}

func (b *Bridge) getPrompt(ctx context.Context, req *mcpsdk.GetPromptRequest) (*mcpsdk.GetPromptResult, error) {
	return b.proxy.GetPrompt(ctx, b.sess, req.Params)
}

func (b *Bridge) subscribe(ctx context.Context, req *mcpsdk.SubscribeRequest) error {
	return b.proxy.SubscribeResource(ctx, b.sess, req.Params)
}

func (b *Bridge) unsubscribe(ctx context.Context, req *mcpsdk.UnsubscribeRequest) error {
	return b.proxy.UnsubscribeResource(ctx, b.sess, req.Params)
}
