package proxy

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectInbound wires an MCP client to the bridge over an in-memory
// transport and returns the live session.
func connectInbound(t *testing.T, b *Bridge, opts *mcpsdk.ClientOptions) *mcpsdk.ClientSession {
	t.Helper()

	clientTr, serverTr := mcpsdk.NewInMemoryTransports()
	go func() {
		_ = b.Run(context.Background(), serverTr)
	}()

	c := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "inbound", Version: "test"}, opts)
	cs, err := c.Connect(context.Background(), clientTr, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func listToolNames(t *testing.T, cs *mcpsdk.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), &mcpsdk.ListToolsParams{})
	require.NoError(t, err)
	names := make([]string, 0, len(res.Tools))
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestBridge_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.proxy.Start(context.Background())

	b, err := NewBridge(context.Background(), f.proxy, SessionOptions{})
	require.NoError(t, err)
	defer b.Close()

	var toolsChanged atomic.Int32
	cs := connectInbound(t, b, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, req *mcpsdk.ToolListChangedRequest) {
			toolsChanged.Add(1)
		},
	})

	assert.Contains(t, cs.InitializeResult().Instructions, "{server}_1mcp_{tool}")

	names := listToolNames(t, cs)
	assert.Contains(t, names, "A_1mcp_search")
	assert.Contains(t, names, "B_1mcp_fetch")

	result, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "A_1mcp_search",
		Arguments: map[string]any{},
	})
	require.NoError(t, err)
	text := result.Content[0].(*mcpsdk.TextContent)
	assert.Equal(t, "search", text.Text)

	// An upstream tool registry change flows through the coalescer, the
	// bridge re-sync, and out to the peer as a single list_changed.
	f.servers["A"].AddTool(&mcpsdk.Tool{Name: "extra", Description: "t", InputSchema: emptySchema}, echoNameHandler)

	require.Eventually(t, func() bool {
		return toolsChanged.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond, "peer never saw tools/list_changed")

	require.Eventually(t, func() bool {
		for _, name := range listToolNames(t, cs) {
			if name == "A_1mcp_extra" {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

// A burst of upstream list-changed notifications inside one coalescing
// window must reach the peer as exactly one tools/listChanged: the
// coalescer collapses the burst and the diff-based sync re-registers only
// the net delta.
func TestBridge_BurstEmitsSingleListChanged(t *testing.T) {
	f := newFixture(t)
	f.proxy.Start(context.Background())

	b, err := NewBridge(context.Background(), f.proxy, SessionOptions{})
	require.NoError(t, err)
	defer b.Close()

	var toolsChanged atomic.Int32
	connectInbound(t, b, &mcpsdk.ClientOptions{
		ToolListChangedHandler: func(ctx context.Context, req *mcpsdk.ToolListChangedRequest) {
			toolsChanged.Add(1)
		},
	})

	// Three notifications from A with a net delta of one tool (re-adding
	// replaces in place), plus a no-op replacement on B.
	extra := &mcpsdk.Tool{Name: "extra", Description: "t", InputSchema: emptySchema}
	for range 3 {
		f.servers["A"].AddTool(extra, echoNameHandler)
	}
	f.servers["B"].AddTool(&mcpsdk.Tool{Name: "fetch", Description: "t", InputSchema: emptySchema}, echoNameHandler)

	require.Eventually(t, func() bool {
		return toolsChanged.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond, "peer never saw tools/list_changed")

	// Let any further coalescing windows drain; nothing else may arrive.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), toolsChanged.Load())
}

func TestBridge_FilteredView(t *testing.T) {
	f := newFixture(t)
	f.proxy.Start(context.Background())

	b, err := NewBridge(context.Background(), f.proxy, SessionOptions{Tags: []string{"web"}})
	require.NoError(t, err)
	defer b.Close()

	cs := connectInbound(t, b, nil)

	names := listToolNames(t, cs)
	assert.Equal(t, []string{"A_1mcp_search"}, names)
	assert.NotContains(t, cs.InitializeResult().Instructions, "B")
}

func TestBridge_RejectsBadOptions(t *testing.T) {
	f := newFixture(t)

	_, err := NewBridge(context.Background(), f.proxy, SessionOptions{TagExpression: "web and ("})
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, CodeInvalidParams, pe.Code)
}
