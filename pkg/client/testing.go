package client

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/auth"
	"github.com/1mcp-app/onemcp/pkg/config"
)

// InjectTransportFactory overrides transport creation so test infrastructure
// can wire in-memory MCP servers without going through the real
// createTransport path.
func (m *Manager) InjectTransportFactory(f func(ctx context.Context, name string, cfg config.TransportConfig, provider auth.Provider) (mcpsdk.Transport, error)) {
	m.transportFactory = f
}
