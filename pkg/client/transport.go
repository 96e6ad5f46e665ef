package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/1mcp-app/onemcp/pkg/auth"
	"github.com/1mcp-app/onemcp/pkg/config"
)

// createTransport creates an MCP SDK transport from an outbound descriptor.
func createTransport(ctx context.Context, name string, cfg config.TransportConfig, provider auth.Provider) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case config.TransportTypeStdio:
		return createStdioTransport(cfg)
	case config.TransportTypeHTTP:
		client, err := buildHTTPClient(ctx, name, cfg, provider)
		if err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport requires url")
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL, HTTPClient: client}, nil
	case config.TransportTypeSSE:
		client, err := buildHTTPClient(ctx, name, cfg, provider)
		if err != nil {
			return nil, err
		}
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport requires url")
		}
		return &mcpsdk.SSEClientTransport{Endpoint: cfg.URL, HTTPClient: client}, nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Type)
	}
}

func createStdioTransport(cfg config.TransportConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	// Inherit parent environment + config overrides.
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// buildHTTPClient creates an http.Client with TLS, header, and token
// settings. When the descriptor opts into OAuth, the token is resolved
// through the provider up front so an OAuthRequiredError surfaces before
// any connection attempt.
func buildHTTPClient(ctx context.Context, name string, cfg config.TransportConfig, provider auth.Provider) (*http.Client, error) {
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		httpTransport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,             //nolint:gosec // user-configured
			MinVersion:         tls.VersionTLS12, // prevent protocol downgrade even in relaxed mode
		}
	}

	client := &http.Client{Transport: httpTransport}

	token := cfg.BearerToken
	if cfg.OAuth {
		if provider == nil {
			return nil, fmt.Errorf("server %q requests oauth but no auth provider is configured", name)
		}
		resolved, err := provider.Token(ctx, name)
		if err != nil {
			return nil, err
		}
		token = resolved
	}

	if token != "" || len(cfg.Headers) > 0 {
		client.Transport = &headerTransport{
			base:    client.Transport,
			token:   token,
			headers: cfg.Headers,
		}
	}
	return client, nil
}

// headerTransport wraps an http.RoundTripper to add configured headers and
// an Authorization header.
type headerTransport struct {
	base    http.RoundTripper
	token   string
	headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	return t.base.RoundTrip(req)
}
