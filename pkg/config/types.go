package config

// Shared types used across configuration structs

// TransportConfig defines outbound MCP server transport configuration
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for stdio subprocess

	// For http/sse transport
	URL         string            `yaml:"url,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	BearerToken string            `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool             `yaml:"verify_ssl,omitempty"`
	OAuth       bool              `yaml:"oauth,omitempty"` // Resolve tokens through the host's auth provider
}

// ServerConfig is the immutable-after-load descriptor of one outbound MCP server.
// The map key in Config.Servers is the unique server name.
type ServerConfig struct {
	Transport TransportConfig `yaml:"transport"`

	// Tags drive per-session filtering. Matched case-insensitively.
	Tags []string `yaml:"tags,omitempty"`

	// Disabled servers stay configured but are excluded from every view.
	Disabled bool `yaml:"disabled,omitempty"`

	// TimeoutMs overrides loader.server_timeout_ms for this server. 0 = inherit.
	TimeoutMs int `yaml:"timeout_ms,omitempty"`
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
