// Package config defines the proxy configuration model: outbound server
// descriptors plus the loader, notification, template, and preset sections.
// The host converts env/CLI into a file path; this package never reads the
// environment itself.
package config

import (
	"sort"
	"time"
)

// Config is the root configuration. Instances are immutable after Load;
// hot reload produces a fresh snapshot published through Source.
type Config struct {
	// Servers maps the unique server name to its descriptor.
	Servers map[string]*ServerConfig `yaml:"servers"`

	Loader        LoaderConfig       `yaml:"loader,omitempty"`
	Notifications NotificationConfig `yaml:"notifications,omitempty"`
	Templates     TemplateConfig     `yaml:"templates,omitempty"`
	Presets       PresetConfig       `yaml:"presets,omitempty"`
}

// LoaderConfig controls the outbound loading manager.
// Boolean fields use *bool so that "absent" and "false" are distinguishable;
// nil means "use default".
type LoaderConfig struct {
	ServerTimeoutMs           int   `yaml:"server_timeout_ms,omitempty"`
	MaxRetries                int   `yaml:"max_retries,omitempty"`
	RetryDelayMs              int   `yaml:"retry_delay_ms,omitempty"`
	MaxConcurrentLoads        int   `yaml:"max_concurrent_loads,omitempty"`
	ContinueOnFailure         *bool `yaml:"continue_on_failure,omitempty"`
	EnableBackgroundRetry     *bool `yaml:"enable_background_retry,omitempty"`
	BackgroundRetryIntervalMs int   `yaml:"background_retry_interval_ms,omitempty"`
}

// ServerTimeout returns the per-server connect deadline.
func (c LoaderConfig) ServerTimeout() time.Duration {
	return time.Duration(c.ServerTimeoutMs) * time.Millisecond
}

// RetryDelay returns the base retry delay (doubled on each attempt).
func (c LoaderConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// BackgroundRetryInterval returns the background retry tick interval.
func (c LoaderConfig) BackgroundRetryInterval() time.Duration {
	return time.Duration(c.BackgroundRetryIntervalMs) * time.Millisecond
}

// ContinueOnFailureEnabled resolves the tri-state flag against its default.
func (c LoaderConfig) ContinueOnFailureEnabled() bool {
	return c.ContinueOnFailure == nil || *c.ContinueOnFailure
}

// BackgroundRetryEnabled resolves the tri-state flag against its default.
func (c LoaderConfig) BackgroundRetryEnabled() bool {
	return c.EnableBackgroundRetry == nil || *c.EnableBackgroundRetry
}

// NotificationConfig controls per-session list-changed coalescing.
type NotificationConfig struct {
	BatchDelayMs int   `yaml:"batch_delay_ms,omitempty"`
	BatchEnabled *bool `yaml:"batch_enabled,omitempty"`
	QueueSize    int   `yaml:"queue_size,omitempty"`
}

// BatchDelay returns the coalescing window.
func (c NotificationConfig) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMs) * time.Millisecond
}

// BatchingEnabled resolves the tri-state flag against its default.
func (c NotificationConfig) BatchingEnabled() bool {
	return c.BatchEnabled == nil || *c.BatchEnabled
}

// TemplateConfig controls instruction template rendering.
type TemplateConfig struct {
	SizeLimitBytes int `yaml:"size_limit_bytes,omitempty"`
}

// PresetConfig controls the preset store.
type PresetConfig struct {
	// Directory holding the presets JSON document.
	Directory string `yaml:"directory,omitempty"`
}

// ServerNames returns the configured server names in lexicographic order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
