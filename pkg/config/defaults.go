package config

// Enumerated defaults for optional configuration sections.
const (
	// DefaultServerTimeoutMs is the per-server connect deadline.
	DefaultServerTimeoutMs = 30_000
	// DefaultMaxRetries is the retry budget after the initial attempt.
	DefaultMaxRetries = 3
	// DefaultRetryDelayMs is the base retry delay, doubled on each attempt.
	DefaultRetryDelayMs = 2_000
	// DefaultMaxConcurrentLoads bounds parallel outbound connects.
	DefaultMaxConcurrentLoads = 5
	// DefaultBackgroundRetryIntervalMs is the failed-server re-attempt tick.
	DefaultBackgroundRetryIntervalMs = 60_000

	// DefaultBatchDelayMs is the list-changed coalescing window.
	DefaultBatchDelayMs = 1_000
	// DefaultNotificationQueueSize bounds the per-session coalescing queue.
	DefaultNotificationQueueSize = 1024

	// DefaultTemplateSizeLimitBytes caps custom instruction templates (1 MiB).
	DefaultTemplateSizeLimitBytes = 1 << 20

	// DefaultPresetDirectory is where the presets document lives.
	DefaultPresetDirectory = "./presets"
)

// ApplyDefaults fills every unset optional field in place.
// Called by Load; hosts constructing a Config by hand should call it too.
func (c *Config) ApplyDefaults() {
	if c.Loader.ServerTimeoutMs == 0 {
		c.Loader.ServerTimeoutMs = DefaultServerTimeoutMs
	}
	if c.Loader.MaxRetries == 0 {
		c.Loader.MaxRetries = DefaultMaxRetries
	}
	if c.Loader.RetryDelayMs == 0 {
		c.Loader.RetryDelayMs = DefaultRetryDelayMs
	}
	if c.Loader.MaxConcurrentLoads == 0 {
		c.Loader.MaxConcurrentLoads = DefaultMaxConcurrentLoads
	}
	if c.Loader.BackgroundRetryIntervalMs == 0 {
		c.Loader.BackgroundRetryIntervalMs = DefaultBackgroundRetryIntervalMs
	}

	if c.Notifications.BatchDelayMs == 0 {
		c.Notifications.BatchDelayMs = DefaultBatchDelayMs
	}
	if c.Notifications.QueueSize == 0 {
		c.Notifications.QueueSize = DefaultNotificationQueueSize
	}

	if c.Templates.SizeLimitBytes == 0 {
		c.Templates.SizeLimitBytes = DefaultTemplateSizeLimitBytes
	}

	if c.Presets.Directory == "" {
		c.Presets.Directory = DefaultPresetDirectory
	}
}
