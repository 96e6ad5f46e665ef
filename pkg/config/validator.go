package config

import "fmt"

// Validate checks the full configuration and returns all violations.
func (c *Config) Validate() []error {
	var errs []error

	for name, server := range c.Servers {
		if name == "" {
			errs = append(errs, NewValidationError("server", name, "", ErrMissingRequiredField))
			continue
		}
		if server == nil {
			errs = append(errs, NewValidationError("server", name, "", fmt.Errorf("%w: descriptor is null", ErrInvalidValue)))
			continue
		}
		errs = append(errs, validateServer(name, server)...)
	}

	errs = append(errs, validateLoader(c.Loader)...)

	if c.Notifications.BatchDelayMs < 0 {
		errs = append(errs, NewValidationError("notifications", "", "batch_delay_ms", ErrInvalidValue))
	}
	if c.Notifications.QueueSize < 0 {
		errs = append(errs, NewValidationError("notifications", "", "queue_size", ErrInvalidValue))
	}
	if c.Templates.SizeLimitBytes < 0 {
		errs = append(errs, NewValidationError("templates", "", "size_limit_bytes", ErrInvalidValue))
	}

	return errs
}

func validateServer(name string, server *ServerConfig) []error {
	var errs []error

	t := server.Transport
	if !t.Type.IsValid() {
		errs = append(errs, NewValidationError("server", name, "transport.type",
			fmt.Errorf("%w: %q", ErrInvalidValue, t.Type)))
		return errs
	}

	switch t.Type {
	case TransportTypeStdio:
		if t.Command == "" {
			errs = append(errs, NewValidationError("server", name, "transport.command", ErrMissingRequiredField))
		}
		if t.URL != "" {
			errs = append(errs, NewValidationError("server", name, "transport.url",
				fmt.Errorf("%w: url is not valid for stdio transport", ErrInvalidValue)))
		}
	case TransportTypeHTTP, TransportTypeSSE:
		if t.URL == "" {
			errs = append(errs, NewValidationError("server", name, "transport.url", ErrMissingRequiredField))
		}
		if t.Command != "" {
			errs = append(errs, NewValidationError("server", name, "transport.command",
				fmt.Errorf("%w: command is not valid for %s transport", ErrInvalidValue, t.Type)))
		}
	}

	for i, tag := range server.Tags {
		if tag == "" {
			errs = append(errs, NewValidationError("server", name, fmt.Sprintf("tags[%d]", i),
				fmt.Errorf("%w: empty tag", ErrInvalidValue)))
		}
	}

	if server.TimeoutMs < 0 {
		errs = append(errs, NewValidationError("server", name, "timeout_ms", ErrInvalidValue))
	}

	return errs
}

func validateLoader(l LoaderConfig) []error {
	var errs []error
	if l.ServerTimeoutMs < 0 {
		errs = append(errs, NewValidationError("loader", "", "server_timeout_ms", ErrInvalidValue))
	}
	if l.MaxRetries < 0 {
		errs = append(errs, NewValidationError("loader", "", "max_retries", ErrInvalidValue))
	}
	if l.RetryDelayMs < 0 {
		errs = append(errs, NewValidationError("loader", "", "retry_delay_ms", ErrInvalidValue))
	}
	if l.MaxConcurrentLoads < 1 {
		errs = append(errs, NewValidationError("loader", "", "max_concurrent_loads",
			fmt.Errorf("%w: must be at least 1", ErrInvalidValue)))
	}
	if l.BackgroundRetryIntervalMs < 0 {
		errs = append(errs, NewValidationError("loader", "", "background_retry_interval_ms", ErrInvalidValue))
	}
	return errs
}
