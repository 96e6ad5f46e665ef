package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads, parses, defaults, and validates a configuration file.
// Unknown YAML keys are rejected so typos fail loudly at startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, NewLoadError(path, ErrConfigNotFound)
		}
		return nil, NewLoadError(path, err)
	}
	return Parse(data, path)
}

// Parse decodes configuration bytes. path is used for error context only.
func Parse(data []byte, path string) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg.ApplyDefaults()

	if errs := cfg.Validate(); len(errs) > 0 {
		// Surface every violation, not just the first.
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrValidationFailed, errors.Join(errs...)))
	}
	return &cfg, nil
}
