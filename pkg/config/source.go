package config

import (
	"sync"

	"github.com/1mcp-app/onemcp/pkg/events"
)

// Source holds the current immutable configuration snapshot and publishes
// replacements to subscribers. Components keep no global config state; they
// either take a snapshot at construction or subscribe for reloads.
type Source struct {
	mu      sync.RWMutex
	current *Config
	bus     *events.Bus[*Config]
}

// NewSource creates a source seeded with an initial snapshot.
func NewSource(initial *Config) *Source {
	return &Source{
		current: initial,
		bus:     events.NewBus[*Config](),
	}
}

// Current returns the active snapshot.
func (s *Source) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update swaps in a new snapshot and notifies subscribers.
func (s *Source) Update(cfg *Config) {
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	s.bus.Publish(cfg)
}

// Subscribe returns a channel of replacement snapshots plus an unsubscribe
// function. The current snapshot is not replayed.
func (s *Source) Subscribe() (<-chan *Config, func()) {
	return s.bus.Subscribe()
}

// Close shuts down the subscriber channels.
func (s *Source) Close() {
	s.bus.Close()
}
