package config

import (
	"fmt"
	"sort"
	"sync"
)

// ServerRegistry stores outbound server descriptors in memory with
// thread-safe access. The registry holds one immutable snapshot at a time;
// config reload swaps the whole snapshot via Replace.
type ServerRegistry struct {
	servers map[string]*ServerConfig
	mu      sync.RWMutex
}

// NewServerRegistry creates a new server registry
func NewServerRegistry(servers map[string]*ServerConfig) *ServerRegistry {
	if servers == nil {
		servers = make(map[string]*ServerConfig)
	}
	return &ServerRegistry{
		servers: servers,
	}
}

// Get retrieves a server descriptor by name (thread-safe)
func (r *ServerRegistry) Get(name string) (*ServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	return server, nil
}

// GetAll returns all server descriptors (thread-safe, returns copy)
func (r *ServerRegistry) GetAll() map[string]*ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*ServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks if a server exists in the registry (thread-safe)
func (r *ServerRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.servers[name]
	return exists
}

// ServerNames returns all registered names in lexicographic order.
func (r *ServerRegistry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Replace swaps the full descriptor set. Used by config reload.
func (r *ServerRegistry) Replace(servers map[string]*ServerConfig) {
	if servers == nil {
		servers = make(map[string]*ServerConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers = servers
}
