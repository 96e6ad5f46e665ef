// Package instructions maintains per-server instruction text and renders a
// single templated instruction document over a filtered server view.
package instructions

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/1mcp-app/onemcp/pkg/events"
)

// Event announces that the effective instruction changed for the named
// servers. A bulk mutation produces exactly one event.
type Event struct {
	Servers []string
}

// Aggregator holds the instruction map. Keys exist only for servers whose
// most recent instruction trimmed to a non-empty string.
type Aggregator struct {
	mu    sync.RWMutex
	store map[string]string

	sizeLimit int
	bus       *events.Bus[Event]
	logger    *slog.Logger
}

// NewAggregator creates an empty aggregator. sizeLimit caps custom template
// bytes; zero disables the cap.
func NewAggregator(sizeLimit int) *Aggregator {
	return &Aggregator{
		store:     make(map[string]string),
		sizeLimit: sizeLimit,
		bus:       events.NewBus[Event](),
		logger:    slog.Default(),
	}
}

// Subscribe registers for instruction change events.
func (a *Aggregator) Subscribe() (<-chan Event, func()) {
	return a.bus.Subscribe()
}

// Close stops event delivery.
func (a *Aggregator) Close() {
	a.bus.Close()
}

// Set records a server's instruction. Whitespace-only or empty text evicts
// the key. A no-op set emits nothing.
func (a *Aggregator) Set(name, text string) {
	a.apply(map[string]string{name: text})
}

// Remove evicts a server's instruction.
func (a *Aggregator) Remove(name string) {
	a.apply(map[string]string{name: ""})
}

// SetBulk applies several instruction updates and emits at most one event.
func (a *Aggregator) SetBulk(updates map[string]string) {
	a.apply(updates)
}

func (a *Aggregator) apply(updates map[string]string) {
	a.mu.Lock()
	var changed []string
	for name, text := range updates {
		trimmed := strings.TrimSpace(text)
		prev, existed := a.store[name]
		if trimmed == "" {
			if existed {
				delete(a.store, name)
				changed = append(changed, name)
			}
			continue
		}
		if !existed || prev != trimmed {
			a.store[name] = trimmed
			changed = append(changed, name)
		}
	}
	a.mu.Unlock()

	if len(changed) > 0 {
		sort.Strings(changed)
		a.bus.Publish(Event{Servers: changed})
	}
}

// Get returns the registered instruction for a server.
func (a *Aggregator) Get(name string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	text, ok := a.store[name]
	return text, ok
}

// Len reports how many servers currently have an instruction.
func (a *Aggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.store)
}

// Snapshot returns a copy of the instruction map.
func (a *Aggregator) Snapshot() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]string, len(a.store))
	for k, v := range a.store {
		out[k] = v
	}
	return out
}

// Render produces the instruction document for a filtered server view.
// templateText selects a custom template; empty uses the built-in default.
// The result is always a usable string; a non-nil error explains why the
// custom template was abandoned in favor of the default.
func (a *Aggregator) Render(templateText string, view []ServerView, opts RenderOptions) (string, error) {
	a.mu.RLock()
	instr := make(map[string]string, len(a.store))
	for k, v := range a.store {
		instr[k] = v
	}
	a.mu.RUnlock()

	vars := buildVariables(view, instr, opts)
	out, err := render(templateText, a.sizeLimit, vars)
	if err != nil {
		a.logger.Warn("Instruction template fell back to default", "error", err)
	}
	return out, err
}
