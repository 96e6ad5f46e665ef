// Package reload applies configuration snapshots to the running fleet:
// it diffs the outbound server set and drives the loading and client
// managers accordingly. Live inbound sessions are never dropped; their
// views recompute on the next request.
package reload

import (
	"context"
	"log/slog"
	"sort"

	"github.com/1mcp-app/onemcp/pkg/config"
)

// Loader is the slice of the loading manager the dispatcher drives.
type Loader interface {
	Enqueue(name string, desc *config.ServerConfig)
	Remove(name string)
}

// ClientCloser is the slice of the client manager the dispatcher drives.
type ClientCloser interface {
	RemoveClient(name string)
}

// PresetRefresher re-evaluates preset effective sets after the fleet
// changes. Implemented by the preset store.
type PresetRefresher interface {
	RecomputeEffectiveSets()
}

// Diff is the per-reload change set, by server name.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the reload touched no servers.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Dispatcher subscribes to configuration snapshots and reconciles the
// outbound fleet.
type Dispatcher struct {
	source   *config.Source
	registry *config.ServerRegistry
	loader   Loader
	clients  ClientCloser
	presets  PresetRefresher
	logger   *slog.Logger
}

// NewDispatcher wires the reload path. presets may be nil when no preset
// store is configured.
func NewDispatcher(source *config.Source, registry *config.ServerRegistry, loader Loader, clients ClientCloser, presets PresetRefresher) *Dispatcher {
	return &Dispatcher{
		source:   source,
		registry: registry,
		loader:   loader,
		clients:  clients,
		presets:  presets,
		logger:   slog.Default(),
	}
}

// Run consumes snapshots until ctx is cancelled. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	snapshots, cancel := d.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-snapshots:
			if !ok {
				return
			}
			diff := d.Apply(cfg)
			if !diff.Empty() {
				d.logger.Info("Configuration reloaded",
					"added", len(diff.Added),
					"removed", len(diff.Removed),
					"changed", len(diff.Changed))
			}
		}
	}
}

// Apply reconciles one snapshot against the registry's current server set
// and returns the change set. Changed servers are treated as removed plus
// added. Individual teardown errors are logged by the owning managers and
// never block the rest of the reload.
func (d *Dispatcher) Apply(cfg *config.Config) Diff {
	old := d.registry.GetAll()
	diff := computeDiff(old, cfg.Servers, d.logger)

	// The registry swaps first so new requests already see the new fleet
	// while connections catch up.
	d.registry.Replace(cfg.Servers)

	for _, name := range diff.Removed {
		d.teardown(name)
	}
	for _, name := range diff.Changed {
		d.teardown(name)
		d.loader.Enqueue(name, cfg.Servers[name])
	}
	for _, name := range diff.Added {
		d.loader.Enqueue(name, cfg.Servers[name])
	}

	if d.presets != nil && !diff.Empty() {
		d.presets.RecomputeEffectiveSets()
	}
	return diff
}

func (d *Dispatcher) teardown(name string) {
	d.loader.Remove(name)
	d.clients.RemoveClient(name)
}

// computeDiff partitions server names into added, removed, and changed
// (present in both but with a different descriptor hash). Hash failures
// count as changed, erring toward a reconnect.
func computeDiff(old, next map[string]*config.ServerConfig, logger *slog.Logger) Diff {
	var diff Diff
	for name := range old {
		if _, kept := next[name]; !kept {
			diff.Removed = append(diff.Removed, name)
		}
	}
	for name, desc := range next {
		prev, existed := old[name]
		if !existed {
			diff.Added = append(diff.Added, name)
			continue
		}
		oldHash, err1 := config.DescriptorHash(prev)
		newHash, err2 := config.DescriptorHash(desc)
		if err1 != nil || err2 != nil {
			logger.Warn("Descriptor hash failed, treating server as changed", "server", name)
			diff.Changed = append(diff.Changed, name)
			continue
		}
		if oldHash != newHash {
			diff.Changed = append(diff.Changed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}
