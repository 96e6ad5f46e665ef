package reload

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-app/onemcp/pkg/config"
)

type fakeLoader struct {
	mu       sync.Mutex
	enqueued []string
	removed  []string
}

func (f *fakeLoader) Enqueue(name string, desc *config.ServerConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, name)
}

func (f *fakeLoader) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
}

type fakeClients struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeClients) RemoveClient(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
}

type fakePresets struct {
	mu    sync.Mutex
	calls int
}

func (f *fakePresets) RecomputeEffectiveSets() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func serverDesc(command string, tags ...string) *config.ServerConfig {
	return &config.ServerConfig{
		Transport: config.TransportConfig{Type: config.TransportTypeStdio, Command: command},
		Tags:      tags,
	}
}

func TestDispatcher_Apply(t *testing.T) {
	initial := map[string]*config.ServerConfig{
		"keep":   serverDesc("keep-cmd"),
		"change": serverDesc("old-cmd"),
		"drop":   serverDesc("drop-cmd"),
	}
	registry := config.NewServerRegistry(initial)
	source := config.NewSource(&config.Config{Servers: initial})
	defer source.Close()

	loader := &fakeLoader{}
	clients := &fakeClients{}
	presets := &fakePresets{}
	d := NewDispatcher(source, registry, loader, clients, presets)

	next := &config.Config{Servers: map[string]*config.ServerConfig{
		"keep":   serverDesc("keep-cmd"),
		"change": serverDesc("new-cmd"),
		"fresh":  serverDesc("fresh-cmd"),
	}}
	diff := d.Apply(next)

	assert.Equal(t, []string{"fresh"}, diff.Added)
	assert.Equal(t, []string{"drop"}, diff.Removed)
	assert.Equal(t, []string{"change"}, diff.Changed)

	// Changed servers tear down then re-enqueue; unchanged are untouched.
	assert.ElementsMatch(t, []string{"drop", "change"}, loader.removed)
	assert.ElementsMatch(t, []string{"drop", "change"}, clients.removed)
	assert.ElementsMatch(t, []string{"change", "fresh"}, loader.enqueued)
	assert.Equal(t, 1, presets.calls)

	// The registry reflects the new fleet.
	assert.True(t, registry.Has("fresh"))
	assert.False(t, registry.Has("drop"))
	desc, err := registry.Get("change")
	require.NoError(t, err)
	assert.Equal(t, "new-cmd", desc.Transport.Command)
}

func TestDispatcher_ApplyNoChanges(t *testing.T) {
	initial := map[string]*config.ServerConfig{"a": serverDesc("cmd", "web")}
	registry := config.NewServerRegistry(initial)
	source := config.NewSource(&config.Config{Servers: initial})
	defer source.Close()

	loader := &fakeLoader{}
	clients := &fakeClients{}
	presets := &fakePresets{}
	d := NewDispatcher(source, registry, loader, clients, presets)

	diff := d.Apply(&config.Config{Servers: map[string]*config.ServerConfig{
		"a": serverDesc("cmd", "web"),
	}})

	assert.True(t, diff.Empty())
	assert.Empty(t, loader.enqueued)
	assert.Empty(t, loader.removed)
	assert.Empty(t, clients.removed)
	assert.Zero(t, presets.calls)
}

// Tag-only edits hash differently and reconnect the server, since tags are
// part of the descriptor.
func TestDispatcher_TagChangeIsChange(t *testing.T) {
	initial := map[string]*config.ServerConfig{"a": serverDesc("cmd", "web")}
	registry := config.NewServerRegistry(initial)
	source := config.NewSource(&config.Config{Servers: initial})
	defer source.Close()

	d := NewDispatcher(source, registry, &fakeLoader{}, &fakeClients{}, nil)
	diff := d.Apply(&config.Config{Servers: map[string]*config.ServerConfig{
		"a": serverDesc("cmd", "web", "api"),
	}})
	assert.Equal(t, []string{"a"}, diff.Changed)
}

func TestDispatcher_Run(t *testing.T) {
	initial := map[string]*config.ServerConfig{}
	registry := config.NewServerRegistry(initial)
	source := config.NewSource(&config.Config{Servers: initial})
	defer source.Close()

	loader := &fakeLoader{}
	d := NewDispatcher(source, registry, loader, &fakeClients{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	source.Update(&config.Config{Servers: map[string]*config.ServerConfig{
		"a": serverDesc("cmd"),
	}})

	require.Eventually(t, func() bool {
		loader.mu.Lock()
		defer loader.mu.Unlock()
		return len(loader.enqueued) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
