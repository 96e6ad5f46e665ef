package preset

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/tagquery"
)

// staticSource is a mutable in-memory ServerSource.
type staticSource struct {
	candidates []filter.Candidate
}

func (s *staticSource) Candidates() []filter.Candidate { return s.candidates }

func defaultSource() *staticSource {
	return &staticSource{candidates: []filter.Candidate{
		{Name: "A", Tags: []string{"web"}},
		{Name: "B", Tags: []string{"api"}},
		{Name: "C", Tags: []string{"db"}},
	}}
}

func newTestStore(t *testing.T) (*Store, string, *staticSource) {
	t.Helper()
	dir := t.TempDir()
	source := defaultSource()
	store, err := NewStore(dir, source)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store, dir, source
}

// drainEvents collects events until the bus goes quiet.
func collectEvents(t *testing.T, ch <-chan Event, want int) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, have %v", got)
		}
	}
	return got
}

func TestStore_SaveGetListDelete(t *testing.T) {
	store, _, _ := newTestStore(t)

	rec, err := store.Save("dev", StrategyOr, tagquery.NewOr(tagquery.NewTag("web"), tagquery.NewTag("api")), "dev servers")
	require.NoError(t, err)
	assert.Equal(t, "dev", rec.Name)
	assert.Equal(t, StrategyOr, rec.Strategy)
	assert.False(t, rec.Created.IsZero())
	assert.Equal(t, rec.Created, rec.LastModified)

	got, err := store.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, "dev servers", got.Description)

	_, err = store.Save("ops", StrategyAnd, tagquery.NewTag("db"), "")
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "dev", list[0].Name)
	assert.Equal(t, "ops", list[1].Name)

	require.NoError(t, store.Delete("ops"))
	_, err = store.Get("ops")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete("ops"), ErrNotFound)
}

func TestStore_SaveValidation(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, err := store.Save("bad name!", StrategyOr, tagquery.NewTag("a"), "")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = store.Save("", StrategyOr, tagquery.NewTag("a"), "")
	assert.ErrorIs(t, err, ErrInvalidName)

	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	_, err = store.Save(string(long), StrategyOr, tagquery.NewTag("a"), "")
	assert.ErrorIs(t, err, ErrInvalidName)

	_, err = store.Save("ok", "xor", tagquery.NewTag("a"), "")
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = store.Save("ok", StrategyOr, nil, "")
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = store.Save("ok", StrategyOr, tagquery.NewOr(), "")
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestStore_SaveKeepsCreatedOnUpdate(t *testing.T) {
	store, _, _ := newTestStore(t)

	first, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	second, err := store.Save("dev", StrategyOr, tagquery.NewTag("api"), "")
	require.NoError(t, err)

	assert.Equal(t, first.Created, second.Created)
	assert.False(t, second.LastModified.Before(first.LastModified))
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	store, dir, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyAdvanced, tagquery.NewAdvanced("web or api"), "desc")
	require.NoError(t, err)

	reopened, err := NewStore(dir, defaultSource())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get("dev")
	require.NoError(t, err)
	assert.Equal(t, StrategyAdvanced, got.Strategy)
	assert.Equal(t, "web or api", got.TagQuery.Advanced)
	assert.Equal(t, "desc", got.Description)
}

func TestStore_FileFormat(t *testing.T) {
	store, dir, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewOr(tagquery.NewTag("web")), "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.JSONEq(t, `"1.0.0"`, string(doc["version"]))

	var presets map[string]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc["presets"], &presets))
	assert.JSONEq(t, `{"$or": [{"tag": "web"}]}`, string(presets["dev"]["tagQuery"]))
}

func TestStore_Test(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewOr(tagquery.NewTag("web"), tagquery.NewTag("api")), "")
	require.NoError(t, err)

	result, err := store.Test("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, result.Servers)
	assert.Equal(t, []string{"api", "web"}, result.Tags)

	_, err = store.Test("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ResolveQuery(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	q, ok := store.ResolveQuery("dev")
	require.True(t, ok)
	assert.Equal(t, tagquery.QueryKindTag, q.Kind)

	_, ok = store.ResolveQuery("missing")
	assert.False(t, ok)
}

// Rewriting the file to widen a preset emits exactly one
// preset-changed event and test() reflects the new effective set.
func TestStore_ReloadDiffsEffectiveSets(t *testing.T) {
	store, dir, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewOr(tagquery.NewTag("web"), tagquery.NewTag("api")), "")
	require.NoError(t, err)

	ch, cancel := store.Subscribe()
	defer cancel()

	// Rewrite the document externally to include db.
	doc := `{
  "version": "1.0.0",
  "presets": {
    "dev": {
      "name": "dev",
      "strategy": "or",
      "tagQuery": {"$or": [{"tag": "web"}, {"tag": "api"}, {"tag": "db"}]},
      "created": "2026-01-02T03:04:05Z",
      "lastModified": "2026-01-02T03:04:05Z"
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o600))
	require.NoError(t, store.Reload())

	events := collectEvents(t, ch, 1)
	assert.Equal(t, EventPresetChanged, events[0].Type)
	assert.Equal(t, "dev", events[0].Name)

	result, err := store.Test("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, result.Servers)
}

func TestStore_ReloadUnchangedEmitsNothing(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	ch, cancel := store.Subscribe()
	defer cancel()

	require.NoError(t, store.Reload())

	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestStore_DeleteEmitsOnlyListEvent(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	ch, cancel := store.Subscribe()
	defer cancel()

	require.NoError(t, store.Delete("dev"))

	events := collectEvents(t, ch, 1)
	assert.Equal(t, EventListChanged, events[0].Type)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStore_RecomputeEffectiveSets(t *testing.T) {
	store, _, source := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	ch, cancel := store.Subscribe()
	defer cancel()

	// A new web-tagged server joins the fleet.
	source.candidates = append(source.candidates, filter.Candidate{Name: "D", Tags: []string{"web"}})
	store.RecomputeEffectiveSets()

	events := collectEvents(t, ch, 1)
	assert.Equal(t, EventPresetChanged, events[0].Type)
	assert.Equal(t, "dev", events[0].Name)

	result, err := store.Test("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "D"}, result.Servers)
}

func TestStore_WatcherPicksUpExternalWrites(t *testing.T) {
	store, dir, _ := newTestStore(t)
	_, err := store.Save("dev", StrategyOr, tagquery.NewTag("web"), "")
	require.NoError(t, err)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, store.Watch(ctx))

	ch, cancel := store.Subscribe()
	defer cancel()

	doc := `{
  "version": "1.0.0",
  "presets": {
    "dev": {
      "name": "dev",
      "strategy": "or",
      "tagQuery": {"$in": ["web", "api"]},
      "created": "2026-01-02T03:04:05Z",
      "lastModified": "2026-01-02T03:04:05Z"
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o600))

	events := collectEvents(t, ch, 1)
	assert.Equal(t, EventPresetChanged, events[0].Type)
	assert.Equal(t, "dev", events[0].Name)
}

func TestStore_ReadFileRejectsBadDocuments(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		doc  string
	}{
		{"invalid json", `{`},
		{"bad preset name", `{"version":"1.0.0","presets":{"bad name!":{"strategy":"or","tagQuery":{"tag":"a"}}}}`},
		{"bad strategy", `{"version":"1.0.0","presets":{"dev":{"strategy":"xor","tagQuery":{"tag":"a"}}}}`},
		{"missing query", `{"version":"1.0.0","presets":{"dev":{"strategy":"or"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(tt.doc), 0o600))
			_, err := NewStore(dir, nil)
			assert.Error(t, err)
		})
	}
}
