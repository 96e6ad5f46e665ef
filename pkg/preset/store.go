package preset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/1mcp-app/onemcp/pkg/events"
	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/tagquery"
)

var (
	// ErrNotFound indicates the preset does not exist.
	ErrNotFound = errors.New("preset not found")

	// ErrInvalidName indicates the preset name violates the allowed pattern.
	ErrInvalidName = errors.New("invalid preset name")

	// ErrInvalidStrategy indicates an unknown strategy value.
	ErrInvalidStrategy = errors.New("invalid preset strategy")

	// ErrInvalidQuery indicates the tag query failed validation.
	ErrInvalidQuery = errors.New("invalid tag query")
)

// ServerSource supplies the current outbound candidates for effective-set
// computation. Implemented by the client manager.
type ServerSource interface {
	Candidates() []filter.Candidate
}

// Store persists presets to <dir>/presets.json and watches the file for
// external modification. All writes are temp-file-then-rename; a mutex
// serializes writers.
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]*Record

	// effective caches each preset's selected server names; the watcher
	// diffs against it to decide which presets to announce.
	effective map[string][]string

	source ServerSource
	bus    *events.Bus[Event]
	logger *slog.Logger
}

// NewStore loads (or initializes) the presets document under dir.
func NewStore(dir string, source ServerSource) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create preset directory: %w", err)
	}
	s := &Store{
		path:      filepath.Join(dir, FileName),
		records:   make(map[string]*Record),
		effective: make(map[string][]string),
		source:    source,
		bus:       events.NewBus[Event](),
		logger:    slog.Default(),
	}

	records, err := s.readFile()
	if err != nil {
		return nil, err
	}
	s.records = records
	for name, rec := range records {
		s.effective[name] = s.effectiveSet(rec)
	}
	return s, nil
}

// Subscribe registers for preset events.
func (s *Store) Subscribe() (<-chan Event, func()) {
	return s.bus.Subscribe()
}

// Close stops event delivery. The file watcher (if running) is stopped
// separately via its context.
func (s *Store) Close() {
	s.bus.Close()
}

// Save validates and persists a preset, creating or updating it.
func (s *Store) Save(name string, strategy Strategy, query *tagquery.Query, description string) (*Record, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if query == nil {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if errs := query.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, errors.Join(errs...))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec := &Record{
		Name:         name,
		Description:  description,
		Strategy:     strategy,
		TagQuery:     query,
		Created:      now,
		LastModified: now,
	}
	prev, existed := s.records[name]
	if existed {
		rec.Created = prev.Created
	}

	prevEffective := s.effective[name]
	s.records[name] = rec
	if err := s.writeFileLocked(); err != nil {
		// Roll back the in-memory update so cache and disk stay in sync.
		if existed {
			s.records[name] = prev
		} else {
			delete(s.records, name)
		}
		return nil, err
	}

	newEffective := s.effectiveSet(rec)
	s.effective[name] = newEffective

	s.bus.Publish(Event{Type: EventListChanged})
	if !existed || !slices.Equal(prevEffective, newEffective) {
		s.bus.Publish(Event{Type: EventPresetChanged, Name: name})
	}
	copied := *rec
	return &copied, nil
}

// Delete removes a preset. Removal announces only the generic list event;
// consumers discover the deletion via lookup failure.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	eff := s.effective[name]
	delete(s.records, name)
	delete(s.effective, name)
	if err := s.writeFileLocked(); err != nil {
		s.records[name] = rec
		s.effective[name] = eff
		return err
	}
	s.bus.Publish(Event{Type: EventListChanged})
	return nil
}

// Get returns a copy of the named preset.
func (s *Store) Get(name string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	copied := *rec
	return &copied, nil
}

// List returns all presets sorted by name.
func (s *Store) List() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		copied := *rec
		result = append(result, &copied)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Test evaluates a preset against the current outbound set.
func (s *Store) Test(name string) (*TestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return &TestResult{
		Servers: s.effectiveSet(rec),
		Tags:    rec.TagQuery.ReferencedTags(),
	}, nil
}

// ResolveQuery implements filter.Resolver.
func (s *Store) ResolveQuery(name string) (*tagquery.Query, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok {
		return nil, false
	}
	return rec.TagQuery, true
}

// Reload re-reads the document from disk and announces every preset whose
// effective server set changed. Called by the file watcher and available to
// hosts directly.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	records, err := s.readFile()
	if err != nil {
		return err
	}

	listChanged := len(records) != len(s.records)
	var changed []string
	newEffective := make(map[string][]string, len(records))
	for name, rec := range records {
		set := s.effectiveSet(rec)
		newEffective[name] = set
		prev, existed := s.effective[name]
		if !existed {
			listChanged = true
			changed = append(changed, name)
		} else if !slices.Equal(prev, set) {
			changed = append(changed, name)
		}
	}

	s.records = records
	s.effective = newEffective

	sort.Strings(changed)
	for _, name := range changed {
		s.bus.Publish(Event{Type: EventPresetChanged, Name: name})
	}
	if listChanged {
		s.bus.Publish(Event{Type: EventListChanged})
	}
	return nil
}

// RecomputeEffectiveSets re-evaluates every preset against the current
// outbound set and announces changes. The reload dispatcher calls this when
// outbound servers are added or removed, since effective sets depend on the
// fleet as much as on the file.
func (s *Store) RecomputeEffectiveSets() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []string
	for name, rec := range s.records {
		set := s.effectiveSet(rec)
		if !slices.Equal(s.effective[name], set) {
			s.effective[name] = set
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	for _, name := range changed {
		s.bus.Publish(Event{Type: EventPresetChanged, Name: name})
	}
}

// effectiveSet computes the sorted server names a preset currently selects.
// Returns nil when no server source is wired (host chose not to).
func (s *Store) effectiveSet(rec *Record) []string {
	if s.source == nil || rec.TagQuery == nil {
		return nil
	}
	matched, _, err := filter.Apply(s.source.Candidates(), filter.Spec{
		Mode:  filter.ModeQuery,
		Query: rec.TagQuery,
	}, nil)
	if err != nil {
		s.logger.Warn("Preset query evaluation failed", "preset", rec.Name, "error", err)
		return nil
	}
	return filter.Names(matched)
}

// readFile loads the document from disk. A missing file is an empty store.
func (s *Store) readFile() (map[string]*Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*Record), nil
		}
		return nil, fmt.Errorf("read presets file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse presets file: %w", err)
	}
	if doc.Presets == nil {
		doc.Presets = make(map[string]*Record)
	}
	for name, rec := range doc.Presets {
		if rec == nil {
			return nil, fmt.Errorf("preset %q: null record", name)
		}
		rec.Name = name
		if !ValidName(name) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
		if !rec.Strategy.IsValid() {
			return nil, fmt.Errorf("preset %q: %w: %q", name, ErrInvalidStrategy, rec.Strategy)
		}
		if rec.TagQuery == nil {
			return nil, fmt.Errorf("preset %q: %w: missing tagQuery", name, ErrInvalidQuery)
		}
	}
	return doc.Presets, nil
}

// writeFileLocked persists the current records atomically. Caller holds mu.
func (s *Store) writeFileLocked() error {
	doc := document{
		Version: SchemaVersion,
		Presets: s.records,
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode presets: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".presets-*.json")
	if err != nil {
		return fmt.Errorf("create temp presets file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write temp presets file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp presets file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace presets file: %w", err)
	}
	return nil
}
