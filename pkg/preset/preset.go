// Package preset persists named filter specifications to a single JSON
// document and watches it for external edits.
package preset

import (
	"regexp"
	"time"

	"github.com/1mcp-app/onemcp/pkg/tagquery"
)

// SchemaVersion is the presets document schema version.
const SchemaVersion = "1.0.0"

// FileName is the presets document inside the configured directory.
const FileName = "presets.json"

// Strategy describes how a preset's tag query was built.
type Strategy string

const (
	// StrategyOr combines tags disjunctively.
	StrategyOr Strategy = "or"
	// StrategyAnd combines tags conjunctively.
	StrategyAnd Strategy = "and"
	// StrategyAdvanced holds a free-form expression.
	StrategyAdvanced Strategy = "advanced"
)

// IsValid checks if the strategy is valid.
func (s Strategy) IsValid() bool {
	return s == StrategyOr || s == StrategyAnd || s == StrategyAdvanced
}

// namePattern constrains preset names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// ValidName reports whether name is a legal preset name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// Record is one persisted preset.
type Record struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Strategy     Strategy        `json:"strategy"`
	TagQuery     *tagquery.Query `json:"tagQuery"`
	Created      time.Time       `json:"created"`
	LastModified time.Time       `json:"lastModified"`
}

// document is the on-disk shape of the presets file.
type document struct {
	Version string             `json:"version"`
	Presets map[string]*Record `json:"presets"`
}

// EventType distinguishes preset notifications.
type EventType string

const (
	// EventPresetChanged fires when a preset's effective server set changed.
	EventPresetChanged EventType = "preset-changed"
	// EventListChanged fires when the set of preset names changed
	// (including deletions, which never fire EventPresetChanged).
	EventListChanged EventType = "list-changed"
)

// Event is published on the store's bus.
type Event struct {
	Type EventType
	Name string // preset name for EventPresetChanged, empty otherwise
}

// TestResult reports which servers a preset currently selects and which
// tags its query references.
type TestResult struct {
	Servers []string `json:"servers"`
	Tags    []string `json:"tags"`
}
