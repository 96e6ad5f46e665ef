// Package filter applies a session's filter specification to the outbound
// server set. Filtering is a pure function: no I/O, no locks, deterministic
// lexicographic output order.
package filter

import (
	"fmt"
	"sort"

	"github.com/1mcp-app/onemcp/pkg/tagquery"
)

// Mode enumerates the filter specification variants.
type Mode string

const (
	// ModeNone selects all enabled servers.
	ModeNone Mode = "none"
	// ModeSimpleOr selects servers carrying at least one of Spec.Tags.
	ModeSimpleOr Mode = "simple-or"
	// ModeAdvanced evaluates Spec.Expression via the tag-expression parser.
	ModeAdvanced Mode = "advanced"
	// ModePreset resolves Spec.Preset through a Resolver to a tag query.
	ModePreset Mode = "preset"
	// ModeQuery evaluates the structured Spec.Query directly.
	ModeQuery Mode = "query"
)

// IsValid checks if the mode is valid.
func (m Mode) IsValid() bool {
	switch m {
	case ModeNone, ModeSimpleOr, ModeAdvanced, ModePreset, ModeQuery:
		return true
	default:
		return false
	}
}

// Spec describes which outbound servers a session sees.
// Exactly the fields relevant to Mode are consulted.
type Spec struct {
	Mode       Mode
	Tags       []string       // simple-or
	Expression string         // advanced
	Query      *tagquery.Query // query
	Preset     string         // preset
}

// None is the all-enabled-servers specification.
func None() Spec { return Spec{Mode: ModeNone} }

// Candidate is the filterable projection of an outbound connection.
// Callers map connections to candidates and resolve the filtered names back
// through the owning manager.
type Candidate struct {
	Name     string
	Tags     []string
	Disabled bool
}

// Resolver resolves a preset name to its tag query. Implemented by the
// preset store.
type Resolver interface {
	ResolveQuery(name string) (*tagquery.Query, bool)
}

// Summary reports per-stage counts for telemetry.
type Summary struct {
	Total         int  // candidates offered
	Enabled       int  // after the disabled-server stage
	Matched       int  // after tag matching
	PresetMissing bool // preset mode referenced an unknown preset
}

// Apply filters candidates by spec. The result is ordered lexicographically
// by name. A filter that matches nothing returns an empty slice, never an
// error; errors are reserved for malformed specs (bad expression, invalid
// query, unknown mode).
//
// An unknown preset yields an empty result with Summary.PresetMissing set —
// consumers discover deletion via lookup failure rather than an error.
func Apply(candidates []Candidate, spec Spec, resolver Resolver) ([]Candidate, Summary, error) {
	summary := Summary{Total: len(candidates)}

	enabled := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Disabled {
			enabled = append(enabled, c)
		}
	}
	summary.Enabled = len(enabled)
	sort.Slice(enabled, func(i, j int) bool { return enabled[i].Name < enabled[j].Name })

	match, err := matcher(spec, resolver, &summary)
	if err != nil {
		return nil, summary, err
	}

	matched := make([]Candidate, 0, len(enabled))
	for _, c := range enabled {
		ok, err := match(c)
		if err != nil {
			return nil, summary, err
		}
		if ok {
			matched = append(matched, c)
		}
	}
	summary.Matched = len(matched)
	return matched, summary, nil
}

// matcher builds the per-candidate predicate for the spec. Expression and
// query shapes are checked once up front so per-candidate evaluation cannot
// fail on malformed input.
func matcher(spec Spec, resolver Resolver, summary *Summary) (func(Candidate) (bool, error), error) {
	switch spec.Mode {
	case ModeNone, "":
		return func(Candidate) (bool, error) { return true, nil }, nil

	case ModeSimpleOr:
		want := tagquery.NewTagSet(spec.Tags)
		return func(c Candidate) (bool, error) {
			for _, t := range c.Tags {
				if want.Has(t) {
					return true, nil
				}
			}
			return false, nil
		}, nil

	case ModeAdvanced:
		expr, err := tagquery.Parse(spec.Expression)
		if err != nil {
			return nil, err
		}
		return func(c Candidate) (bool, error) {
			return tagquery.Evaluate(expr, c.Tags), nil
		}, nil

	case ModeQuery:
		if spec.Query == nil {
			return nil, fmt.Errorf("query filter mode requires a tag query")
		}
		if errs := spec.Query.Validate(); len(errs) > 0 {
			return nil, fmt.Errorf("invalid tag query: %v", errs[0])
		}
		query := spec.Query
		return func(c Candidate) (bool, error) {
			return query.Matches(c.Tags)
		}, nil

	case ModePreset:
		if resolver == nil {
			return nil, fmt.Errorf("preset filter mode requires a preset resolver")
		}
		query, ok := resolver.ResolveQuery(spec.Preset)
		if !ok {
			summary.PresetMissing = true
			return func(Candidate) (bool, error) { return false, nil }, nil
		}
		return func(c Candidate) (bool, error) {
			return query.Matches(c.Tags)
		}, nil

	default:
		return nil, fmt.Errorf("unknown filter mode %q", spec.Mode)
	}
}

// Names extracts candidate names preserving order.
func Names(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}
