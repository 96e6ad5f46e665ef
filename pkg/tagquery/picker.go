package tagquery

import "sort"

// TagState is the tri-state selection of a tag in an interactive picker.
// The picker itself lives in the host TUI; this package only converts the
// selection into a Query.
type TagState int

const (
	// TagStateEmpty means the tag does not constrain the filter.
	TagStateEmpty TagState = iota
	// TagStateSelected means the tag must (or may, under OR) be present.
	TagStateSelected
	// TagStateNotSelected means the tag must be absent.
	TagStateNotSelected
)

// PickerStrategy controls how selected tags combine.
type PickerStrategy string

const (
	// PickerStrategyOr combines selected tags disjunctively.
	PickerStrategyOr PickerStrategy = "or"
	// PickerStrategyAnd combines selected tags conjunctively.
	PickerStrategyAnd PickerStrategy = "and"
)

// PickerToQuery converts a tri-state tag selection into a Query.
//
// Selected tags combine per strategy; a single selected tag without any
// negations collapses to a bare tag query. NotSelected tags wrap the result
// as And(original, Not(Or(notSelected))). Returns nil when nothing is
// selected or deselected.
func PickerToQuery(states map[string]TagState, strategy PickerStrategy) *Query {
	var selected, excluded []string
	for tag, state := range states {
		switch state {
		case TagStateSelected:
			selected = append(selected, Normalize(tag))
		case TagStateNotSelected:
			excluded = append(excluded, Normalize(tag))
		}
	}
	sort.Strings(selected)
	sort.Strings(excluded)

	base := combine(selected, strategy)

	if len(excluded) == 0 {
		return base
	}
	negation := NewNot(combine(excluded, PickerStrategyOr))
	if base == nil {
		return negation
	}
	return NewAnd(base, negation)
}

// combine folds tags into a query per strategy, collapsing singletons.
func combine(tags []string, strategy PickerStrategy) *Query {
	switch len(tags) {
	case 0:
		return nil
	case 1:
		return NewTag(tags[0])
	}
	children := make([]*Query, len(tags))
	for i, t := range tags {
		children[i] = NewTag(t)
	}
	if strategy == PickerStrategyAnd {
		return NewAnd(children...)
	}
	return NewOr(children...)
}
