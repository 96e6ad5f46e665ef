package tagquery

import (
	"encoding/json"
	"errors"
	"fmt"
)

// QueryKind identifies a structured query variant.
type QueryKind string

const (
	// QueryKindTag matches a single tag.
	QueryKindTag QueryKind = "tag"
	// QueryKindIn matches when the server has at least one tag from a set.
	QueryKindIn QueryKind = "$in"
	// QueryKindOr matches when any child matches.
	QueryKindOr QueryKind = "$or"
	// QueryKindAnd matches when all children match.
	QueryKindAnd QueryKind = "$and"
	// QueryKindNot negates its single child.
	QueryKindNot QueryKind = "$not"
	// QueryKindAdvanced delegates to the expression parser.
	QueryKindAdvanced QueryKind = "$advanced"
)

// Query is a structured, tree-shaped boolean expression over tags.
// The zero value is invalid; use the constructors.
//
// Wire format (one key per object):
//
//	{"tag": "web"}
//	{"$in": ["web", "api"]}
//	{"$or": [...]}  {"$and": [...]}  {"$not": {...}}
//	{"$advanced": "web and !test"}
type Query struct {
	Kind     QueryKind
	Tag      string
	In       []string
	Children []*Query // Or/And children; Not uses exactly one
	Advanced string
}

// NewTag builds a single-tag query.
func NewTag(tag string) *Query {
	return &Query{Kind: QueryKindTag, Tag: Normalize(tag)}
}

// NewIn builds an $in query over a tag set.
func NewIn(tags ...string) *Query {
	norm := make([]string, 0, len(tags))
	for _, t := range tags {
		norm = append(norm, Normalize(t))
	}
	return &Query{Kind: QueryKindIn, In: norm}
}

// NewOr builds an $or query.
func NewOr(children ...*Query) *Query {
	return &Query{Kind: QueryKindOr, Children: children}
}

// NewAnd builds an $and query.
func NewAnd(children ...*Query) *Query {
	return &Query{Kind: QueryKindAnd, Children: children}
}

// NewNot builds a $not query.
func NewNot(child *Query) *Query {
	return &Query{Kind: QueryKindNot, Children: []*Query{child}}
}

// NewAdvanced builds an $advanced query holding a raw expression string.
func NewAdvanced(expr string) *Query {
	return &Query{Kind: QueryKindAdvanced, Advanced: expr}
}

// Matches evaluates the query against the server's tags.
// Returns an error when an $advanced sub-expression fails to parse.
func (q *Query) Matches(tags []string) (bool, error) {
	return q.eval(NewTagSet(tags))
}

func (q *Query) eval(set TagSet) (bool, error) {
	switch q.Kind {
	case QueryKindTag:
		return set.Has(q.Tag), nil

	case QueryKindIn:
		for _, t := range q.In {
			if set.Has(t) {
				return true, nil
			}
		}
		return false, nil

	case QueryKindOr:
		for _, c := range q.Children {
			ok, err := c.eval(set)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case QueryKindAnd:
		for _, c := range q.Children {
			ok, err := c.eval(set)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case QueryKindNot:
		if len(q.Children) != 1 {
			return false, fmt.Errorf("$not requires exactly one child, got %d", len(q.Children))
		}
		ok, err := q.Children[0].eval(set)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case QueryKindAdvanced:
		expr, err := Parse(q.Advanced)
		if err != nil {
			return false, err
		}
		return expr.Eval(set), nil

	default:
		return false, fmt.Errorf("unknown query kind %q", q.Kind)
	}
}

// Validate checks shape constraints recursively and returns all violations.
// It also asserts the in-memory tree is acyclic (impossible to express in
// JSON, but constructible by hand).
func (q *Query) Validate() []error {
	var errs []error
	visited := make(map[*Query]bool)
	q.validate("$", visited, &errs)
	return errs
}

func (q *Query) validate(path string, visited map[*Query]bool, errs *[]error) {
	if visited[q] {
		*errs = append(*errs, fmt.Errorf("%s: cycle detected in query tree", path))
		return
	}
	visited[q] = true
	defer delete(visited, q)

	switch q.Kind {
	case QueryKindTag:
		if Normalize(q.Tag) == "" {
			*errs = append(*errs, fmt.Errorf("%s: tag must be non-empty", path))
		}

	case QueryKindIn:
		if len(q.In) == 0 {
			*errs = append(*errs, fmt.Errorf("%s: $in requires a non-empty string array", path))
		}
		for i, t := range q.In {
			if Normalize(t) == "" {
				*errs = append(*errs, fmt.Errorf("%s.$in[%d]: tag must be non-empty", path, i))
			}
		}

	case QueryKindOr, QueryKindAnd:
		if len(q.Children) == 0 {
			*errs = append(*errs, fmt.Errorf("%s: %s requires a non-empty array", path, q.Kind))
		}
		for i, c := range q.Children {
			if c == nil {
				*errs = append(*errs, fmt.Errorf("%s.%s[%d]: null child", path, q.Kind, i))
				continue
			}
			c.validate(fmt.Sprintf("%s.%s[%d]", path, q.Kind, i), visited, errs)
		}

	case QueryKindNot:
		if len(q.Children) != 1 || q.Children[0] == nil {
			*errs = append(*errs, fmt.Errorf("%s: $not requires exactly one child", path))
			return
		}
		q.Children[0].validate(path+".$not", visited, errs)

	case QueryKindAdvanced:
		if _, err := Parse(q.Advanced); err != nil {
			*errs = append(*errs, fmt.Errorf("%s.$advanced: %w", path, err))
		}

	default:
		*errs = append(*errs, fmt.Errorf("%s: unknown query kind %q", path, q.Kind))
	}
}

// MarshalJSON implements json.Marshaler using the single-key wire format.
func (q *Query) MarshalJSON() ([]byte, error) {
	switch q.Kind {
	case QueryKindTag:
		return json.Marshal(map[string]string{"tag": q.Tag})
	case QueryKindIn:
		return json.Marshal(map[string][]string{"$in": q.In})
	case QueryKindOr:
		return json.Marshal(map[string][]*Query{"$or": q.Children})
	case QueryKindAnd:
		return json.Marshal(map[string][]*Query{"$and": q.Children})
	case QueryKindNot:
		if len(q.Children) != 1 {
			return nil, errors.New("$not requires exactly one child")
		}
		return json.Marshal(map[string]*Query{"$not": q.Children[0]})
	case QueryKindAdvanced:
		return json.Marshal(map[string]string{"$advanced": q.Advanced})
	default:
		return nil, fmt.Errorf("unknown query kind %q", q.Kind)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Objects must contain exactly
// one recognized key; extra keys are rejected.
func (q *Query) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("tag query must be an object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("tag query must have exactly one key, got %d", len(raw))
	}

	for key, value := range raw {
		switch QueryKind(key) {
		case QueryKindTag:
			var tag string
			if err := json.Unmarshal(value, &tag); err != nil {
				return fmt.Errorf("tag: %w", err)
			}
			*q = Query{Kind: QueryKindTag, Tag: Normalize(tag)}

		case QueryKindIn:
			var in []string
			if err := json.Unmarshal(value, &in); err != nil {
				return fmt.Errorf("$in: %w", err)
			}
			*q = Query{Kind: QueryKindIn, In: in}

		case QueryKindOr, QueryKindAnd:
			var children []*Query
			if err := json.Unmarshal(value, &children); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*q = Query{Kind: QueryKind(key), Children: children}

		case QueryKindNot:
			var child Query
			if err := json.Unmarshal(value, &child); err != nil {
				return fmt.Errorf("$not: %w", err)
			}
			*q = Query{Kind: QueryKindNot, Children: []*Query{&child}}

		case QueryKindAdvanced:
			var expr string
			if err := json.Unmarshal(value, &expr); err != nil {
				return fmt.Errorf("$advanced: %w", err)
			}
			*q = Query{Kind: QueryKindAdvanced, Advanced: expr}

		default:
			return fmt.Errorf("unknown tag query key %q", key)
		}
	}
	return nil
}
