package proxy

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1mcp-app/onemcp/pkg/client"
	"github.com/1mcp-app/onemcp/pkg/filter"
	"github.com/1mcp-app/onemcp/pkg/tagquery"
)

// SessionOptions is the inbound session's configuration surface, usually
// parsed from request metadata or URL query parameters.
type SessionOptions struct {
	// Tags is the simple-or tag list (CSV on the wire).
	Tags []string
	// TagExpression is an advanced boolean expression.
	TagExpression string
	// TagFilterMode selects the filter variant; empty infers it from the
	// populated fields.
	TagFilterMode filter.Mode
	// TagQuery is the structured query variant.
	TagQuery *tagquery.Query
	// Preset names a stored filter.
	Preset string
	// Pagination returns one server's capabilities per page.
	Pagination bool
	// ToolPattern overrides the default capability name pattern.
	ToolPattern string
}

// ParseTagsCSV splits the wire form of the tags option.
func ParseTagsCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			tags = append(tags, trimmed)
		}
	}
	return tags
}

// filterSpec derives the session's filter specification, validating the
// advanced expression and structured query up front so a malformed filter
// fails at session establishment rather than on first use.
func (o SessionOptions) filterSpec() (filter.Spec, error) {
	mode := o.TagFilterMode
	if mode == "" {
		switch {
		case o.Preset != "":
			mode = filter.ModePreset
		case o.TagQuery != nil:
			mode = filter.ModeQuery
		case o.TagExpression != "":
			mode = filter.ModeAdvanced
		case len(o.Tags) > 0:
			mode = filter.ModeSimpleOr
		default:
			mode = filter.ModeNone
		}
	}
	if !mode.IsValid() {
		return filter.Spec{}, NewInvalidParams("unknown tag filter mode "+string(mode), -1)
	}

	spec := filter.Spec{
		Mode:       mode,
		Tags:       o.Tags,
		Expression: o.TagExpression,
		Query:      o.TagQuery,
		Preset:     o.Preset,
	}

	switch mode {
	case filter.ModeAdvanced:
		if _, err := tagquery.Parse(o.TagExpression); err != nil {
			var pe *tagquery.ParseError
			if errors.As(err, &pe) {
				return filter.Spec{}, NewInvalidParams(pe.Error(), pe.Offset)
			}
			return filter.Spec{}, NewInvalidParams(err.Error(), -1)
		}
	case filter.ModeQuery:
		if o.TagQuery == nil {
			return filter.Spec{}, NewInvalidParams("tag query is required in query mode", -1)
		}
		if errs := o.TagQuery.Validate(); len(errs) > 0 {
			return filter.Spec{}, NewInvalidParams(errors.Join(errs...).Error(), -1)
		}
	}
	return spec, nil
}

// Session is one inbound connection's view over the outbound fleet.
type Session struct {
	ID      string
	Options SessionOptions
	Started time.Time

	spec      filter.Spec
	namer     *Namer
	coalescer *coalescer

	// send delivers coalesced change notifications to the inbound
	// transport.
	send func([]client.Notification)
}

func newSession(opts SessionOptions, spec filter.Spec, namer *Namer) *Session {
	return &Session{
		ID:      uuid.NewString(),
		Options: opts,
		Started: time.Now(),
		spec:    spec,
		namer:   namer,
	}
}

// Spec returns the session's resolved filter specification.
func (s *Session) Spec() filter.Spec { return s.spec }
