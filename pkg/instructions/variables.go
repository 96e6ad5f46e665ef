package instructions

import (
	"fmt"
	"sort"
	"strings"
)

// ServerView is one filtered outbound server as seen by the aggregator.
// Connected reports whether the server currently has a live session.
type ServerView struct {
	Name      string
	Connected bool
}

// ServerEntry is the per-server record exposed to templates.
type ServerEntry struct {
	Name            string
	Instructions    string
	HasInstructions bool
}

// Variables is the immutable record a single render works from. Iteration
// order over Servers and ServerNames is lexicographic on name.
type Variables struct {
	// ServerCount counts servers that contributed an instruction.
	ServerCount int
	// ConnectedServerCount counts connected servers in the filtered view.
	ConnectedServerCount int

	HasServers              bool
	HasInstructionalServers bool

	ServerNames []string
	Servers     []ServerEntry

	// Instructions is every contributing server's text wrapped in an
	// XML element named after the server.
	Instructions string

	FilterContext string
	ToolPattern   string
	Title         string
	Examples      []string

	PluralServers          string
	IsAre                  string
	ConnectedPluralServers string
	ConnectedIsAre         string
}

// RenderOptions carries host-supplied presentation inputs.
type RenderOptions struct {
	FilterContext string
	ToolPattern   string
	Title         string
	Examples      []string
}

const (
	defaultTitle       = "Model Context Protocol Proxy"
	defaultToolPattern = "{server}_1mcp_{tool}"
)

// buildVariables intersects the filtered view with the instruction map.
func buildVariables(view []ServerView, instr map[string]string, opts RenderOptions) Variables {
	sorted := make([]ServerView, len(view))
	copy(sorted, view)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	vars := Variables{
		FilterContext: opts.FilterContext,
		ToolPattern:   opts.ToolPattern,
		Title:         opts.Title,
		Examples:      opts.Examples,
	}
	if vars.Title == "" {
		vars.Title = defaultTitle
	}
	if vars.ToolPattern == "" {
		vars.ToolPattern = defaultToolPattern
	}

	var wrapped strings.Builder
	for _, sv := range sorted {
		if sv.Connected {
			vars.ConnectedServerCount++
		}
		text, ok := instr[sv.Name]
		entry := ServerEntry{Name: sv.Name, Instructions: text, HasInstructions: ok}
		vars.Servers = append(vars.Servers, entry)
		if !ok {
			continue
		}
		vars.ServerCount++
		vars.ServerNames = append(vars.ServerNames, sv.Name)
		if wrapped.Len() > 0 {
			wrapped.WriteString("\n\n")
		}
		fmt.Fprintf(&wrapped, "<%s>\n%s\n</%s>", sv.Name, text, sv.Name)
	}
	vars.Instructions = wrapped.String()

	vars.HasServers = vars.ConnectedServerCount > 0
	vars.HasInstructionalServers = vars.ServerCount > 0
	vars.PluralServers, vars.IsAre = grammar(vars.ServerCount)
	vars.ConnectedPluralServers, vars.ConnectedIsAre = grammar(vars.ConnectedServerCount)
	return vars
}

func grammar(n int) (plural, isAre string) {
	if n == 1 {
		return "server", "is"
	}
	return "servers", "are"
}
