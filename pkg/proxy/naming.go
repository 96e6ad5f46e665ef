package proxy

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultToolPattern namespaces exposed tool and prompt names.
const DefaultToolPattern = "{server}_1mcp_{tool}"

const (
	serverPlaceholder = "{server}"
	toolPlaceholder   = "{tool}"
)

// Namer applies and inverts the per-session capability name pattern. The
// pattern must contain {server} and {tool}, in that order.
type Namer struct {
	prefix string // before {server}
	infix  string // between {server} and {tool}
	suffix string // after {tool}
}

// NewNamer validates and compiles a name pattern. An empty pattern selects
// the default.
func NewNamer(pattern string) (*Namer, error) {
	if pattern == "" {
		pattern = DefaultToolPattern
	}
	si := strings.Index(pattern, serverPlaceholder)
	ti := strings.Index(pattern, toolPlaceholder)
	if si < 0 || ti < 0 {
		return nil, fmt.Errorf("name pattern %q must contain both {server} and {tool}", pattern)
	}
	if ti < si {
		return nil, fmt.Errorf("name pattern %q must place {server} before {tool}", pattern)
	}
	return &Namer{
		prefix: pattern[:si],
		infix:  pattern[si+len(serverPlaceholder) : ti],
		suffix: pattern[ti+len(toolPlaceholder):],
	}, nil
}

// Join produces the exposed name for a server's capability.
func (n *Namer) Join(server, tool string) string {
	return n.prefix + server + n.infix + tool + n.suffix
}

// Split inverts Join against a known server set. Server names may contain
// the pattern's separator, so candidates are tried longest-first for a
// deterministic parse.
func (n *Namer) Split(name string, servers []string) (server, tool string, ok bool) {
	body, found := strings.CutPrefix(name, n.prefix)
	if !found {
		return "", "", false
	}
	body, found = strings.CutSuffix(body, n.suffix)
	if !found {
		return "", "", false
	}

	sorted := make([]string, len(servers))
	copy(sorted, servers)
	sort.Slice(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	for _, s := range sorted {
		rest, found := strings.CutPrefix(body, s+n.infix)
		if found && rest != "" {
			return s, rest, true
		}
	}
	return "", "", false
}

// ResourceURI namespaces a resource as <server>/<uri>.
func ResourceURI(server, uri string) string {
	return server + "/" + uri
}

// SplitResourceURI inverts ResourceURI against a known server set.
func SplitResourceURI(namespaced string, servers []string) (server, uri string, ok bool) {
	for _, s := range servers {
		rest, found := strings.CutPrefix(namespaced, s+"/")
		if found && rest != "" {
			return s, rest, true
		}
	}
	return "", "", false
}
