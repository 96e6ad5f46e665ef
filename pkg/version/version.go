// Package version resolves the build identity stamped into MCP handshakes
// and log lines.
package version

import "runtime/debug"

// AppName identifies this binary in implementation info and version strings.
const AppName = "onemcp"

// commit is injected with -ldflags for builds where VCS metadata is
// unavailable (container builds from exported sources).
var commit string

// GitCommit is the short revision this binary was built from, or "dev" when
// nothing identifies the build (go test, non-git checkouts).
var GitCommit = resolveCommit()

func resolveCommit() string {
	if commit != "" {
		return shortRev(commit)
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" && s.Value != "" {
				return shortRev(s.Value)
			}
		}
	}
	return "dev"
}

func shortRev(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "onemcp/<commit>", the form used for client info strings.
func Full() string {
	return AppName + "/" + GitCommit
}
