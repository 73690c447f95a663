package credstore

import (
	"fmt"
	"sort"
	"strings"
)

// Scope is a permission capability tag. The set is closed: unknown scope
// strings are rejected at registration so the hot-path authorization check is
// a plain set-membership test.
type Scope string

const (
	ScopeDockerStart   Scope = "docker:start"
	ScopeDockerStop    Scope = "docker:stop"
	ScopeDockerRestart Scope = "docker:restart"
	ScopeDockerLogs    Scope = "docker:logs"
	ScopeDockerStats   Scope = "docker:stats"
	ScopeMetricsRead   Scope = "metrics:read"
	ScopeFilesRead     Scope = "files:read"
	ScopeFilesWrite    Scope = "files:write"
	ScopeExecRun       Scope = "exec:run"
	ScopeSystemInfo    Scope = "system:info"
)

// AllScopes lists every defined capability, grouped by family prefix.
var AllScopes = []Scope{
	ScopeDockerStart, ScopeDockerStop, ScopeDockerRestart,
	ScopeDockerLogs, ScopeDockerStats,
	ScopeMetricsRead,
	ScopeFilesRead, ScopeFilesWrite,
	ScopeExecRun,
	ScopeSystemInfo,
}

// ExpandScopes resolves a mixed list of literal scopes and wildcard patterns
// ("docker:*", "*") into a sorted, deduplicated set of concrete scopes.
// Expansion happens once at registration time, never during dispatch.
func ExpandScopes(raw []string) ([]Scope, error) {
	set := make(map[Scope]struct{})

	for _, entry := range raw {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue

		case entry == "*":
			for _, s := range AllScopes {
				set[s] = struct{}{}
			}

		case strings.HasSuffix(entry, ":*"):
			family := strings.TrimSuffix(entry, ":*")
			matched := false
			for _, s := range AllScopes {
				if strings.HasPrefix(string(s), family+":") {
					set[s] = struct{}{}
					matched = true
				}
			}
			if !matched {
				return nil, fmt.Errorf("unknown scope family %q", family)
			}

		default:
			s := Scope(entry)
			if !validScope(s) {
				return nil, fmt.Errorf("unknown scope %q", entry)
			}
			set[s] = struct{}{}
		}
	}

	out := make([]Scope, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// HasScope reports whether the server holds the given capability.
func (s *RegisteredServer) HasScope(scope Scope) bool {
	for _, have := range s.Scopes {
		if have == scope {
			return true
		}
	}
	return false
}

func validScope(s Scope) bool {
	for _, known := range AllScopes {
		if known == s {
			return true
		}
	}
	return false
}
