package dispatch

import "warden/internal/credstore"

// actionScopes maps every dispatchable action to the capability a server must
// hold before the command is sent. The check happens on the control plane, so
// a compromised agent cannot grant itself actions it was never scoped for.
var actionScopes = map[string]credstore.Scope{
	"ping":              credstore.ScopeSystemInfo,
	"system.info":       credstore.ScopeSystemInfo,
	"metrics.collect":   credstore.ScopeMetricsRead,
	"container.start":   credstore.ScopeDockerStart,
	"container.stop":    credstore.ScopeDockerStop,
	"container.restart": credstore.ScopeDockerRestart,
	"container.logs":    credstore.ScopeDockerLogs,
	"container.stats":   credstore.ScopeDockerStats,
	"file.read":         credstore.ScopeFilesRead,
	"file.write":        credstore.ScopeFilesWrite,
	"exec.run":          credstore.ScopeExecRun,
}

// RequiredScope returns the scope an action demands, and whether the action
// is known at all.
func RequiredScope(action string) (credstore.Scope, bool) {
	scope, ok := actionScopes[action]
	return scope, ok
}

// Actions returns the names of all dispatchable actions.
func Actions() []string {
	out := make([]string, 0, len(actionScopes))
	for a := range actionScopes {
		out = append(out, a)
	}
	return out
}
