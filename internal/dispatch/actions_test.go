package dispatch

import (
	"testing"

	"warden/internal/credstore"
)

func TestRequiredScope(t *testing.T) {
	tests := []struct {
		action string
		want   credstore.Scope
	}{
		{"ping", credstore.ScopeSystemInfo},
		{"system.info", credstore.ScopeSystemInfo},
		{"metrics.collect", credstore.ScopeMetricsRead},
		{"container.restart", credstore.ScopeDockerRestart},
		{"exec.run", credstore.ScopeExecRun},
	}
	for _, tt := range tests {
		got, ok := RequiredScope(tt.action)
		if !ok {
			t.Errorf("RequiredScope(%q) unknown", tt.action)
			continue
		}
		if got != tt.want {
			t.Errorf("RequiredScope(%q) = %q, want %q", tt.action, got, tt.want)
		}
	}

	if _, ok := RequiredScope("unknown.action"); ok {
		t.Error("expected unknown action to be rejected")
	}
}

func TestEveryActionMapsToDefinedScope(t *testing.T) {
	for _, action := range Actions() {
		scope, _ := RequiredScope(action)
		if _, err := credstore.ExpandScopes([]string{string(scope)}); err != nil {
			t.Errorf("action %q maps to undefined scope %q", action, scope)
		}
	}
}
