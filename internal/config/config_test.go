package config

import (
	"strings"
	"testing"
)

func TestDefaultUsesXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	cfg := Default()
	if cfg.Listen != "unix:path=/run/user/1000/busd-session" {
		t.Fatalf("Listen = %q", cfg.Listen)
	}
}

func TestDefaultFallsBackWithoutXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "")
	cfg := Default()
	if !strings.HasPrefix(cfg.Listen, "unix:path=/run/user/") {
		t.Fatalf("Listen = %q, want /run/user/<uid> fallback", cfg.Listen)
	}
	if !strings.HasSuffix(cfg.Listen, "/busd-session") {
		t.Fatalf("Listen = %q, want busd-session suffix", cfg.Listen)
	}
}

func TestPolicyEvaluateAlwaysAllows(t *testing.T) {
	var p Policy
	if got := p.Evaluate(EvalContext{Operation: "own", Name: "org.test"}); got != DecisionAllow {
		t.Fatalf("Evaluate() = %v, want DecisionAllow", got)
	}

	p = Policy{Contexts: []PolicyContext{{
		Kind:  ContextUser,
		User:  "nobody",
		Rules: []Rule{{Access: Deny, Own: &NameOwnership{Own: Name{Exact: "org.test"}}}},
	}}}
	if got := p.Evaluate(EvalContext{Operation: "own", Name: "org.test"}); got != DecisionAllow {
		t.Fatalf("Evaluate() with a Deny rule loaded = %v, want DecisionAllow (evaluation is out of scope)", got)
	}
}
