package policy

import (
	"errors"
	"testing"
)

func TestCheckAllowsSafeCommand(t *testing.T) {
	cfg, err := NewConfig(100, nil, nil, false)
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if err := cfg.Check("echo hello", "tab1", ""); err != nil {
		t.Fatalf("expected safe command to pass, got %v", err)
	}
}

func TestCheckRejectsOverLength(t *testing.T) {
	cfg, _ := NewConfig(5, nil, nil, false)
	err := cfg.Check("echo hello", "tab1", "")
	var perr *PolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if perr.Rule != "too_long" {
		t.Fatalf("Rule = %q, want too_long", perr.Rule)
	}
	if perr.TabID != "tab1" {
		t.Fatalf("TabID = %q, want tab1", perr.TabID)
	}
}

func TestCheckRejectsBlockedPattern(t *testing.T) {
	cfg, _ := NewConfig(100, []string{`^sudo\b`}, nil, false)
	if err := cfg.Check("sudo reboot", "tab1", ""); err == nil {
		t.Fatalf("expected blocked pattern to reject command")
	}
	if err := cfg.Check("echo ok", "tab1", ""); err != nil {
		t.Fatalf("unrelated command should pass, got %v", err)
	}
}

func TestCheckRequireAllowlist(t *testing.T) {
	cfg, _ := NewConfig(100, nil, []string{`^git\b`}, true)
	if err := cfg.Check("git status", "tab1", ""); err != nil {
		t.Fatalf("allowed command should pass, got %v", err)
	}
	if err := cfg.Check("ls -la", "tab1", ""); err == nil {
		t.Fatalf("expected command to be rejected for failing to match the allowlist")
	}
}

func TestCheckAllowlistInertWhenNotRequired(t *testing.T) {
	// When require_allowlist is false, allowed_patterns documents intent
	// but does not gate execution — any command clearing the other rules
	// passes.
	cfg, _ := NewConfig(100, nil, []string{`^git\b`}, false)
	if err := cfg.Check("ls -la", "tab1", ""); err != nil {
		t.Fatalf("allowlist should be inert when require_allowlist is false, got %v", err)
	}
}

func TestCheckAppliesStrictLayerWhenConfigured(t *testing.T) {
	cfg, _ := NewConfig(100, nil, nil, false)
	cfg.Strict = NewStrictConfig()

	if err := cfg.Check("echo $(whoami)", "tab1", ""); err == nil {
		t.Fatalf("expected strict layer to block command substitution")
	}
	if err := cfg.Check("echo hi", "tab1", ""); err != nil {
		t.Fatalf("safe command should still pass under strict layer, got %v", err)
	}
}

func TestCheckWithoutStrictLayerAllowsSubstitution(t *testing.T) {
	cfg, _ := NewConfig(100, nil, nil, false)
	if err := cfg.Check("echo $(whoami)", "tab1", ""); err != nil {
		t.Fatalf("base policy alone should not block substitution, got %v", err)
	}
}
