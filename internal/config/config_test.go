package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "telegram:\n  bot_token: abc123\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tmux.Width != 220 || cfg.Tmux.Height != 50 {
		t.Fatalf("Tmux = %+v, want default geometry", cfg.Tmux)
	}
	if cfg.CommandPolicy.MaxLength != 4000 {
		t.Fatalf("CommandPolicy.MaxLength = %d, want 4000", cfg.CommandPolicy.MaxLength)
	}
	if cfg.Paths.StatePath != "state.json" {
		t.Fatalf("Paths.StatePath = %q, want state.json", cfg.Paths.StatePath)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
telegram:
  bot_token: abc123
  use_webhook: true
  webhook_url: https://example.com/hook
tmux:
  width: 100
  height: 30
  scrollback: 500
command_policy:
  max_length: 200
  require_allowlist: true
  strict_mode: true
  allowed_patterns:
    - "^ls"
whitelist_keys:
  - user_id: u1
    access_key: secret
    admin: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Tmux.Width != 100 || cfg.Tmux.Scrollback != 500 {
		t.Fatalf("Tmux = %+v", cfg.Tmux)
	}
	if !cfg.CommandPolicy.RequireAllowlist || cfg.CommandPolicy.MaxLength != 200 {
		t.Fatalf("CommandPolicy = %+v", cfg.CommandPolicy)
	}
	if !cfg.CommandPolicy.StrictMode {
		t.Fatal("expected command_policy.strict_mode to be true")
	}
	if len(cfg.WhitelistKeys) != 1 || !cfg.WhitelistKeys[0].Admin {
		t.Fatalf("WhitelistKeys = %+v", cfg.WhitelistKeys)
	}
}

func TestLoadRejectsMissingBotToken(t *testing.T) {
	path := writeConfig(t, "tmux:\n  width: 100\n  height: 40\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing telegram.bot_token")
	}
}

func TestLoadRejectsWebhookWithoutURL(t *testing.T) {
	path := writeConfig(t, "telegram:\n  bot_token: abc\n  use_webhook: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for use_webhook without webhook_url")
	}
}

func TestResolvePathJoinsRelativeToConfigDir(t *testing.T) {
	got := ResolvePath("/etc/claude-tgbot/config.yaml", "state.json")
	want := "/etc/claude-tgbot/state.json"
	if got != want {
		t.Fatalf("ResolvePath() = %q, want %q", got, want)
	}
}

func TestResolvePathLeavesAbsoluteUntouched(t *testing.T) {
	got := ResolvePath("/etc/claude-tgbot/config.yaml", "/var/lib/state.json")
	if got != "/var/lib/state.json" {
		t.Fatalf("ResolvePath() = %q, want unchanged absolute path", got)
	}
}
