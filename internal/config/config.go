// Package config loads the YAML document covering every recognized key
// from spec.md §6: telegram, tmux, paths, whitelist_keys, command_policy,
// and auth. Grounded on houx15-agenterm's internal/registry YAML loading
// shape, adapted to a single document instead of a directory of per-agent
// files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TelegramConfig is the telegram.* section.
type TelegramConfig struct {
	BotToken    string `yaml:"bot_token"`
	UseWebhook  bool   `yaml:"use_webhook"`
	WebhookURL  string `yaml:"webhook_url"`
	ListenHost  string `yaml:"listen_host"`
	ListenPort  int    `yaml:"listen_port"`
	PollTimeout int    `yaml:"poll_timeout_seconds"`
}

// TmuxConfig is the tmux.* section: the fixed pane geometry and how much
// scrollback a capture pulls.
type TmuxConfig struct {
	Width      int `yaml:"width"`
	Height     int `yaml:"height"`
	Scrollback int `yaml:"scrollback"`
}

// PathsConfig is the paths.* section: where the durable stores live.
type PathsConfig struct {
	StatePath       string `yaml:"state_path"`
	TagRegistryPath string `yaml:"tag_registry_path"`
	PromptRulesPath string `yaml:"prompt_rules_path"`
	WhitelistPath   string `yaml:"whitelist_path"`
	AuditDBPath     string `yaml:"audit_db_path"`
}

// CommandPolicyConfig is the command_policy.* section. StrictMode turns on
// the opt-in shell-injection/path-scope layer (internal/policy.StrictConfig)
// on top of the base length/blocked/allowlist rules below.
type CommandPolicyConfig struct {
	MaxLength        int      `yaml:"max_length"`
	BlockedPatterns  []string `yaml:"blocked_patterns"`
	AllowedPatterns  []string `yaml:"allowed_patterns"`
	RequireAllowlist bool     `yaml:"require_allowlist"`
	StrictMode       bool     `yaml:"strict_mode"`
}

// AuthConfig is the auth.* section.
type AuthConfig struct {
	LockoutSeconds       int `yaml:"lockout_seconds"`
	MaxFailures          int `yaml:"max_failures"`
	FailureWindowSeconds int `yaml:"failure_window_seconds"`
	RotationGraceSeconds int `yaml:"rotation_grace_seconds"`
}

// AuditStreamConfig configures the optional admin live-tail websocket. Not
// named in spec.md §6's literal key list; added to give
// internal/auditstream a config-surface home.
type AuditStreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// WhitelistKey is one bootstrap whitelist entry, matching auth.Entry's
// shape minus runtime-only fields. Further mutation happens through admin
// commands, persisted by auth.Manager itself, not by rewriting this file.
type WhitelistKey struct {
	UserID   string `yaml:"user_id"`
	Key      string `yaml:"access_key"`
	ServerIP string `yaml:"server_ip"`
	Admin    bool   `yaml:"admin"`
}

// Config is the top-level document.
type Config struct {
	Telegram      TelegramConfig      `yaml:"telegram"`
	Tmux          TmuxConfig          `yaml:"tmux"`
	Paths         PathsConfig         `yaml:"paths"`
	WhitelistKeys []WhitelistKey      `yaml:"whitelist_keys"`
	CommandPolicy CommandPolicyConfig `yaml:"command_policy"`
	Auth          AuthConfig          `yaml:"auth"`
	AuditStream   AuditStreamConfig   `yaml:"audit_stream"`
}

// Load reads and validates the YAML document at path, filling in the
// defaults the original bot_app.py hardcoded (geometry, scrollback,
// policy length cap) when a section is omitted.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Tmux: TmuxConfig{Width: 220, Height: 50, Scrollback: 2000},
		Paths: PathsConfig{
			StatePath:       "state.json",
			TagRegistryPath: "registry.json",
			PromptRulesPath: "prompt_rules.yaml",
			WhitelistPath:   "whitelist.json",
			AuditDBPath:     "audit.db",
		},
		CommandPolicy: CommandPolicyConfig{MaxLength: 4000},
		Auth: AuthConfig{
			LockoutSeconds:       900,
			MaxFailures:          5,
			FailureWindowSeconds: 600,
			RotationGraceSeconds: 86400,
		},
	}
}

func (c *Config) validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Telegram.UseWebhook && c.Telegram.WebhookURL == "" {
		return fmt.Errorf("telegram.webhook_url is required when use_webhook is true")
	}
	if c.Tmux.Width <= 0 || c.Tmux.Height <= 0 {
		return fmt.Errorf("tmux.width and tmux.height must be positive")
	}
	if c.CommandPolicy.MaxLength <= 0 {
		return fmt.Errorf("command_policy.max_length must be positive")
	}
	return nil
}

// ResolvePath joins a possibly-relative paths.* entry against the
// directory the config file itself lives in, so a config can be run from
// anywhere and still find its companion stores.
func ResolvePath(configPath, entry string) string {
	if filepath.IsAbs(entry) {
		return entry
	}
	return filepath.Join(filepath.Dir(configPath), entry)
}
