// Package policy implements the Command Policy (4.E): a side-effect-free
// predicate over outgoing shell text. The base rules are pure — same input
// always yields the same verdict, no I/O, no clock reads — so Check can run
// on the dispatcher's hot path with no locking. The opt-in strict layer's
// path-scope rule reads the filesystem to resolve symlinks, so its verdict
// can change when the filesystem does.
package policy

import (
	"fmt"
	"regexp"
)

// PolicyError reports why a command was rejected. TabID is set whenever the
// rejection happened in the context of a specific tab (every call site has
// one); it's empty only in tests that exercise Check directly.
type PolicyError struct {
	Rule   string
	Detail string
	TabID  string
}

func (e *PolicyError) Error() string {
	if e.TabID != "" {
		return fmt.Sprintf("command rejected by policy (%s) on tab %s: %s", e.Rule, e.TabID, e.Detail)
	}
	return fmt.Sprintf("command rejected by policy (%s): %s", e.Rule, e.Detail)
}

func IsPolicyError(err error) bool {
	_, ok := err.(*PolicyError)
	return ok
}

// Config is the compiled rule set: length cap, block-list, and an optional
// allow-list. When RequireAllowlist is true, a command must match at least
// one of AllowedPatterns to pass, in addition to clearing MaxLength and
// BlockedPatterns. When RequireAllowlist is false, AllowedPatterns (if any)
// are inert — matching spec.md's noted default behavior for that
// combination: an allow-list without enforcement just documents intent.
type Config struct {
	MaxLength        int
	BlockedPatterns  []*regexp.Regexp
	AllowedPatterns  []*regexp.Regexp
	RequireAllowlist bool
	Strict           *StrictConfig // nil disables the opt-in strict layer
}

// NewConfig compiles raw pattern strings into a Config. It never mutates raw
// input slices.
func NewConfig(maxLength int, blocked, allowed []string, requireAllowlist bool) (*Config, error) {
	cfg := &Config{MaxLength: maxLength, RequireAllowlist: requireAllowlist}
	for _, p := range blocked {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", p, err)
		}
		cfg.BlockedPatterns = append(cfg.BlockedPatterns, re)
	}
	for _, p := range allowed {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile allowed pattern %q: %w", p, err)
		}
		cfg.AllowedPatterns = append(cfg.AllowedPatterns, re)
	}
	return cfg, nil
}

// Check evaluates cmd against the compiled rule set and, when Strict is
// configured, the additional shell-injection/path-scope layer ported from
// the richer policy this one was distilled from. tabID identifies the tab
// the command is destined for (surfaced on any PolicyError for audit and
// reply purposes); workDir is that tab's current working directory, used
// only by the strict layer's path-scope rule.
func (c *Config) Check(cmd, tabID, workDir string) error {
	if len(cmd) > c.MaxLength {
		return &PolicyError{Rule: "too_long", Detail: fmt.Sprintf("command exceeds %d characters", c.MaxLength), TabID: tabID}
	}
	for _, re := range c.BlockedPatterns {
		if re.MatchString(cmd) {
			return &PolicyError{Rule: "blocked", Detail: fmt.Sprintf("matches blocked pattern %q", re.String()), TabID: tabID}
		}
	}
	if c.RequireAllowlist {
		matched := false
		for _, re := range c.AllowedPatterns {
			if re.MatchString(cmd) {
				matched = true
				break
			}
		}
		if !matched {
			return &PolicyError{Rule: "not_allowlisted", Detail: "command matches no allowed pattern", TabID: tabID}
		}
	}
	if c.Strict != nil {
		if err := c.Strict.check(cmd, tabID, workDir); err != nil {
			return err
		}
	}
	return nil
}
