// Package promptrule is the Prompt-Rule Engine (4.F): pattern matching over
// captured pane output producing an optional "emit incrementally, and with
// these buttons" signal for claude mode. Rules are compiled once at load
// time and swapped atomically on reload through an atomic pointer.
package promptrule

import (
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/songying/claude-tgbot/internal/parser"
)

// Button is one inline action rendered alongside an incremental flush.
type Button struct {
	Label  string `yaml:"label"`
	Action string `yaml:"action"`
}

// Signal is what evaluate() returns on a match.
type Signal struct {
	Incremental bool
	Buttons     []Button
}

type matcherConfig struct {
	ID                string   `yaml:"id"`
	Type              string   `yaml:"type"` // "regex" | "keyword"
	Pattern           string   `yaml:"pattern"`
	Keywords          []string `yaml:"keywords"`
	CaseSensitive     bool     `yaml:"case_sensitive"`
	IncrementalOutput bool     `yaml:"incremental_output"`
	Buttons           []Button `yaml:"buttons"`
}

type userOverrideConfig struct {
	Enabled          *bool `yaml:"enabled"`
	ForceIncremental *bool `yaml:"force_incremental"`
}

// fileConfig is the on-disk shape: global enable switch, ordered matcher
// list, default-silence fallback, and per-user overrides.
type fileConfig struct {
	Enabled        bool                          `yaml:"enabled"`
	DefaultSilence bool                          `yaml:"default_silence"`
	Matchers       []matcherConfig               `yaml:"matchers"`
	UserOverrides  map[string]userOverrideConfig `yaml:"user_overrides"`
}

type compiledMatcher struct {
	id                string
	isRegex           bool
	regex             *regexp.Regexp
	keywords          []string
	caseSensitive     bool
	incrementalOutput bool
	buttons           []Button
}

type compiled struct {
	enabled        bool
	defaultSilence bool
	matchers       []compiledMatcher
	userOverrides  map[string]userOverrideConfig
}

// Engine holds the active rule set behind an atomic pointer so Reload never
// blocks a concurrent Evaluate.
type Engine struct {
	current atomic.Pointer[compiled]
}

// defaultMatchers seeds the engine with the bundled prompt detectors from
// internal/parser, used whenever a loaded rule file doesn't define its own
// matcher list.
func defaultMatchers() []compiledMatcher {
	return []compiledMatcher{
		{id: "shell-prompt", isRegex: true, regex: parser.PromptShellPattern, incrementalOutput: true},
		{id: "confirm-prompt", isRegex: true, regex: parser.PromptConfirmPattern, incrementalOutput: true,
			buttons: []Button{{Label: "Yes", Action: "y"}, {Label: "No", Action: "n"}}},
		{id: "question-prompt", isRegex: true, regex: parser.PromptQuestionPattern, incrementalOutput: true},
	}
}

// New builds an Engine with the bundled default rule set active (no rule
// file yet loaded).
func New() *Engine {
	e := &Engine{}
	e.current.Store(&compiled{enabled: true, defaultSilence: true, matchers: defaultMatchers()})
	return e
}

// LoadFile reads a YAML rule document and swaps it in atomically. An empty
// matcher list falls back to the bundled defaults.
func (e *Engine) LoadFile(data []byte) error {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse prompt rules: %w", err)
	}

	c := &compiled{
		enabled:        fc.Enabled,
		defaultSilence: fc.DefaultSilence,
		userOverrides:  fc.UserOverrides,
	}
	if len(fc.Matchers) == 0 {
		c.matchers = defaultMatchers()
	} else {
		for _, m := range fc.Matchers {
			cm := compiledMatcher{
				id:                m.ID,
				caseSensitive:     m.CaseSensitive,
				incrementalOutput: m.IncrementalOutput,
				buttons:           m.Buttons,
			}
			if m.Type == "regex" {
				flags := ""
				if !m.CaseSensitive {
					flags = "(?i)"
				}
				re, err := regexp.Compile(flags + m.Pattern)
				if err != nil {
					return fmt.Errorf("compile rule %q: %w", m.ID, err)
				}
				cm.isRegex = true
				cm.regex = re
			} else {
				cm.keywords = m.Keywords
			}
			c.matchers = append(c.matchers, cm)
		}
	}
	e.current.Store(c)
	return nil
}

// Evaluate implements the §4.F algorithm exactly: global/user disable
// checks, first-match-wins over ordered matchers, force_incremental
// override, then the default_silence fallback.
func (e *Engine) Evaluate(text string, userID string) *Signal {
	c := e.current.Load()
	if c == nil || !c.enabled {
		return nil
	}
	override, hasOverride := c.userOverrides[userID]
	if hasOverride && override.Enabled != nil && !*override.Enabled {
		return nil
	}

	for _, m := range c.matchers {
		if !m.match(text) {
			continue
		}
		incremental := m.incrementalOutput
		if hasOverride && override.ForceIncremental != nil {
			incremental = *override.ForceIncremental
		}
		return &Signal{Incremental: incremental, Buttons: m.buttons}
	}

	if c.defaultSilence {
		return nil
	}
	return &Signal{Incremental: true, Buttons: nil}
}

func (m *compiledMatcher) match(text string) bool {
	if m.isRegex {
		return m.regex.MatchString(text)
	}
	haystack := text
	if !m.caseSensitive {
		haystack = strings.ToLower(haystack)
	}
	for _, kw := range m.keywords {
		needle := kw
		if !m.caseSensitive {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
