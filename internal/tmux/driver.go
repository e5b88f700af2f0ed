// Package tmux is a thin facade over the tmux binary: create/kill/list
// sessions, send keystrokes, and capture pane text for a fixed, reproducible
// geometry. It knows nothing about tabs, users, or policy — callers supply a
// session name and get back normalized text or a typed error.
package tmux

import (
	"context"
	"errors"
	"fmt"
)

// Key names accepted by SendKey. These map 1:1 to tmux's own key names.
const (
	KeyEnter Key = "Enter"
	KeyCtrlC Key = "C-c"
	KeyCtrlZ Key = "C-z"
)

type Key string

// ErrSessionMissing is returned when an operation targets a tgbot_* session
// that does not exist in tmux's session list.
var ErrSessionMissing = errors.New("tmux session missing")

// DriverFault wraps a non-zero exit from the tmux binary itself — a
// transport-level failure, distinct from "the session doesn't exist".
type DriverFault struct {
	Op     string
	Stderr string
	Err    error
}

func (e *DriverFault) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("tmux driver fault during %s: %s", e.Op, e.Stderr)
	}
	return fmt.Sprintf("tmux driver fault during %s: %v", e.Op, e.Err)
}

func (e *DriverFault) Unwrap() error { return e.Err }

func IsSessionMissing(err error) bool {
	var f *DriverFault
	if errors.As(err, &f) {
		return false
	}
	return errors.Is(err, ErrSessionMissing)
}

func IsDriverFault(err error) bool {
	var f *DriverFault
	return errors.As(err, &f)
}

// Job is a single entry from the shell's job-control table (`jobs -l`).
type Job struct {
	ID      string
	Command string
}

// Geometry is the fixed pane size applied at session creation so that
// captures are reproducible regardless of the controlling terminal.
type Geometry struct {
	Width  int
	Height int
}

// Driver is the operations a tab needs from the underlying multiplexer.
// All session names are expected to already carry the "tgbot_" prefix —
// the driver itself is name-agnostic.
type Driver interface {
	// CreateSession starts a new detached session named `name`, applying
	// the configured fixed geometry. Succeeds if the session already exists.
	CreateSession(ctx context.Context, name string, workDir string) error

	// HasSession reports whether a live session with this name exists.
	HasSession(ctx context.Context, name string) (bool, error)

	// KillSession destroys a session. Idempotent: killing a missing
	// session returns success.
	KillSession(ctx context.Context, name string) error

	// ListSessions returns all live session names, not just tgbot_* ones.
	ListSessions(ctx context.Context) ([]string, error)

	// SendText sends literal text to the session's pane, followed by Enter.
	SendText(ctx context.Context, name string, text string) error

	// SendKey sends a single named key (no literal text, no trailing Enter).
	SendKey(ctx context.Context, name string, key Key) error

	// Capture returns the last `scrollbackLines` of the pane, normalized:
	// CRLF collapsed to LF, ANSI escapes and non-printable bytes stripped
	// except for newlines.
	Capture(ctx context.Context, name string, scrollbackLines int) (string, error)

	// ListJobs runs `jobs -l` in the session and parses the suspended/
	// background job table.
	ListJobs(ctx context.Context, name string) ([]Job, error)

	// WorkDir returns the pane's current working directory.
	WorkDir(ctx context.Context, name string) (string, error)
}
