// Package admin parses and executes the admin-only slash commands
// (/update_key, /revoke_key, /rotate_token), ported from admin.py's
// shlex-based parser onto github.com/kballard/go-shellquote.
package admin

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/songying/claude-tgbot/internal/auth"
)

// CommandError is returned for malformed admin input — bad arity, unknown
// verb, unparsable timestamp — as opposed to an error surfaced by auth
// itself.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func usageError(msg string) error { return &CommandError{Message: msg} }

// Handle parses and executes one admin command line, returning the text
// to reply with. now is passed in for RotateToken's grace-period math.
func Handle(command string, mgr *auth.Manager, now time.Time) (string, error) {
	args, err := shellquote.Split(command)
	if err != nil {
		return "", usageError("could not parse command: " + err.Error())
	}
	if len(args) == 0 {
		return "", usageError("command must not be empty")
	}
	name, rest := args[0], args[1:]

	switch name {
	case "/revoke_key":
		return handleRevokeKey(rest, mgr)
	case "/update_key":
		return handleUpdateKey(rest, mgr)
	case "/rotate_token":
		return handleRotateToken(rest, mgr, now)
	default:
		return "", usageError(fmt.Sprintf("unknown admin command: %s", name))
	}
}

func handleRevokeKey(args []string, mgr *auth.Manager) (string, error) {
	if len(args) != 1 {
		return "", usageError("usage: /revoke_key <user_id>")
	}
	userID := args[0]
	revoked, err := mgr.RevokeKey(userID)
	if err != nil {
		return "", err
	}
	if revoked {
		return fmt.Sprintf("revoked key for user %s", userID), nil
	}
	return fmt.Sprintf("user %s has no key configured", userID), nil
}

func handleUpdateKey(args []string, mgr *auth.Manager) (string, error) {
	if len(args) < 2 {
		return "", usageError("usage: /update_key <user_id> <new_key> [expires_at_unix]")
	}
	userID, newKey := args[0], args[1]
	var expiresAt *time.Time
	if len(args) > 2 {
		secs, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return "", usageError("expires_at must be a unix timestamp")
		}
		t := time.Unix(secs, 0).UTC()
		expiresAt = &t
	}
	if err := mgr.UpdateKey(userID, newKey, expiresAt); err != nil {
		return "", err
	}
	return fmt.Sprintf("updated key for user %s", userID), nil
}

func handleRotateToken(args []string, mgr *auth.Manager, now time.Time) (string, error) {
	if len(args) < 1 {
		return "", usageError("usage: /rotate_token <new_token>")
	}
	if _, _, err := mgr.RotateToken(args[0], now); err != nil {
		return "", err
	}
	return "token rotated", nil
}

// IsUsageError reports whether err is a CommandError raised for malformed
// input, as opposed to a failure from the underlying auth store.
func IsUsageError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}
