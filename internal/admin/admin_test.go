package admin

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/songying/claude-tgbot/internal/auth"
)

func newTestManager(t *testing.T) *auth.Manager {
	t.Helper()
	mgr, err := auth.Open(filepath.Join(t.TempDir(), "whitelist.json"), auth.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("auth.Open() error = %v", err)
	}
	return mgr
}

func TestHandleUpdateKeyAddsEntry(t *testing.T) {
	mgr := newTestManager(t)
	reply, err := Handle(`/update_key u1 secret123`, mgr, time.Now())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply == "" {
		t.Fatal("expected non-empty reply")
	}
	entry, ok := mgr.Whitelisted("u1")
	if !ok || entry.Key != "secret123" {
		t.Fatalf("Whitelisted() = %+v, %v", entry, ok)
	}
}

func TestHandleUpdateKeyWithExpiry(t *testing.T) {
	mgr := newTestManager(t)
	expiry := time.Now().Add(time.Hour).Unix()
	_, err := Handle(`/update_key u1 secret123 `+strconv.FormatInt(expiry, 10), mgr, time.Now())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	entry, _ := mgr.Whitelisted("u1")
	if entry.ExpiresAt == nil {
		t.Fatal("expected ExpiresAt to be set")
	}
}

func TestHandleUpdateKeyMissingArgs(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := Handle(`/update_key u1`, mgr, time.Now()); !IsUsageError(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHandleRevokeKeyRemovesEntry(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := Handle(`/update_key u1 secret123`, mgr, time.Now()); err != nil {
		t.Fatalf("setup error = %v", err)
	}
	reply, err := Handle(`/revoke_key u1`, mgr, time.Now())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply == "" {
		t.Fatal("expected non-empty reply")
	}
	if _, ok := mgr.Whitelisted("u1"); ok {
		t.Fatal("expected u1 to be removed from whitelist")
	}
}

func TestHandleRevokeKeyUnknownUser(t *testing.T) {
	mgr := newTestManager(t)
	reply, err := Handle(`/revoke_key ghost`, mgr, time.Now())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply == "" {
		t.Fatal("expected a reply explaining no key was configured")
	}
}

func TestHandleRotateTokenMissingArg(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := Handle(`/rotate_token`, mgr, time.Now()); !IsUsageError(err) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestHandleRotateTokenSucceeds(t *testing.T) {
	mgr := newTestManager(t)
	reply, err := Handle(`/rotate_token newtoken`, mgr, time.Now())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if reply == "" {
		t.Fatal("expected non-empty reply")
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := Handle(`/frobnicate u1`, mgr, time.Now()); !IsUsageError(err) {
		t.Fatalf("expected usage error for unknown command, got %v", err)
	}
}

func TestHandleQuotedArguments(t *testing.T) {
	mgr := newTestManager(t)
	if _, err := Handle(`/update_key "user with spaces" "key with spaces"`, mgr, time.Now()); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	entry, ok := mgr.Whitelisted("user with spaces")
	if !ok || entry.Key != "key with spaces" {
		t.Fatalf("Whitelisted() = %+v, %v", entry, ok)
	}
}
