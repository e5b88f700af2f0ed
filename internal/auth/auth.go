// Package auth is the Auth Manager (4.D): whitelist lookup, key/IP/expiry
// validation, and lockout bookkeeping on repeated failures. It owns the
// whitelist document (plus the supplemental shared-token list described
// below) and persists it on every admin mutation.
package auth

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one whitelist record, matching spec.md's "Whitelist entry".
type Entry struct {
	UserID    string     `json:"user_id"`
	Key       string     `json:"access_key"`
	ServerIP  string     `json:"server_ip,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Admin     bool       `json:"admin,omitempty"`
}

func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// SharedKey is a supplemental, non-whitelist authentication path carried
// over from the original shared-token design: a bot-wide token usable by
// anyone, rotated with a grace period rather than revoked outright.
type SharedKey struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (k SharedKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && !k.ExpiresAt.After(now)
}

// Outcome is the result of a login attempt.
type Outcome struct {
	Granted    bool
	Denied     bool
	Reason     string // set when Denied
	LockedOut  bool
	LockedTill time.Time
}

func granted() Outcome { return Outcome{Granted: true} }

func denied(reason string) Outcome { return Outcome{Denied: true, Reason: reason} }

func lockedOut(until time.Time) Outcome { return Outcome{LockedOut: true, LockedTill: until} }

// Reason codes returned in Outcome.Reason.
const (
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonIPMismatch     = "ip_mismatch"
	ReasonExpired        = "expired"
	ReasonBadKey         = "bad_key"
)

type failureRecord struct {
	attempts   []time.Time
	lockedTill time.Time
}

// Config bounds the ring/window lockout behaviour.
type Config struct {
	MaxFailures          int
	FailureWindow        time.Duration
	LockoutDuration      time.Duration
	RotationGraceSeconds time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxFailures:          5,
		FailureWindow:        10 * time.Minute,
		LockoutDuration:      15 * time.Minute,
		RotationGraceSeconds: 24 * time.Hour,
	}
}

type document struct {
	Whitelist  map[string]*Entry `json:"whitelist"`
	SharedKeys []SharedKey       `json:"shared_keys"`
}

// Manager is the Auth Manager. Whitelist and shared-key state live in
// memory, guarded by mu, and are rewritten atomically to path on every
// mutating call.
type Manager struct {
	cfg  Config
	path string
	log  *slog.Logger

	mu         sync.Mutex
	whitelist  map[string]*Entry
	sharedKeys []SharedKey
	failures   map[string]*failureRecord
}

func Open(path string, cfg Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:       cfg,
		path:      path,
		log:       log.With("component", "auth"),
		whitelist: make(map[string]*Entry),
		failures:  make(map[string]*failureRecord),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("create auth dir: %w", err)
	}
	data, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read whitelist: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse whitelist: %w", err)
	}
	if doc.Whitelist == nil {
		doc.Whitelist = make(map[string]*Entry)
	}
	m.mu.Lock()
	m.whitelist = doc.Whitelist
	m.sharedKeys = doc.SharedKeys
	m.mu.Unlock()
	return nil
}

// saveLocked must be called with m.mu held.
func (m *Manager) saveLocked() error {
	if m.path == "" {
		return nil
	}
	doc := document{Whitelist: m.whitelist, SharedKeys: m.sharedKeys}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal whitelist: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".whitelist-*.tmp")
	if err != nil {
		return fmt.Errorf("create whitelist temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write whitelist temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close whitelist temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename whitelist: %w", err)
	}
	return nil
}

// Login runs the §4.D decision chain. now is passed in rather than read
// from time.Now() internally, matching the lockout window's dependence on
// a single consistent clock reading per call.
func (m *Manager) Login(userID, claimedIP, key string, now time.Time) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if until, locked := m.isLockedLocked(claimedIP, now); locked {
		m.log.Warn("login rejected: ip locked out", "user_id", userID, "ip", claimedIP)
		return lockedOut(until)
	}

	entry, ok := m.whitelist[userID]
	if ok {
		if entry.ServerIP != "" && entry.ServerIP != claimedIP {
			m.recordFailureLocked(claimedIP, now)
			return denied(ReasonIPMismatch)
		}
		if entry.expired(now) {
			m.recordFailureLocked(claimedIP, now)
			return denied(ReasonExpired)
		}
		if !constantTimeEqual(entry.Key, key) {
			m.recordFailureLocked(claimedIP, now)
			return denied(ReasonBadKey)
		}
		m.log.Info("login granted", "user_id", userID, "ip", claimedIP)
		return granted()
	}

	for _, sk := range m.sharedKeys {
		if sk.expired(now) {
			continue
		}
		if constantTimeEqual(sk.Value, key) {
			m.log.Info("login granted via shared key", "user_id", userID, "ip", claimedIP)
			return granted()
		}
	}

	m.recordFailureLocked(claimedIP, now)
	return denied(ReasonNotWhitelisted)
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (m *Manager) isLockedLocked(ip string, now time.Time) (time.Time, bool) {
	rec, ok := m.failures[ip]
	if !ok {
		return time.Time{}, false
	}
	m.pruneLocked(rec, now)
	if !rec.lockedTill.IsZero() && rec.lockedTill.After(now) {
		return rec.lockedTill, true
	}
	return time.Time{}, false
}

func (m *Manager) recordFailureLocked(ip string, now time.Time) {
	rec, ok := m.failures[ip]
	if !ok {
		rec = &failureRecord{}
		m.failures[ip] = rec
	}
	rec.attempts = append(rec.attempts, now)
	m.pruneLocked(rec, now)
	if len(rec.attempts) >= m.cfg.MaxFailures {
		rec.lockedTill = now.Add(m.cfg.LockoutDuration)
	}
}

func (m *Manager) pruneLocked(rec *failureRecord, now time.Time) {
	windowStart := now.Add(-m.cfg.FailureWindow)
	kept := rec.attempts[:0]
	for _, ts := range rec.attempts {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	rec.attempts = kept
	if !rec.lockedTill.IsZero() && !rec.lockedTill.After(now) {
		rec.lockedTill = time.Time{}
	}
}

// Bootstrap seeds the whitelist from the config file's whitelist_keys
// section on first run. It never overwrites an entry that already exists
// on disk, so a key set by update_key survives restarts. An entry deleted
// by revoke_key no longer exists, so it is seeded again on the next start
// if the config file still lists that user. Shared keys are not touched.
func (m *Manager) Bootstrap(entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, e := range entries {
		if _, exists := m.whitelist[e.UserID]; exists {
			continue
		}
		entry := e
		m.whitelist[entry.UserID] = &entry
		changed = true
	}
	if !changed {
		return nil
	}
	return m.saveLocked()
}

// UpdateKey implements the admin /update_key command.
func (m *Manager) UpdateKey(userID, key string, expiresAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.whitelist[userID] = &Entry{UserID: userID, Key: key, ExpiresAt: expiresAt}
	return m.saveLocked()
}

// RevokeKey implements the admin /revoke_key command. Returns false if the
// user was not present.
func (m *Manager) RevokeKey(userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.whitelist[userID]; !ok {
		return false, nil
	}
	delete(m.whitelist, userID)
	return true, m.saveLocked()
}

// RotateToken implements the admin /rotate_token command: inserts a new
// shared key and sets a grace-period expiry on any key that doesn't
// already expire sooner, so in-flight sessions using the old token keep
// working for RotationGraceSeconds.
func (m *Manager) RotateToken(newValue string, now time.Time) (SharedKey, []SharedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	graceExpiry := now.Add(m.cfg.RotationGraceSeconds)
	var expired []SharedKey
	for i := range m.sharedKeys {
		sk := &m.sharedKeys[i]
		if sk.ExpiresAt == nil || sk.ExpiresAt.After(graceExpiry) {
			sk.ExpiresAt = &graceExpiry
			expired = append(expired, *sk)
		}
	}
	newKey := SharedKey{Value: newValue}
	m.sharedKeys = append([]SharedKey{newKey}, m.sharedKeys...)
	if err := m.saveLocked(); err != nil {
		return SharedKey{}, nil, err
	}
	return newKey, expired, nil
}

// Whitelisted reports whether userID has a whitelist entry, and whether
// that entry carries the admin flag — used by the dispatcher's admin gate.
func (m *Manager) Whitelisted(userID string) (entry Entry, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.whitelist[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
