// Package registry is the durable tab_id <-> session_name <-> display_name
// mapping ("Tag-Session Registry"). It is deliberately ignorant of tmux
// itself beyond the session-name listing it reconciles against; the actual
// multiplexer calls are made by whatever owns the tmux.Driver passed to
// Reconcile.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const sessionPrefix = "tgbot_"

// Tab is one persisted tag-session record.
type Tab struct {
	TabID       string    `json:"tab_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	SessionName string    `json:"session_name"`
	CreatedAt   time.Time `json:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at"`
}

var (
	ErrDisplayNameTaken = errors.New("display name already in use for this user")
	ErrTabNotFound      = errors.New("tab not found")
)

// SessionLister is the subset of tmux.Driver that reconciliation needs —
// kept as a narrow interface so this package doesn't import tmux directly.
type SessionLister interface {
	ListSessions(ctx context.Context) ([]string, error)
	CreateSession(ctx context.Context, name string, workDir string) error
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Recreated []string // tab_ids whose session was recreated
	Broken    []string // tab_ids whose session is missing and was not recreated
	Orphans   []string // session names with the tgbot_ prefix but no registry entry
}

type snapshot struct {
	Tabs map[string]*Tab `json:"tabs"`
}

// Registry is a single-file JSON snapshot keyed by tab_id, guarded by one
// mutex for writers and RLock for readers — same shape as a YAML
// per-resource store, collapsed to one document per the persisted-state
// layout this system needs.
type Registry struct {
	path string
	mu   sync.RWMutex
	tabs map[string]*Tab
}

func Open(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	r := &Registry{path: path, tabs: make(map[string]*Tab)}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read registry snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse registry snapshot: %w", err)
	}
	if snap.Tabs == nil {
		snap.Tabs = make(map[string]*Tab)
	}
	r.mu.Lock()
	r.tabs = snap.Tabs
	r.mu.Unlock()
	return nil
}

// saveLocked must be called with r.mu held for writing. It serializes to a
// temp file in the same directory and renames over the target, so a crash
// mid-write never leaves a truncated snapshot.
func (r *Registry) saveLocked() error {
	snap := snapshot{Tabs: r.tabs}
	data, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(r.path), ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename registry snapshot: %w", err)
	}
	return nil
}

// CreateTag registers a new tab for user_id. display_name must be unique
// per user.
func (r *Registry) CreateTag(userID, displayName string) (*Tab, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.tabs {
		if t.UserID == userID && t.DisplayName == displayName {
			return nil, ErrDisplayNameTaken
		}
	}

	id := uuid.NewString()
	now := time.Now()
	tab := &Tab{
		TabID:       id,
		UserID:      userID,
		DisplayName: displayName,
		SessionName: sessionPrefix + id,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	r.tabs[id] = tab
	if err := r.saveLocked(); err != nil {
		delete(r.tabs, id)
		return nil, err
	}
	return cloneTab(tab), nil
}

func (r *Registry) RenameTag(tabID, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tab, ok := r.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	for id, t := range r.tabs {
		if id != tabID && t.UserID == tab.UserID && t.DisplayName == newName {
			return ErrDisplayNameTaken
		}
	}
	previous := tab.DisplayName
	tab.DisplayName = newName
	if err := r.saveLocked(); err != nil {
		tab.DisplayName = previous
		return err
	}
	return nil
}

func (r *Registry) CloseTag(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tabs[tabID]; !ok {
		return ErrTabNotFound
	}
	removed := r.tabs[tabID]
	delete(r.tabs, tabID)
	if err := r.saveLocked(); err != nil {
		r.tabs[tabID] = removed
		return err
	}
	return nil
}

func (r *Registry) Get(tabID string) (*Tab, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[tabID]
	if !ok {
		return nil, ErrTabNotFound
	}
	return cloneTab(tab), nil
}

func (r *Registry) ListTags(userID string) []*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tab, 0)
	for _, t := range r.tabs {
		if t.UserID == userID {
			out = append(out, cloneTab(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out
}

// AllTabs returns every persisted tab across all users, keyed by tab_id.
// Used by startup reconciliation to build the live-tab-id set each user's
// active_tab_id gets checked against.
func (r *Registry) AllTabs() map[string]*Tab {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*Tab, len(r.tabs))
	for id, t := range r.tabs {
		out[id] = cloneTab(t)
	}
	return out
}

func (r *Registry) Touch(tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tab, ok := r.tabs[tabID]
	if !ok {
		return ErrTabNotFound
	}
	tab.LastUsedAt = time.Now()
	return r.saveLocked()
}

// Reconcile fetches the live session list from the driver and compares it
// against the persisted tabs: a tab whose session is missing is recreated
// when createMissing is set, otherwise reported broken; a live tgbot_*
// session with no matching tab is reported as an orphan and left alone.
// Calling it twice in a row with createMissing set is a no-op the second
// time (idempotent — the first pass already recreated everything it could).
func (r *Registry) Reconcile(ctx context.Context, driver SessionLister, createMissing bool) (*ReconcileReport, error) {
	live, err := driver.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions for reconciliation: %w", err)
	}
	liveSet := make(map[string]bool, len(live))
	for _, name := range live {
		liveSet[name] = true
	}

	r.mu.RLock()
	tabs := make([]*Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	r.mu.RUnlock()

	report := &ReconcileReport{}
	for _, tab := range tabs {
		if liveSet[tab.SessionName] {
			continue
		}
		if createMissing {
			if err := driver.CreateSession(ctx, tab.SessionName, ""); err != nil {
				report.Broken = append(report.Broken, tab.TabID)
				continue
			}
			report.Recreated = append(report.Recreated, tab.TabID)
			continue
		}
		report.Broken = append(report.Broken, tab.TabID)
	}

	registered := make(map[string]bool, len(tabs))
	for _, tab := range tabs {
		registered[tab.SessionName] = true
	}
	for _, name := range live {
		if !strings.HasPrefix(name, sessionPrefix) {
			continue
		}
		if !registered[name] {
			report.Orphans = append(report.Orphans, name)
		}
	}
	sort.Strings(report.Recreated)
	sort.Strings(report.Broken)
	sort.Strings(report.Orphans)
	return report, nil
}

func cloneTab(t *Tab) *Tab {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}
