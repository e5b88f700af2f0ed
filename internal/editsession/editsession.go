// Package editsession is the Edit-Session Manager (4.H): a stateful,
// single-session-per-user file edit flow — list, open, save, cancel —
// ported from the original bot's _open_editor/_handle_edit_content pair.
package editsession

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/songying/claude-tgbot/internal/userstate"
)

var (
	// ErrEditOpen is returned when a command other than /cancel or the
	// replacement content arrives while a user's edit session is open.
	ErrEditOpen = errors.New("finish edit first")
	// ErrPathOutsideRoot is returned when list/open targets a path outside
	// the tab's allowed working directory.
	ErrPathOutsideRoot = errors.New("path is outside the allowed directory")
	ErrNoEditSession   = errors.New("no edit session is open")
)

const PageSize = 20

// FileEntry is one regular file returned by ListFiles.
type FileEntry struct {
	Name string
	Size int64
}

// Page is one page of ListFiles results.
type Page struct {
	Entries    []FileEntry
	PageIndex  int
	TotalPages int
}

// Manager wires the userstate store (where the open edit session lives)
// to the filesystem operations that back it.
type Manager struct {
	states *userstate.Store
}

func New(states *userstate.Store) *Manager {
	return &Manager{states: states}
}

// ListFiles returns only regular, non-recursive entries of dir, paginated
// at PageSize — the stricter, page-token-based pagination this system uses
// in place of the original's hard top-20 cut.
func (m *Manager) ListFiles(root, dir string, page int) (*Page, error) {
	resolved, err := scopedPath(root, dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, fmt.Errorf("list files in %q: %w", dir, err)
	}

	files := make([]FileEntry, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileEntry{Name: e.Name(), Size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	totalPages := (len(files) + PageSize - 1) / PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	if page < 0 {
		page = 0
	}
	if page >= totalPages {
		page = totalPages - 1
	}
	start := page * PageSize
	end := start + PageSize
	if end > len(files) {
		end = len(files)
	}
	if start > end {
		start = end
	}
	return &Page{Entries: files[start:end], PageIndex: page, TotalPages: totalPages}, nil
}

// Open reads path, opens an edit session for userID in awaiting_content
// state, and returns the current content to render to the user.
func (m *Manager) Open(root, userID, path string) (content string, editID string, err error) {
	resolved, err := scopedPath(root, path)
	if err != nil {
		return "", "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", "", fmt.Errorf("open %q: %w", path, err)
	}

	editID = uuid.NewString()
	session := &userstate.EditSession{
		EditID:    editID,
		Path:      resolved,
		StartedAt: timeNow(),
		State:     "awaiting_content",
	}
	if err := m.states.OpenEditSession(userID, session); err != nil {
		return "", "", err
	}
	return string(data), editID, nil
}

// HandleContent is called with the next non-slash text message from a user
// whose edit session is open: it writes the replacement content atomically
// and closes the session.
func (m *Manager) HandleContent(userID, content string) error {
	st := m.states.Get(userID)
	if st.EditSession == nil {
		return ErrNoEditSession
	}
	path := st.EditSession.Path

	if err := m.states.OpenEditSession(userID, &userstate.EditSession{
		EditID:    st.EditSession.EditID,
		Path:      path,
		StartedAt: st.EditSession.StartedAt,
		State:     "saving",
	}); err != nil {
		return err
	}

	if err := atomicWrite(path, content); err != nil {
		return fmt.Errorf("save %q: %w", path, err)
	}
	return m.states.CloseEditSession(userID)
}

// Cancel discards an open edit session without writing.
func (m *Manager) Cancel(userID string) error {
	return m.states.CloseEditSession(userID)
}

// IsOpen reports whether userID currently has an edit session open — the
// dispatcher's routing gate between "edit reply" and "shell command".
func (m *Manager) IsOpen(userID string) bool {
	return m.states.Get(userID).EditSession != nil
}

func atomicWrite(path string, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".editsession-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}

func scopedPath(root, target string) (string, error) {
	root = filepath.Clean(root)
	var resolved string
	if filepath.IsAbs(target) {
		resolved = filepath.Clean(target)
	} else {
		resolved = filepath.Clean(filepath.Join(root, target))
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathOutsideRoot
	}
	return resolved, nil
}

// timeNow is a seam so tests can stub the clock without touching the
// system clock.
var timeNow = func() time.Time { return time.Now() }
