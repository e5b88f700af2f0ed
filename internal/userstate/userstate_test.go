package userstate

import (
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "userstate.json"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestGetReturnsDefaultsOnMiss(t *testing.T) {
	s := openTestStore(t)
	st := s.Get("u1")
	if st.Interval != DefaultInterval {
		t.Fatalf("Interval = %q, want %q", st.Interval, DefaultInterval)
	}
	if st.Mode != ModeNormal {
		t.Fatalf("Mode = %q, want %q", st.Mode, ModeNormal)
	}
	if st.Authorized {
		t.Fatalf("Authorized = true, want false")
	}
}

func TestMarkAuthorizedPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userstate.json")
	s1, _ := Open(path)
	if err := s1.MarkAuthorized("u1", "10.0.0.5"); err != nil {
		t.Fatalf("MarkAuthorized() error = %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	st := s2.Get("u1")
	if !st.Authorized || st.ServerIP != "10.0.0.5" {
		t.Fatalf("got %+v, want Authorized=true ServerIP=10.0.0.5", st)
	}
}

func TestRevokeClearsActiveTabAndEditSession(t *testing.T) {
	s := openTestStore(t)
	s.MarkAuthorized("u1", "1.2.3.4")
	s.SetActiveTab("u1", "tab-1")
	s.OpenEditSession("u1", &EditSession{EditID: "e1", Path: "/tmp/x", State: "awaiting_content"})

	if err := s.Revoke("u1"); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	st := s.Get("u1")
	if st.Authorized {
		t.Fatalf("Authorized = true after revoke")
	}
	if st.ActiveTabID != "" {
		t.Fatalf("ActiveTabID = %q, want empty", st.ActiveTabID)
	}
	if st.EditSession != nil {
		t.Fatalf("EditSession = %+v, want nil", st.EditSession)
	}
}

func TestEditSessionDoesNotSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "userstate.json")
	s1, _ := Open(path)
	s1.OpenEditSession("u1", &EditSession{EditID: "e1", Path: "/tmp/x", State: "awaiting_content"})

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if st := s2.Get("u1"); st.EditSession != nil {
		t.Fatalf("EditSession survived restart: %+v", st.EditSession)
	}
}

func TestClearActiveTabIfMissing(t *testing.T) {
	s := openTestStore(t)
	s.SetActiveTab("u1", "tab-gone")

	if err := s.ClearActiveTabIfMissing("u1", map[string]bool{"tab-live": true}); err != nil {
		t.Fatalf("ClearActiveTabIfMissing() error = %v", err)
	}
	if got := s.Get("u1").ActiveTabID; got != "" {
		t.Fatalf("ActiveTabID = %q, want empty", got)
	}
}

func TestClearActiveTabIfMissingLeavesLiveTab(t *testing.T) {
	s := openTestStore(t)
	s.SetActiveTab("u1", "tab-live")

	if err := s.ClearActiveTabIfMissing("u1", map[string]bool{"tab-live": true}); err != nil {
		t.Fatalf("ClearActiveTabIfMissing() error = %v", err)
	}
	if got := s.Get("u1").ActiveTabID; got != "tab-live" {
		t.Fatalf("ActiveTabID = %q, want tab-live", got)
	}
}

func TestLastCaptureHashIsolatedBetweenGets(t *testing.T) {
	s := openTestStore(t)
	s.SetLastCaptureHash("u1", "tab-1", "abc")
	st := s.Get("u1")
	st.LastCaptureHash["tab-1"] = "mutated"

	fresh := s.Get("u1")
	if fresh.LastCaptureHash["tab-1"] != "abc" {
		t.Fatalf("mutation of a Get() copy leaked into the store: %q", fresh.LastCaptureHash["tab-1"])
	}
}
