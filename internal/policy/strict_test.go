package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestStrictBlocksTraversal(t *testing.T) {
	s := NewStrictConfig()
	root := t.TempDir()
	if err := s.check("cat ../secret.txt", "tab1", root); err == nil {
		t.Fatalf("expected traversal to be blocked")
	}
}

func TestStrictBlocksRmRfAbsolute(t *testing.T) {
	s := NewStrictConfig()
	root := t.TempDir()
	if err := s.check("rm -rf /tmp/data", "tab1", root); err == nil {
		t.Fatalf("expected absolute recursive rm to be blocked")
	}
}

func TestStrictAllowsRelativeRm(t *testing.T) {
	s := NewStrictConfig()
	root := t.TempDir()
	os.MkdirAll(filepath.Join(root, "scratch"), 0o755)
	if err := s.check("rm -rf scratch", "tab1", root); err != nil {
		t.Fatalf("expected relative rm within root to pass, got %v", err)
	}
}

func TestStrictBlocksShellDashC(t *testing.T) {
	s := NewStrictConfig()
	if err := s.check("bash -c 'echo hi'", "tab1", ""); err == nil {
		t.Fatalf("expected shell -c to be blocked")
	}
}

func TestStrictBlocksEval(t *testing.T) {
	s := NewStrictConfig()
	if err := s.check("eval rm -rf /", "tab1", ""); err == nil {
		t.Fatalf("expected eval to be blocked")
	}
}

func TestStrictPathScopeRejectsOutsideRoot(t *testing.T) {
	s := NewStrictConfig()
	root := t.TempDir()
	if err := s.check("cat /etc/passwd", "tab1", root); err == nil {
		t.Fatalf("expected path outside root to be rejected")
	}
}

func TestStrictPathScopeAllowsWithinRoot(t *testing.T) {
	s := NewStrictConfig()
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644)
	if err := s.check("cat notes.txt", "tab1", root); err != nil {
		t.Fatalf("expected path within root to pass, got %v", err)
	}
}

func TestStrictUnwrapsSudoWrapper(t *testing.T) {
	s := NewStrictConfig()
	if err := s.check("sudo rm -rf /var/log", "tab1", ""); err == nil {
		t.Fatalf("expected sudo-wrapped absolute rm -rf to be blocked")
	}
}

func TestStrictErrorCarriesTabID(t *testing.T) {
	s := NewStrictConfig()
	err := s.check("eval rm -rf /", "tab-42", "")
	var perr *PolicyError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PolicyError, got %v", err)
	}
	if perr.TabID != "tab-42" {
		t.Fatalf("TabID = %q, want tab-42", perr.TabID)
	}
}
