package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewCreatesDirectory(t *testing.T) {
	root := t.TempDir()

	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	info, err := os.Stat(ws.Dir)
	if err != nil {
		t.Fatalf("expected workspace dir to exist: %v", err)
	}
	if !info.IsDir() {
		t.Errorf("expected %s to be a directory", ws.Dir)
	}
	if filepath.Dir(ws.Dir) != root {
		t.Errorf("workspace dir %s not under root %s", ws.Dir, root)
	}
	if ws.ID == "" {
		t.Error("expected non-empty workspace ID")
	}
}

func TestNewProducesUniqueIDs(t *testing.T) {
	root := t.TempDir()

	a, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.ID == b.ID {
		t.Errorf("expected distinct workspace IDs, got %s twice", a.ID)
	}
}

func TestReleaseCleansUpOnSuccess(t *testing.T) {
	root := t.TempDir()
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ws.Release(true, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("expected workspace dir removed, stat err = %v", err)
	}
}

func TestReleasePreservesOnError(t *testing.T) {
	root := t.TempDir()
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ws.Release(true, errors.New("run failed")); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); err != nil {
		t.Errorf("expected workspace dir preserved after error, got %v", err)
	}
}

func TestReleasePreservesWhenCleanupFalse(t *testing.T) {
	root := t.TempDir()
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := ws.Release(false, nil); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(ws.Dir); err != nil {
		t.Errorf("expected workspace dir preserved when cleanup=false, got %v", err)
	}
}

func TestPathJoinsOntoWorkspaceDir(t *testing.T) {
	root := t.TempDir()
	ws, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := ws.Path("src/main.py"), filepath.Join(ws.Dir, "src/main.py"); got != want {
		t.Errorf("Path = %s, want %s", got, want)
	}
}
