// Package workspace manages the scoped per-run directories executors stage
// files into and launch child processes from.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Workspace is a freshly created directory "root/ID" that is deleted when
// the run completes cleanly, and preserved for inspection otherwise.
type Workspace struct {
	ID   string
	Root string
	Dir  string
}

// New allocates a Workspace under root with a fresh 128-bit ID. It fails if
// the directory somehow already exists.
func New(root string) (*Workspace, error) {
	id := uuid.New().String()
	dir := filepath.Join(root, id)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("allocate workspace %s: %w", id, err)
	}
	return &Workspace{ID: id, Root: root, Dir: dir}, nil
}

// At returns a Workspace value addressing "root/id" without creating
// anything on disk. Used when a command must be built against a directory
// that some other step (e.g. the Slurm dispatch script) materializes
// itself, rather than one this process allocates and owns.
func At(root, id string) *Workspace {
	return &Workspace{ID: id, Root: root, Dir: filepath.Join(root, id)}
}

// Release deletes the workspace directory iff cleanup is requested and ran
// reports no error occurred during the scope it guarded. On failure, the
// workspace is left on disk for post-mortem inspection.
func (w *Workspace) Release(cleanup bool, ran error) error {
	if !cleanup || ran != nil {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// Path joins rel onto the workspace directory.
func (w *Workspace) Path(rel string) string {
	return filepath.Join(w.Dir, rel)
}
