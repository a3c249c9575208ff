// Package stage materializes a FilesystemMapping onto disk inside a
// Workspace.
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/uniconhq/unicon-runner/internal/workspace"
)

// Entry is one (relative path, content, executable-bit) declaration. Two
// entries sharing RelPath are forbidden: Write returns an error when it
// reaches the second one.
type Entry struct {
	RelPath    string
	Content    []byte
	Executable bool
}

// Mapping is an ordered sequence of staging entries.
type Mapping []Entry

// Write stages every entry of m under ws, creating parent directories as
// needed. No entry may escape ws: a RelPath that normalizes outside the
// workspace root is rejected.
func Write(ws *workspace.Workspace, m Mapping) error {
	seen := make(map[string]bool, len(m))
	for _, e := range m {
		if seen[e.RelPath] {
			return fmt.Errorf("duplicate staging path %q", e.RelPath)
		}
		seen[e.RelPath] = true

		full, err := safeJoin(ws.Dir, e.RelPath)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("stage %s: mkdir parents: %w", e.RelPath, err)
		}

		mode := os.FileMode(0o644)
		if e.Executable {
			mode = 0o755
		}
		if err := os.WriteFile(full, e.Content, mode); err != nil {
			return fmt.Errorf("stage %s: write: %w", e.RelPath, err)
		}
	}
	return nil
}

// safeJoin joins rel onto root and rejects any result that escapes root
// after normalization (e.g. "../../etc/passwd").
func safeJoin(root, rel string) (string, error) {
	full := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if full != cleanRoot && !strings.HasPrefix(full, cleanRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("staging path %q escapes workspace", rel)
	}
	return full, nil
}
