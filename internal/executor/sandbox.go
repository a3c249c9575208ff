package executor

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

const exitCodeFile = "exit_code"

// sandboxLock serializes sandbox-binary invocations: mounting sometimes
// fails when multiple sandboxes are spawned concurrently on the same host.
var sandboxLock sync.Mutex

// SandboxExecutor extends UnsafeExecutor: identical staging, but the
// generated run.sh is launched inside the sandbox binary with explicit
// read-only/read-write bind mounts, and the child's exit code is recovered
// from a workspace file because the sandbox wrapper swallows it.
type SandboxExecutor struct {
	*UnsafeExecutor
	sandboxBin string
}

// NewSandboxExecutor ensures the sandbox binary exists at cfg.ContyPath,
// downloading it from cfg.ContyDownloadURL if missing. Failure to obtain the
// binary is a fatal construction error.
func NewSandboxExecutor(rootDir string, cfg Config) (*SandboxExecutor, error) {
	if err := ensureSandboxBinary(cfg.ContyPath, cfg.ContyDownloadURL); err != nil {
		return nil, fmt.Errorf("sandbox executor: %w", err)
	}
	u := NewUnsafeExecutor(rootDir, cfg)
	u.recordExitCode = true
	return &SandboxExecutor{
		UnsafeExecutor: u,
		sandboxBin:     cfg.ContyPath,
	}, nil
}

func ensureSandboxBinary(path, downloadURL string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat sandbox binary %s: %w", path, err)
	}
	if downloadURL == "" {
		return fmt.Errorf("sandbox binary %s missing and no download URL configured", path)
	}

	resp, err := http.Get(downloadURL)
	if err != nil {
		return fmt.Errorf("download sandbox binary: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download sandbox binary: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create sandbox binary directory: %w", err)
	}
	tmp := path + ".download"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create sandbox binary file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write sandbox binary: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close sandbox binary file: %w", err)
	}
	if err := os.Chmod(tmp, 0o755); err != nil {
		return fmt.Errorf("chmod sandbox binary: %w", err)
	}
	return os.Rename(tmp, path)
}

// envManagerPaths locates the env-manager binary and its state directories
// that must be bind-mounted into the sandbox for `uv` to function.
func envManagerPaths() (bin, appState, cache string) {
	home, _ := os.UserHomeDir()
	bin = filepath.Join(home, ".cargo", "bin", "uv")
	appState = filepath.Join(home, ".local", "share", "uv")
	cache = filepath.Join(home, ".cache", "uv")
	return
}

func (e *SandboxExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (Command, error) {
	envBin, appState, cache := envManagerPaths()
	parent := filepath.Dir(ws.Dir)

	argv := []string{
		e.sandboxBin,
		"--ro-bind", "/", "/",
		"--ro-bind", envBin, envBin,
		"--ro-bind", appState, appState,
		"--bind", cache, cache,
		"--bind", parent, parent,
		"--proc", "/proc",
		"--dev-bind", "/dev", "/dev",
		ws.Path(runScript),
	}

	return Command{
		Argv: argv,
		Env: map[string]string{
			"SANDBOX":       "1",
			"SANDBOX_LEVEL": "1",
			"QUIET_MODE":    "1",
			"VIRTUAL_ENV":   "",
		},
	}, nil
}

// Collect reads the child's exit code from workspace/exit_code, since the
// sandbox wrapper itself always exits with its own status, not the child's.
func (e *SandboxExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	raw, err := os.ReadFile(ws.Path(exitCodeFile))
	code := 1
	if err == nil {
		if parsed, perr := strconv.Atoi(strings.TrimSpace(string(raw))); perr == nil {
			code = parsed
		}
	}
	return model.ExecutorResult{
		ExitCode: code,
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}, nil
}

// Lock and Unlock make SandboxExecutor a sync.Locker so that the run
// pipeline can serialize concurrent sandbox launches: it holds the lock from
// just before the child starts until the run returns.
func (e *SandboxExecutor) Lock()   { sandboxLock.Lock() }
func (e *SandboxExecutor) Unlock() { sandboxLock.Unlock() }
