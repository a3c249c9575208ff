// Package executor defines the pluggable backend contract (§4.C4) and its
// three concrete variants: Podman, Unsafe, and Sandbox.
package executor

import (
	"fmt"
	"os/exec"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

// Type names the three backend variants the CLI accepts.
type Type string

const (
	TypePodman  Type = "podman"
	TypeUnsafe  Type = "unsafe"
	TypeSandbox Type = "sandbox"
)

// PerfFiles names the on-workspace files an executor should write
// nanosecond timings to, when perf tracking is requested. Any entry left
// empty means "don't record this leg."
type PerfFiles struct {
	CreateVenv  string
	InstallDeps string
	Program     string
}

// Command is what an executor synthesizes to launch a staged program:
// argv[0] is either an absolute binary or a path inside the workspace, and
// Env holds overrides layered on top of the process environment (overrides
// win on key collision).
type Command struct {
	Argv []string
	Env  map[string]string
}

// Executor is the polymorphic backend contract every variant implements.
type Executor interface {
	// FilesystemMapping declares what must be on disk before launch. Pure:
	// no I/O performed here.
	FilesystemMapping(program model.Program, ctx model.ComputeContext, perf *PerfFiles) (stage.Mapping, error)

	// BuildCommand declares how to launch once files are staged. Pure.
	BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (Command, error)

	// IsCompatible is a precondition check consulted before a workspace is
	// even allocated.
	IsCompatible(ctx model.ComputeContext) (bool, string)

	// Collect drains the finished child process (already waited on) into a
	// normalized ExecutorResult. Sandbox overrides this to read the exit
	// code from a workspace file instead of the process' own exit status.
	Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error)

	// RootDir is the directory new workspaces for this executor are
	// allocated under.
	RootDir() string
}

// collectExitCode drains the process state into a normalized exit code: a
// missing code (process never reported one, e.g. it was never started)
// becomes 1 per §4.C4.
func collectExitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState == nil {
		return 1
	}
	return cmd.ProcessState.ExitCode()
}

// defaultCollect implements the shared Collect behavior (Podman, Unsafe):
// the exit code comes straight from the process.
func defaultCollect(cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	return model.ExecutorResult{
		ExitCode: collectExitCode(cmd, waitErr),
		Stdout:   string(stdout),
		Stderr:   string(stderr),
	}, nil
}

// New constructs the requested executor variant rooted at rootDir.
func New(t Type, rootDir string, cfg Config) (Executor, error) {
	switch t {
	case TypePodman:
		return NewPodmanExecutor(rootDir, cfg), nil
	case TypeUnsafe:
		return NewUnsafeExecutor(rootDir, cfg), nil
	case TypeSandbox:
		return NewSandboxExecutor(rootDir, cfg)
	default:
		return nil, fmt.Errorf("unknown executor type %q", t)
	}
}
