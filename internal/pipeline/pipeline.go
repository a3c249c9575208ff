// Package pipeline runs a single Program against an Executor end to end:
// stage, launch, collect, classify, and emit a ProgramResult (§4.C9).
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/uniconhq/unicon-runner/internal/executor"
	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

const (
	createVenvPerfFile  = ".create_venv_time_ns"
	installDepsPerfFile = ".install_deps_time_ns"
	programPerfFile     = ".program_time_ns"
)

// Options controls the parts of Run that the `test` CLI command overrides
// relative to the worker's normal `start` behavior.
type Options struct {
	// Cleanup, when true, deletes the workspace after a run that completed
	// without error. The `test` command sets this false to allow replay.
	Cleanup bool
	// TrackPerf requests that the executor record nanosecond timings for
	// venv creation, dependency install, and the program itself.
	TrackPerf bool
}

// DefaultOptions matches the worker's normal behavior: clean up on success,
// track perf.
func DefaultOptions() Options {
	return Options{Cleanup: true, TrackPerf: true}
}

// Run executes one Program under ex per §4.C9 and returns its ProgramResult.
// A non-nil error means the run itself could not be completed (stage
// failure, launch failure); it is distinct from a Program that ran and
// produced a non-OK Status, which is never an error.
func Run(ctx context.Context, ex executor.Executor, cfg executor.Config, program model.Program, computeCtx model.ComputeContext, opts Options) (result model.ProgramResult, runErr error) {
	if err := ctx.Err(); err != nil {
		return model.ProgramResult{}, err
	}

	ws, err := workspace.New(ex.RootDir())
	if err != nil {
		return model.ProgramResult{}, fmt.Errorf("allocate workspace: %w", err)
	}
	defer func() {
		if relErr := ws.Release(opts.Cleanup, runErr); relErr != nil && runErr == nil {
			runErr = fmt.Errorf("release workspace: %w", relErr)
		}
	}()

	var perf *executor.PerfFiles
	if opts.TrackPerf {
		perf = &executor.PerfFiles{
			CreateVenv:  createVenvPerfFile,
			InstallDeps: installDepsPerfFile,
			Program:     programPerfFile,
		}
	}

	mapping, err := ex.FilesystemMapping(program, computeCtx, perf)
	if err != nil {
		return model.ProgramResult{}, fmt.Errorf("build filesystem mapping: %w", err)
	}
	if err := stage.Write(ws, mapping); err != nil {
		return model.ProgramResult{}, fmt.Errorf("stage files: %w", err)
	}

	// A Slurm-dispatched run executes at W_exec = SlurmExecRoot/{ws.ID} on
	// the compute node, not at the local NFS staging path: build the
	// command against that address so argv/mounts reference where the
	// files will actually be once slurm.sh copies them over.
	buildWs := ws
	if computeCtx.Slurm {
		buildWs = workspace.At(executor.SlurmExecRoot, ws.ID)
	}
	cmd, err := ex.BuildCommand(buildWs, program, computeCtx)
	if err != nil {
		return model.ProgramResult{}, fmt.Errorf("build command: %w", err)
	}

	execCmd, err := launch(ws, cmd, cfg, computeCtx, perf)
	if err != nil {
		return model.ProgramResult{}, fmt.Errorf("launch: %w", err)
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	// Executors that must not launch children concurrently (Sandbox) are
	// sync.Lockers; hold the lock from just before Start until Run returns.
	if l, ok := ex.(sync.Locker); ok {
		l.Lock()
		defer l.Unlock()
	}
	// A sibling program's failure cancels ctx; do not start the child then.
	if err := ctx.Err(); err != nil {
		return model.ProgramResult{}, err
	}
	waitErr := runChild(execCmd)

	execResult, err := ex.Collect(ws, execCmd, stdout.Bytes(), stderr.Bytes(), waitErr)
	if err != nil {
		return model.ProgramResult{}, fmt.Errorf("collect result: %w", err)
	}

	status := model.StatusFromExitCode(execResult.ExitCode)

	var elapsed *int64
	if opts.TrackPerf {
		p := readPerf(ws)
		elapsed = &p.ProgramNS
	}

	return model.ProgramResult{
		Status:        status,
		Stdout:        strings.ToValidUTF8(execResult.Stdout, "�"),
		Stderr:        strings.ToValidUTF8(execResult.Stderr, "�"),
		ElapsedTimeNS: elapsed,
		Extra:         program.Extra,
	}, nil
}

// launch merges the process environment with cmd.Env (overrides win) and
// either starts the child directly or, when the job demands slurm,
// dispatches it through the generated slurm.sh/srun shim.
func launch(ws *workspace.Workspace, cmd executor.Command, cfg executor.Config, computeCtx model.ComputeContext, perf *executor.PerfFiles) (*exec.Cmd, error) {
	if computeCtx.Slurm {
		return executor.DispatchSlurm(ws, cmd, cfg, computeCtx, perf)
	}
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	execCmd := exec.Command(cmd.Argv[0], cmd.Argv[1:]...)
	execCmd.Env = mergeEnv(os.Environ(), cmd.Env)
	return execCmd, nil
}

// mergeEnv layers overrides on top of base, last write wins, preserving
// base's order for keys overrides does not touch.
func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, 0, len(base)+len(overrides))
	seen := make(map[string]bool, len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if v, ok := overrides[key]; ok {
			merged = append(merged, key+"="+v)
			seen[key] = true
		} else {
			merged = append(merged, kv)
		}
	}
	for k, v := range overrides {
		if !seen[k] {
			merged = append(merged, k+"="+v)
		}
	}
	return merged
}

// runChild starts and waits on cmd, returning Wait's error (non-nil for any
// non-zero exit, which Collect interprets via the process' own exit code,
// not this error value).
func runChild(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Wait()
}

// readPerf reads the three perf files from ws, treating a missing or empty
// file as zero per §4.C9 step 8.
func readPerf(ws *workspace.Workspace) model.ExecutorPerf {
	return model.ExecutorPerf{
		CreateVenvNS:  readPerfFile(ws, createVenvPerfFile),
		InstallDepsNS: readPerfFile(ws, installDepsPerfFile),
		ProgramNS:     readPerfFile(ws, programPerfFile),
	}
}

func readPerfFile(ws *workspace.Workspace, name string) int64 {
	raw, err := os.ReadFile(ws.Path(name))
	if err != nil {
		return 0
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return 0
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
