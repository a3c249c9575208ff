package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/uniconhq/unicon-runner/internal/executor"
	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

// fakeExecutor runs a fixed shell snippet instead of staging a real Python
// program, so these tests exercise the pipeline without uv/python/bwrap
// installed.
type fakeExecutor struct {
	rootDir string
	script  string
	mapping stage.Mapping
}

func (f *fakeExecutor) RootDir() string { return f.rootDir }

func (f *fakeExecutor) IsCompatible(ctx model.ComputeContext) (bool, string) { return true, "" }

func (f *fakeExecutor) FilesystemMapping(program model.Program, ctx model.ComputeContext, perf *executor.PerfFiles) (stage.Mapping, error) {
	return f.mapping, nil
}

func (f *fakeExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (executor.Command, error) {
	return executor.Command{Argv: []string{"/bin/sh", "-c", f.script}}, nil
}

func (f *fakeExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	return model.ExecutorResult{ExitCode: code, Stdout: string(stdout), Stderr: string(stderr)}, nil
}

func runWithScript(t *testing.T, script string, opts Options) (model.ProgramResult, error) {
	t.Helper()
	ex := &fakeExecutor{rootDir: t.TempDir(), script: script}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 64}
	return Run(context.Background(), ex, executor.Config{}, program, ctx, opts)
}

func TestRunClassifiesOKOnZeroExit(t *testing.T) {
	result, err := runWithScript(t, "echo hi; exit 0", Options{Cleanup: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.StatusOK {
		t.Errorf("Status = %s, want OK", result.Status)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hi\n")
	}
}

func TestRunClassifiesRTEOnExitOne(t *testing.T) {
	result, err := runWithScript(t, "exit 1", Options{Cleanup: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.StatusRTE {
		t.Errorf("Status = %s, want RTE", result.Status)
	}
}

func TestRunClassifiesMLEOnExit137(t *testing.T) {
	result, err := runWithScript(t, "exit 137", Options{Cleanup: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.StatusMLE {
		t.Errorf("Status = %s, want MLE", result.Status)
	}
}

func TestRunClassifiesTLEOnExit124(t *testing.T) {
	result, err := runWithScript(t, "exit 124", Options{Cleanup: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != model.StatusTLE {
		t.Errorf("Status = %s, want TLE", result.Status)
	}
}

func TestRunZeroFillsPerfWhenFilesMissing(t *testing.T) {
	result, err := runWithScript(t, "exit 0", Options{Cleanup: true, TrackPerf: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ElapsedTimeNS == nil || *result.ElapsedTimeNS != 0 {
		t.Errorf("ElapsedTimeNS = %v, want pointer to 0 when perf file was never written", result.ElapsedTimeNS)
	}
}

func TestRunOmitsElapsedTimeWhenTrackPerfDisabled(t *testing.T) {
	result, err := runWithScript(t, "exit 0", Options{Cleanup: true, TrackPerf: false})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ElapsedTimeNS != nil {
		t.Errorf("ElapsedTimeNS = %v, want nil when TrackPerf is false", result.ElapsedTimeNS)
	}
}

func TestRunCleansUpWorkspaceOnSuccess(t *testing.T) {
	root := t.TempDir()
	ex := &fakeExecutor{rootDir: root, script: "exit 0"}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 64}

	if _, err := Run(context.Background(), ex, executor.Config{}, program, ctx, Options{Cleanup: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected workspace root empty after cleanup, got %v", entries)
	}
}

func TestRunPreservesWorkspaceWhenCollectFails(t *testing.T) {
	root := t.TempDir()
	ex := &failingCollectExecutor{rootDir: root}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 64}

	if _, err := Run(context.Background(), ex, executor.Config{}, program, ctx, Options{Cleanup: true}); err == nil {
		t.Fatal("expected an error from a failing Collect")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected the workspace to be preserved after a Collect error, got %v", entries)
	}
}

func TestRunReturnsErrorWhenContextAlreadyCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ex := &fakeExecutor{rootDir: t.TempDir(), script: "exit 0"}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	if _, err := Run(ctx, ex, executor.Config{}, program, model.ComputeContext{TimeLimitSecs: 1, MemoryLimitMB: 64}, Options{}); err == nil {
		t.Error("expected an error for an already-canceled context")
	}
}

// failingCollectExecutor always errors out of Collect, to exercise the
// workspace-preserved-on-error path.
type failingCollectExecutor struct {
	rootDir string
}

func (f *failingCollectExecutor) RootDir() string { return f.rootDir }
func (f *failingCollectExecutor) IsCompatible(ctx model.ComputeContext) (bool, string) {
	return true, ""
}
func (f *failingCollectExecutor) FilesystemMapping(program model.Program, ctx model.ComputeContext, perf *executor.PerfFiles) (stage.Mapping, error) {
	return stage.Mapping{}, nil
}
func (f *failingCollectExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (executor.Command, error) {
	return executor.Command{Argv: []string{"/bin/sh", "-c", "exit 0"}}, nil
}
func (f *failingCollectExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	return model.ExecutorResult{}, errCollect
}

var errCollect = errors.New("collect failed")

// recordingExecutor captures the workspace BuildCommand was invoked with,
// so tests can assert the run pipeline picks the right one for Slurm jobs.
type recordingExecutor struct {
	rootDir     string
	buildCallWs *workspace.Workspace
}

func (e *recordingExecutor) RootDir() string { return e.rootDir }
func (e *recordingExecutor) IsCompatible(ctx model.ComputeContext) (bool, string) {
	return true, ""
}
func (e *recordingExecutor) FilesystemMapping(program model.Program, ctx model.ComputeContext, perf *executor.PerfFiles) (stage.Mapping, error) {
	return stage.Mapping{}, nil
}
func (e *recordingExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (executor.Command, error) {
	e.buildCallWs = ws
	return executor.Command{Argv: []string{ws.Path("run.sh")}}, nil
}
func (e *recordingExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	return model.ExecutorResult{ExitCode: 0}, nil
}

func TestRunBuildsCommandAgainstExecDirWorkspaceForSlurmJobs(t *testing.T) {
	root := t.TempDir()
	ex := &recordingExecutor{rootDir: root}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 64, Slurm: true}

	// srun is unlikely to be installed in the test environment; the launch
	// itself may fail, but BuildCommand is called well before that, so the
	// recorded workspace is what matters here regardless of Run's error.
	_, _ = Run(context.Background(), ex, executor.Config{}, program, ctx, Options{Cleanup: false})

	if ex.buildCallWs == nil {
		t.Fatal("expected BuildCommand to be called")
	}
	if !strings.HasPrefix(ex.buildCallWs.Dir, executor.SlurmExecRoot+string(os.PathSeparator)) {
		t.Errorf("BuildCommand called with workspace dir %q, want it rooted under %q", ex.buildCallWs.Dir, executor.SlurmExecRoot)
	}
	if strings.HasPrefix(ex.buildCallWs.Dir, root) {
		t.Errorf("BuildCommand called with the local staging workspace %q, want the exec-dir workspace", ex.buildCallWs.Dir)
	}
}

func TestRunBuildsCommandAgainstStagingWorkspaceWhenNotSlurm(t *testing.T) {
	root := t.TempDir()
	ex := &recordingExecutor{rootDir: root}
	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 64}

	if _, err := Run(context.Background(), ex, executor.Config{}, program, ctx, Options{Cleanup: true}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ex.buildCallWs == nil {
		t.Fatal("expected BuildCommand to be called")
	}
	if !strings.HasPrefix(ex.buildCallWs.Dir, root) {
		t.Errorf("BuildCommand called with workspace dir %q, want it under the local root %q", ex.buildCallWs.Dir, root)
	}
}
