package executor

import (
	"strings"
	"testing"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
)

func TestUnsafePythonVersionSelection(t *testing.T) {
	e := NewUnsafeExecutor(t.TempDir(), Config{DefaultExecPyVersion: "3.11.9"})

	slurmSystem := model.ComputeContext{Slurm: true, SlurmSystemPy: true}
	if v, err := e.pythonVersion(slurmSystem); err != nil || v != "/usr/bin/python" {
		t.Errorf("slurm+system_py: got (%q, %v), want /usr/bin/python", v, err)
	}

	pinned := model.ComputeContext{ExtraOptions: map[string]string{"version": "3.10.2"}}
	if v, err := e.pythonVersion(pinned); err != nil || v != "3.10.2" {
		t.Errorf("pinned version: got (%q, %v), want 3.10.2", v, err)
	}

	fallback := model.ComputeContext{}
	if v, err := e.pythonVersion(fallback); err != nil || v != "3.11.9" {
		t.Errorf("default fallback: got (%q, %v), want 3.11.9", v, err)
	}

	invalid := model.ComputeContext{ExtraOptions: map[string]string{"version": "not-a-version"}}
	if _, err := e.pythonVersion(invalid); err == nil {
		t.Error("expected error for invalid semver")
	}
}

func TestUnsafeFilesystemMappingStagesExpectedFiles(t *testing.T) {
	e := NewUnsafeExecutor(t.TempDir(), Config{DefaultExecPyVersion: "3.11.9"})
	program := model.Program{
		Entrypoint: "main.py",
		Files:      []model.File{{Path: "main.py", Content: "print(1)"}},
	}
	ctx := model.ComputeContext{TimeLimitSecs: 5, MemoryLimitMB: 128, ExtraOptions: map[string]string{"requirements": "requests\n"}}

	m, err := e.FilesystemMapping(program, ctx, nil)
	if err != nil {
		t.Fatalf("FilesystemMapping: %v", err)
	}

	paths := make(map[string]stage.Entry, len(m))
	for _, entry := range m {
		paths[entry.RelPath] = entry
	}

	for _, want := range []string{"src/main.py", "src/__init__.py", "pyproject.toml", "requirements.txt", "run.sh"} {
		if _, ok := paths[want]; !ok {
			t.Errorf("expected staged path %q, got %v", want, paths)
		}
	}

	if string(paths["src/main.py"].Content) != "print(1)" {
		t.Errorf("src/main.py content = %q", paths["src/main.py"].Content)
	}
	if string(paths["requirements.txt"].Content) != "requests\n" {
		t.Errorf("requirements.txt content = %q", paths["requirements.txt"].Content)
	}
	if !paths["run.sh"].Executable {
		t.Error("expected run.sh to have the executable bit set")
	}
	if !strings.Contains(string(paths["run.sh"].Content), "ulimit -v") {
		t.Error("expected run.sh to apply a memory ulimit")
	}
	if strings.Contains(string(paths["run.sh"].Content), "ExitCodeFile") {
		t.Error("run.sh should not leak the template variable name")
	}
}

func TestUnsafeFilesystemMappingWritesPerfFilesWhenRequested(t *testing.T) {
	e := NewUnsafeExecutor(t.TempDir(), Config{})
	program := model.Program{
		Entrypoint: "main.py",
		Files:      []model.File{{Path: "main.py", Content: "print(1)"}},
	}
	ctx := model.ComputeContext{TimeLimitSecs: 1, MemoryLimitMB: 64}
	perf := &PerfFiles{CreateVenv: ".create_venv_time_ns", InstallDeps: ".install_deps_time_ns", Program: ".program_time_ns"}

	m, err := e.FilesystemMapping(program, ctx, perf)
	if err != nil {
		t.Fatalf("FilesystemMapping: %v", err)
	}

	var runScriptContent string
	for _, entry := range m {
		if entry.RelPath == "run.sh" {
			runScriptContent = string(entry.Content)
		}
	}
	for _, want := range []string{".create_venv_time_ns", ".install_deps_time_ns", ".program_time_ns"} {
		if !strings.Contains(runScriptContent, want) {
			t.Errorf("expected run.sh to reference perf file %q", want)
		}
	}
}

func TestUnsafeRecordExitCodeEmitsExitCodeWrite(t *testing.T) {
	e := NewUnsafeExecutor(t.TempDir(), Config{})
	e.recordExitCode = true

	program := model.Program{Entrypoint: "main.py", Files: []model.File{{Path: "main.py", Content: "x"}}}
	ctx := model.ComputeContext{TimeLimitSecs: 1, MemoryLimitMB: 64}

	m, err := e.FilesystemMapping(program, ctx, nil)
	if err != nil {
		t.Fatalf("FilesystemMapping: %v", err)
	}
	var runScriptContent string
	for _, entry := range m {
		if entry.RelPath == "run.sh" {
			runScriptContent = string(entry.Content)
		}
	}
	if !strings.Contains(runScriptContent, "exit_code") {
		t.Error("expected run.sh to write the exit code file when recordExitCode is set")
	}
}
