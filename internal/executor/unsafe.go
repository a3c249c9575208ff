package executor

import (
	"bytes"
	_ "embed"
	"fmt"
	"os/exec"
	"path"
	"strconv"
	"text/template"

	"github.com/Masterminds/semver/v3"
	"github.com/pelletier/go-toml/v2"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

//go:embed templates/run.sh.tmpl
var runScriptSrc string

var runScriptTmpl = template.Must(template.New("run.sh").Parse(runScriptSrc))

const (
	codeFolder = "src"
	runScript  = "run.sh"
)

// unsafeProject is the minimal pyproject.toml this executor declares for
// every staged program, rendered with go-toml instead of hand-built text.
type unsafeProject struct {
	Project struct {
		Name            string `toml:"name"`
		Version         string `toml:"version"`
		RequiresPython  string `toml:"requires-python"`
	} `toml:"project"`
	BuildSystem struct {
		Requires     []string `toml:"requires"`
		BuildBackend string   `toml:"build-backend"`
	} `toml:"build-system"`
}

func renderPyproject() ([]byte, error) {
	var doc unsafeProject
	doc.Project.Name = "unicon-program"
	doc.Project.Version = "0.0.0"
	doc.Project.RequiresPython = ">=3.9"
	doc.BuildSystem.Requires = []string{"hatchling"}
	doc.BuildSystem.BuildBackend = "hatchling.build"
	return toml.Marshal(doc)
}

// runScriptVars feeds the run.sh.tmpl template. Every field is pre-quoted
// for direct splicing into the shell script body.
type runScriptVars struct {
	PythonVersion       string
	MemLimitKB          int64
	TimeLimitSecs       string
	EntrypointPath      string
	CreateVenvPerfFile  string
	InstallDepsPerfFile string
	ProgramPerfFile     string
	ExitCodeFile        string
}

// UnsafeExecutor runs the program directly on the host inside a
// uv-managed virtual environment, relying only on ulimit/timeout for
// isolation. SandboxExecutor (sandbox.go) extends this with a mount-confined
// wrapper.
type UnsafeExecutor struct {
	rootDir string
	cfg     Config
	// recordExitCode, set only by the Sandbox variant, makes run.sh persist
	// the entrypoint's exit code to a workspace file — needed because the
	// sandbox wrapper does not propagate the child's code to its own.
	recordExitCode bool
}

func NewUnsafeExecutor(rootDir string, cfg Config) *UnsafeExecutor {
	return &UnsafeExecutor{rootDir: rootDir, cfg: cfg}
}

func (e *UnsafeExecutor) RootDir() string { return e.rootDir }

func (e *UnsafeExecutor) IsCompatible(ctx model.ComputeContext) (bool, string) {
	return slurmCompatible(e.rootDir, ctx)
}

// pythonVersion applies the interpreter-selection rule from spec §4.C6.
func (e *UnsafeExecutor) pythonVersion(ctx model.ComputeContext) (string, error) {
	if ctx.Slurm && ctx.SlurmSystemPy {
		return "/usr/bin/python", nil
	}
	if v, ok := ctx.ExtraOptions["version"]; ok && v != "" {
		if _, err := semver.NewVersion(v); err != nil {
			return "", fmt.Errorf("invalid python version %q: %w", v, err)
		}
		return v, nil
	}
	v := e.cfg.DefaultExecPyVersion
	if v == "" {
		v = "3.11.9"
	}
	return v, nil
}

func (e *UnsafeExecutor) FilesystemMapping(program model.Program, ctx model.ComputeContext, perf *PerfFiles) (stage.Mapping, error) {
	m := make(stage.Mapping, 0, len(program.Files)+4)

	for _, f := range program.Files {
		content, err := f.Decoded()
		if err != nil {
			return nil, fmt.Errorf("decode file %s: %w", f.Path, err)
		}
		m = append(m, stage.Entry{RelPath: path.Join(codeFolder, f.Path), Content: content})
	}
	m = append(m, stage.Entry{RelPath: path.Join(codeFolder, "__init__.py"), Content: []byte{}})

	pyproject, err := renderPyproject()
	if err != nil {
		return nil, fmt.Errorf("render pyproject.toml: %w", err)
	}
	m = append(m, stage.Entry{RelPath: "pyproject.toml", Content: pyproject})

	requirements := ctx.ExtraOptions["requirements"]
	m = append(m, stage.Entry{RelPath: "requirements.txt", Content: []byte(requirements)})

	pyVersion, err := e.pythonVersion(ctx)
	if err != nil {
		return nil, err
	}

	vars := runScriptVars{
		PythonVersion:  shQuote(pyVersion),
		MemLimitKB:     int64(ctx.MemoryLimitMB) * 1024,
		TimeLimitSecs:  shQuote(formatSeconds(ctx.TimeLimitSecs)),
		EntrypointPath: shQuote(path.Join(codeFolder, program.Entrypoint)),
	}
	if perf != nil {
		vars.CreateVenvPerfFile = quoteIfSet(perf.CreateVenv)
		vars.InstallDepsPerfFile = quoteIfSet(perf.InstallDeps)
		vars.ProgramPerfFile = quoteIfSet(perf.Program)
	}
	if e.recordExitCode {
		vars.ExitCodeFile = shQuote(exitCodeFile)
	}

	var buf bytes.Buffer
	if err := runScriptTmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render run.sh: %w", err)
	}
	m = append(m, stage.Entry{RelPath: runScript, Content: buf.Bytes(), Executable: true})

	return m, nil
}

func quoteIfSet(s string) string {
	if s == "" {
		return ""
	}
	return shQuote(s)
}

func formatSeconds(secs float64) string {
	return strconv.FormatFloat(secs, 'f', -1, 64) + "s"
}

func (e *UnsafeExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (Command, error) {
	return Command{
		Argv: []string{ws.Path(runScript)},
		Env:  map[string]string{"VIRTUAL_ENV": ""},
	}, nil
}

func (e *UnsafeExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	return defaultCollect(cmd, stdout, stderr, waitErr)
}
