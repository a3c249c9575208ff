package executor

import (
	"fmt"
	"os/exec"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/stage"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

// PodmanExecutor runs a program inside a fresh container, mounting the
// workspace at /run and enforcing wall-time via `timeout` and memory via the
// container's own cgroup limit.
type PodmanExecutor struct {
	rootDir string
	cfg     Config
}

func NewPodmanExecutor(rootDir string, cfg Config) *PodmanExecutor {
	return &PodmanExecutor{rootDir: rootDir, cfg: cfg}
}

func (e *PodmanExecutor) RootDir() string { return e.rootDir }

func (e *PodmanExecutor) IsCompatible(ctx model.ComputeContext) (bool, string) {
	return slurmCompatible(e.rootDir, ctx)
}

func (e *PodmanExecutor) FilesystemMapping(program model.Program, ctx model.ComputeContext, _ *PerfFiles) (stage.Mapping, error) {
	m := make(stage.Mapping, 0, len(program.Files))
	for _, f := range program.Files {
		content, err := f.Decoded()
		if err != nil {
			return nil, fmt.Errorf("decode file %s: %w", f.Path, err)
		}
		m = append(m, stage.Entry{RelPath: f.Path, Content: content})
	}
	return m, nil
}

func (e *PodmanExecutor) BuildCommand(ws *workspace.Workspace, program model.Program, ctx model.ComputeContext) (Command, error) {
	image := e.cfg.DefaultPythonImage
	if image == "" {
		image = "python:3.11.9"
	}
	argv := []string{
		"podman", "run", "--rm",
		"-m", fmt.Sprintf("%dm", ctx.MemoryLimitMB),
		"-v", fmt.Sprintf("%s:/run", ws.Dir),
		image,
		"timeout", "--verbose", formatSeconds(ctx.TimeLimitSecs),
		"python", "/run/" + program.Entrypoint,
	}
	return Command{Argv: argv}, nil
}

func (e *PodmanExecutor) Collect(ws *workspace.Workspace, cmd *exec.Cmd, stdout, stderr []byte, waitErr error) (model.ExecutorResult, error) {
	return defaultCollect(cmd, stdout, stderr, waitErr)
}
