package executor

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/sys/unix"

	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/workspace"
)

//go:embed templates/slurm.sh.tmpl
var slurmScriptSrc string

var slurmScriptTmpl = template.Must(template.New("slurm.sh").Parse(slurmScriptSrc))

const slurmScript = "slurm.sh"

// SlurmExecRoot is the parent directory Slurm-dispatched runs execute
// under on the compute node (W_exec = SlurmExecRoot/{workspace ID}). The
// run pipeline builds a backend's command against a workspace rooted here,
// instead of the local staging workspace, whenever a job requests Slurm.
const SlurmExecRoot = "/tmp"

// nfsSuperMagic is the f_type statfs(2) reports for an NFS mount (see
// NFS_SUPER_MAGIC in linux/nfs_fs.h); golang.org/x/sys/unix does not export
// it directly on every platform this module's build constraints allow.
const nfsSuperMagic = 0x6969

// isOnNFS reports whether path's filesystem is NFS-backed.
func isOnNFS(path string) (bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return false, fmt.Errorf("statfs %s: %w", path, err)
	}
	return int64(st.Type) == nfsSuperMagic, nil
}

// slurmCompatible applies the §4.C8 precondition on top of a backend's own
// IsCompatible: a slurm-enabled job may only dispatch against an executor
// whose root directory is visible to the cluster node over NFS.
func slurmCompatible(rootDir string, ctx model.ComputeContext) (bool, string) {
	if !ctx.Slurm {
		return true, ""
	}
	onNFS, err := isOnNFS(rootDir)
	if err != nil {
		return false, fmt.Sprintf("slurm precondition check failed: %v", err)
	}
	if !onNFS {
		return false, fmt.Sprintf("slurm requires executor root %q to reside on an NFS-type filesystem", rootDir)
	}
	return true, ""
}

// slurmVars feeds slurm.sh.tmpl. Every field that is spliced directly into
// the script body arrives pre-quoted.
type slurmVars struct {
	ExecDir       string
	StagingDir    string
	Env           []string
	Argv          string
	PreserveFiles []string
}

// DispatchSlurm rewrites a locally-built Command into an *exec.Cmd that
// submits it to the cluster via srun, per §4.C8. cmd is the (argv, env) the
// wrapped executor built as if launching directly at the exec directory;
// the returned command instead launches a generated slurm.sh through srun.
// Called by the run pipeline instead of exec.Command directly whenever
// ctx.Slurm is set.
func DispatchSlurm(ws *workspace.Workspace, cmd Command, cfg Config, ctx model.ComputeContext, perf *PerfFiles) (*exec.Cmd, error) {
	execDir := filepath.Join(SlurmExecRoot, ws.ID)

	preserve := []string{shQuote(exitCodeFile)}
	if perf != nil {
		for _, f := range []string{perf.CreateVenv, perf.InstallDeps, perf.Program} {
			if f != "" {
				preserve = append(preserve, shQuote(f))
			}
		}
	}

	quotedArgv := make([]string, len(cmd.Argv))
	for i, a := range cmd.Argv {
		quotedArgv[i] = shQuote(a)
	}

	envLines := make([]string, 0, len(cmd.Env))
	for k, v := range cmd.Env {
		envLines = append(envLines, fmt.Sprintf("%s=%s", k, shQuote(v)))
	}
	sort.Strings(envLines)

	vars := slurmVars{
		ExecDir:       shQuote(execDir),
		StagingDir:    shQuote(ws.Dir),
		Env:           envLines,
		Argv:          strings.Join(quotedArgv, " "),
		PreserveFiles: preserve,
	}

	var buf bytes.Buffer
	if err := slurmScriptTmpl.Execute(&buf, vars); err != nil {
		return nil, fmt.Errorf("render slurm.sh: %w", err)
	}
	scriptPath := ws.Path(slurmScript)
	if err := os.WriteFile(scriptPath, buf.Bytes(), 0o755); err != nil {
		return nil, fmt.Errorf("write slurm.sh: %w", err)
	}

	argv := []string{"srun", "--quiet"}
	argv = append(argv, cfg.DefaultSlurmOpts...)
	argv = append(argv, ctx.SlurmOptions...)
	argv = append(argv, scriptPath)

	return exec.Command(argv[0], argv[1:]...), nil
}
