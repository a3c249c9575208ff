package executor

// Config carries the environment-derived settings executors need at
// construction time (see internal/config for where these are sourced).
type Config struct {
	// DefaultPythonImage is the image tag every Podman run uses; Podman does
	// not read a per-job version from extra_options.
	DefaultPythonImage string
	// DefaultExecPyVersion is the interpreter version Unsafe/Sandbox select
	// when extra_options carries none.
	DefaultExecPyVersion string
	// DefaultSlurmOpts are appended to every `srun` invocation before the
	// job's own slurm_options.
	DefaultSlurmOpts []string
	// ContyPath is where the sandbox binary is expected (and downloaded to
	// if missing).
	ContyPath string
	// ContyDownloadURL is fetched to populate ContyPath when it is absent.
	ContyDownloadURL string
}
