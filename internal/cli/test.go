package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/uniconhq/unicon-runner/internal/config"
	"github.com/uniconhq/unicon-runner/internal/executor"
	"github.com/uniconhq/unicon-runner/internal/model"
	"github.com/uniconhq/unicon-runner/internal/pipeline"
)

func newTestCommand() *cobra.Command {
	var (
		slurm            bool
		slurmOpts        []string
		slurmUseSystemPy bool
		execPyVersion    string
	)

	cmd := &cobra.Command{
		Use:   "test <exec_type> <root_wd_dir> <job_file>",
		Short: "Run every program in a job file sequentially, without cleanup, for ops inspection",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides := testOverrides{
				slurm:               slurm,
				slurmSet:            cmd.Flags().Changed("slurm"),
				slurmOpts:           slurmOpts,
				slurmOptsSet:        cmd.Flags().Changed("slurm-opt"),
				slurmUseSystemPy:    slurmUseSystemPy,
				slurmUseSystemPySet: cmd.Flags().Changed("slurm-use-system-py"),
				execPyVersion:       execPyVersion,
				execPyVersionSet:    cmd.Flags().Changed("exec-py-version"),
			}
			return runTest(args[0], args[1], args[2], overrides)
		},
	}

	cmd.Flags().BoolVar(&slurm, "slurm", false, "Force context.slurm = true")
	cmd.Flags().StringArrayVar(&slurmOpts, "slurm-opt", nil, "Override context.slurm_options (repeatable)")
	cmd.Flags().BoolVar(&slurmUseSystemPy, "slurm-use-system-py", false, "Force context.slurm_use_system_py = true")
	cmd.Flags().StringVar(&execPyVersion, "exec-py-version", "", "Override the selected Python interpreter version")

	return cmd
}

// testOverrides carries the `test` command's flags plus whether each one
// was explicitly provided, since only provided flags override the job
// file's own context values.
type testOverrides struct {
	slurm               bool
	slurmSet            bool
	slurmOpts           []string
	slurmOptsSet        bool
	slurmUseSystemPy    bool
	slurmUseSystemPySet bool
	execPyVersion       string
	execPyVersionSet    bool
}

func (o testOverrides) apply(ctx *model.ComputeContext) {
	if o.slurmSet {
		ctx.Slurm = o.slurm
	}
	if o.slurmOptsSet {
		ctx.SlurmOptions = o.slurmOpts
	}
	if o.slurmUseSystemPySet {
		ctx.SlurmSystemPy = o.slurmUseSystemPy
	}
	if o.execPyVersionSet {
		if ctx.ExtraOptions == nil {
			ctx.ExtraOptions = map[string]string{}
		}
		ctx.ExtraOptions["version"] = o.execPyVersion
	}
}

func runTest(execType, rootWdDir, jobFile string, overrides testOverrides) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log := newLogger(cfg.GetLogLevel())

	raw, err := os.ReadFile(jobFile)
	if err != nil {
		return fmt.Errorf("read job file: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("decode job file: %w", err)
	}
	overrides.apply(&job.Context)

	ex, err := executor.New(executor.Type(execType), rootWdDir, cfg.ExecutorConfig())
	if err != nil {
		fatal(log, "construct executor", err)
	}

	if ok, reason := ex.IsCompatible(job.Context); !ok {
		return fmt.Errorf("executor incompatible with job context: %s", reason)
	}

	for i, program := range job.Programs {
		result, err := pipeline.Run(context.Background(), ex, cfg.ExecutorConfig(), program, job.Context,
			pipeline.Options{Cleanup: false, TrackPerf: true})
		if err != nil {
			log.WithError(err).WithField("program", i).Error("program run failed")
			continue
		}
		printProgramResult(i, result)
	}

	return nil
}

func printProgramResult(index int, result model.ProgramResult) {
	bold := color.New(color.Bold)
	bold.Printf("== Program Result #%d ==\n", index+1)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tSTDOUT\tSTDERR")
	fmt.Fprintf(w, "%s\t%s\t%s\n", statusColor(result.Status).Sprint(result.Status), truncate(result.Stdout), truncate(result.Stderr))
	w.Flush()
	fmt.Println()
}

func statusColor(status model.Status) *color.Color {
	if status == model.StatusOK {
		return color.New(color.FgGreen, color.Bold)
	}
	return color.New(color.FgRed, color.Bold)
}

func truncate(s string) string {
	s = strings.ReplaceAll(s, "\n", "\\n")
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
