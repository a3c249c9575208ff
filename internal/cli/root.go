// Package cli wires unicon-runner's two cobra subcommands: `start`, which
// runs the worker against the broker, and `test`, which replays a single
// job file against an executor for ops inspection.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// NewRootCommand builds the top-level "unicon-runner" cobra command.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "unicon-runner",
		Short: "Unicon Runner",
		Long:  "Executes Python programs delivered as Jobs under pluggable resource-limit backends.",
	}

	root.AddCommand(newStartCommand())
	root.AddCommand(newTestCommand())

	return root
}

// newLogger builds the component-tagged logrus logger every command uses,
// matching the level configured via LOG_LEVEL.
func newLogger(level logrus.Level) *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return logger.WithField("component", "unicon-runner")
}

// fatal prints err to stderr and exits non-zero, matching the CLI's
// "construction errors are fatal" contract from spec §7.
func fatal(log *logrus.Entry, msg string, err error) {
	log.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
