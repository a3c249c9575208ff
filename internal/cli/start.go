package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/uniconhq/unicon-runner/internal/broker"
	"github.com/uniconhq/unicon-runner/internal/config"
	"github.com/uniconhq/unicon-runner/internal/dispatcher"
	"github.com/uniconhq/unicon-runner/internal/executor"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <exec_type> <root_wd_dir>",
		Short: "Run as a worker, consuming jobs from the task queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(args[0], args[1])
		},
	}
}

func runStart(execType, rootWdDir string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	log := newLogger(cfg.GetLogLevel())

	if err := cfg.RequireAMQPURL(); err != nil {
		fatal(log, "missing AMQP configuration", err)
	}

	if err := validateRootWdDir(rootWdDir); err != nil {
		fatal(log, "invalid root working directory", err)
	}

	ex, err := executor.New(executor.Type(execType), rootWdDir, cfg.ExecutorConfig())
	if err != nil {
		fatal(log, "construct executor", err)
	}
	log.WithField("executor", execType).Info("created executor")

	b, err := broker.Dial(broker.Config{
		URL:             cfg.AMQPURL,
		ExchangeName:    cfg.AMQPExchangeName,
		TaskQueueName:   cfg.AMQPTaskQueueName,
		ResultQueueName: cfg.AMQPResultQueueName,
		ConnName:        cfg.AMQPConnName,
	})
	if err != nil {
		fatal(log, "connect to broker", err)
	}
	defer b.Close()
	log.Info("initialized task and result queues")

	d := dispatcher.New(b, ex, cfg.ExecutorConfig(), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("root_wd_dir", rootWdDir).Info("starting consumer loop")
	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("consumer loop: %w", err)
	}

	log.Info("shut down")
	return nil
}

func validateRootWdDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".unicon-writable-check-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	f.Close()
	return os.Remove(f.Name())
}
