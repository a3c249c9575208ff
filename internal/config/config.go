// Package config loads unicon-runner's settings from environment variables.
// There is no config file: every setting the worker needs is passed in by
// the process supervisor (systemd unit, container, Slurm batch script).
package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/uniconhq/unicon-runner/internal/executor"
)

// Config is the full set of environment-derived settings the worker and its
// executors need at startup.
type Config struct {
	AMQPURL             string `mapstructure:"amqp_url"`
	AMQPExchangeName    string `mapstructure:"amqp_exchange_name"`
	AMQPTaskQueueName   string `mapstructure:"amqp_task_queue_name"`
	AMQPResultQueueName string `mapstructure:"amqp_result_queue_name"`
	AMQPConnName        string `mapstructure:"amqp_conn_name"`

	DefaultExecPyVersion string `mapstructure:"default_exec_py_version"`
	// DefaultSlurmOpts comes from DEFAULT_SLURM_OPTS as a single
	// whitespace-separated string (e.g. "--gpus 1 --cpus-per-task 2") and is
	// split into argv tokens here, matching how `srun` itself expects them.
	DefaultSlurmOpts []string `mapstructure:"-"`

	ContyPath        string `mapstructure:"conty_path"`
	ContyDownloadURL string `mapstructure:"conty_download_url"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads Config from the process environment, applying the defaults
// from spec §6. AMQP_URL is left empty when unset; callers that need it
// (the `start` command) must check it themselves, since `test` never
// touches the broker.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("amqp_url", "")
	v.SetDefault("amqp_exchange_name", "unicon")
	v.SetDefault("amqp_task_queue_name", "unicon.tasks")
	v.SetDefault("amqp_result_queue_name", "unicon.results")
	v.SetDefault("amqp_conn_name", "unicon-runner")
	v.SetDefault("default_exec_py_version", "3.11.9")
	v.SetDefault("default_slurm_opts", "")
	v.SetDefault("conty_path", "conty.sh")
	v.SetDefault("conty_download_url", "https://github.com/uniconhq/conty/releases/latest/download/conty.sh")
	v.SetDefault("log_level", "info")

	v.AutomaticEnv()
	for _, key := range []string{
		"amqp_url", "amqp_exchange_name", "amqp_task_queue_name", "amqp_result_queue_name",
		"amqp_conn_name", "default_exec_py_version", "default_slurm_opts",
		"conty_path", "conty_download_url", "log_level",
	} {
		if err := v.BindEnv(key, strings.ToUpper(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.DefaultSlurmOpts = strings.Fields(v.GetString("default_slurm_opts"))

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}

	return &cfg, nil
}

// RequireAMQPURL validates the precondition the `start` command has and
// `test` does not: a broker URL must be configured.
func (c *Config) RequireAMQPURL() error {
	if c.AMQPURL == "" {
		return fmt.Errorf("AMQP_URL environment variable not defined")
	}
	return nil
}

// GetLogLevel returns the parsed log level, defaulting to Info if LogLevel
// somehow holds an invalid value at call time (Load already rejects that,
// but callers that construct a Config directly, e.g. tests, may not).
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// ExecutorConfig projects the fields the executor package needs out of the
// full Config.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		DefaultPythonImage:   "python:" + c.DefaultExecPyVersion,
		DefaultExecPyVersion: c.DefaultExecPyVersion,
		DefaultSlurmOpts:     c.DefaultSlurmOpts,
		ContyPath:            c.ContyPath,
		ContyDownloadURL:     c.ContyDownloadURL,
	}
}
