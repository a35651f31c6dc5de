// Package config loads the daemon settings from defaults, an optional yaml
// file and GATEKEEPER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/msageha/gatekeeper/internal/model"
)

const EnvPrefix = "GATEKEEPER"

// Default returns the settings used when nothing overrides them.
func Default() *model.Config {
	return &model.Config{
		Tenant:     "default",
		LayoutFile: "layout.yaml",
		SpoolDir:   ".gatekeeper/spool",
		StateDir:   ".gatekeeper/state",
		Scheduler: model.SchedulerConfig{
			ScanIntervalSec:    2,
			ShutdownTimeoutSec: 10,
			RelativePriority:   false,
		},
		Logging: model.LoggingConfig{
			Level: "info",
		},
		Metrics: model.MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// SetDefaults registers every default with v so that Unmarshal and env
// lookups see the full key set.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("tenant", defaults.Tenant)
	v.SetDefault("layout_file", defaults.LayoutFile)
	v.SetDefault("spool_dir", defaults.SpoolDir)
	v.SetDefault("state_dir", defaults.StateDir)

	v.SetDefault("scheduler.scan_interval_sec", defaults.Scheduler.ScanIntervalSec)
	v.SetDefault("scheduler.shutdown_timeout_sec", defaults.Scheduler.ShutdownTimeoutSec)
	v.SetDefault("scheduler.relative_priority", defaults.Scheduler.RelativePriority)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.file", defaults.Logging.File)

	v.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", defaults.Metrics.ListenAddr)

	v.SetDefault("dry_run.fail_jobs", defaults.DryRun.FailJobs)
	v.SetDefault("dry_run.merge_conflicts", defaults.DryRun.MergeConflicts)
	v.SetDefault("dry_run.node_failures", defaults.DryRun.NodeFailures)
}

// Setup prepares v: defaults, the config file (explicit path, or
// gatekeeper.yaml in the working directory) and environment overrides such
// as GATEKEEPER_SCHEDULER_SCAN_INTERVAL_SEC. A missing default file is not an
// error; a missing explicit file is.
func Setup(v *viper.Viper, cfgFile string) error {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("gatekeeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gatekeeper")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*model.Config, error) {
	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}
