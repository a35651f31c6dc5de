// Package model defines gatekeeper's configuration, tenant layout, changes and shared enums.
package model

type Config struct {
	Tenant     string `mapstructure:"tenant" yaml:"tenant"`
	LayoutFile string `mapstructure:"layout_file" yaml:"layout_file"`
	SpoolDir   string `mapstructure:"spool_dir" yaml:"spool_dir"`
	StateDir   string `mapstructure:"state_dir" yaml:"state_dir"`

	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	DryRun    DryRunConfig    `mapstructure:"dry_run" yaml:"dry_run"`
}

type SchedulerConfig struct {
	ScanIntervalSec    int  `mapstructure:"scan_interval_sec" yaml:"scan_interval_sec"`
	ShutdownTimeoutSec int  `mapstructure:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`
	RelativePriority   bool `mapstructure:"relative_priority" yaml:"relative_priority"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
}

// DryRunConfig steers the in-process collaborators used when no external
// merger, executor or node provider is attached.
type DryRunConfig struct {
	FailJobs       []string `mapstructure:"fail_jobs" yaml:"fail_jobs"`
	MergeConflicts []string `mapstructure:"merge_conflicts" yaml:"merge_conflicts"`
	NodeFailures   []string `mapstructure:"node_failures" yaml:"node_failures"`
}
