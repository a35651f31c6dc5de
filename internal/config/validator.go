package config

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/msageha/gatekeeper/internal/model"
)

// ValidationError represents a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "warning", "error"}
}

// Validate returns every invalid setting in cfg.
func Validate(cfg *model.Config) []ValidationError {
	var errs []ValidationError
	errs = append(errs, validatePaths(cfg)...)
	errs = append(errs, validateScheduler(cfg)...)
	errs = append(errs, validateLogging(cfg)...)
	errs = append(errs, validateMetrics(cfg)...)
	return errs
}

func validatePaths(cfg *model.Config) []ValidationError {
	var errs []ValidationError
	required := []struct {
		field, value string
	}{
		{"tenant", cfg.Tenant},
		{"layout_file", cfg.LayoutFile},
		{"spool_dir", cfg.SpoolDir},
		{"state_dir", cfg.StateDir},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, ValidationError{Field: r.field, Value: r.value, Message: "must not be empty"})
		}
	}
	if cfg.SpoolDir != "" && cfg.SpoolDir == cfg.StateDir {
		errs = append(errs, ValidationError{
			Field:   "spool_dir",
			Value:   cfg.SpoolDir,
			Message: "must differ from state_dir",
		})
	}
	return errs
}

func validateScheduler(cfg *model.Config) []ValidationError {
	var errs []ValidationError
	if cfg.Scheduler.ScanIntervalSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.scan_interval_sec",
			Value:   cfg.Scheduler.ScanIntervalSec,
			Message: "must be positive",
		})
	}
	if cfg.Scheduler.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.shutdown_timeout_sec",
			Value:   cfg.Scheduler.ShutdownTimeoutSec,
			Message: "must be non-negative",
		})
	}
	return errs
}

func validateLogging(cfg *model.Config) []ValidationError {
	if cfg.Logging.Level == "" || slices.Contains(ValidLogLevels(), strings.ToLower(cfg.Logging.Level)) {
		return nil
	}
	return []ValidationError{{
		Field:   "logging.level",
		Value:   cfg.Logging.Level,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
	}}
}

func validateMetrics(cfg *model.Config) []ValidationError {
	if !cfg.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.ListenAddr); err != nil {
		return []ValidationError{{
			Field:   "metrics.listen_addr",
			Value:   cfg.Metrics.ListenAddr,
			Message: "must be host:port",
		}}
	}
	return nil
}
