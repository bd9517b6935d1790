package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a config validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation failures.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("config validation failed:\n")
	for _, err := range e {
		b.WriteString("  - ")
		b.WriteString(err.Error())
		b.WriteString("\n")
	}
	return b.String()
}

// Validate checks the configuration for errors.
// Returns ValidationErrors if validation fails.
func Validate(cfg *Config) error {
	var errs ValidationErrors

	if _, ok := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}[strings.ToLower(cfg.LogLevel)]; !ok {
		errs = append(errs, ValidationError{
			Field:   "log_level",
			Message: fmt.Sprintf("must be one of: debug, info, warn, error; got %q", cfg.LogLevel),
		})
	}

	if cfg.Log.File == "" {
		errs = append(errs, ValidationError{
			Field:   "log.file",
			Message: "must not be empty",
		})
	}

	if cfg.Log.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "log.max_size_mb",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Log.MaxSizeMB),
		})
	}

	if cfg.BaseDir == "" {
		errs = append(errs, ValidationError{
			Field:   "base_dir",
			Message: "must not be empty",
		})
	}

	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "http.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", cfg.HTTP.Port),
		})
	}

	if cfg.HTTP.Bind == "" {
		errs = append(errs, ValidationError{
			Field:   "http.bind",
			Message: "must not be empty",
		})
	}

	if cfg.Scheduler.TickIntervalSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.tick_interval_seconds",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Scheduler.TickIntervalSeconds),
		})
	}

	if cfg.Scheduler.MaxInFlight < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.max_in_flight",
			Message: fmt.Sprintf("must be at least 1, got %d", cfg.Scheduler.MaxInFlight),
		})
	}

	if cfg.Scheduler.DefaultTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.default_timeout_seconds",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Scheduler.DefaultTimeoutSeconds),
		})
	}

	if cfg.Scheduler.ExecutionRetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "scheduler.execution_retention_days",
			Message: fmt.Sprintf("must be non-negative, got %d", cfg.Scheduler.ExecutionRetentionDays),
		})
	}

	if cfg.Shutdown.DeadlineSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "shutdown.deadline_seconds",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Shutdown.DeadlineSeconds),
		})
	}

	if cfg.Shutdown.HandlerTimeoutSeconds < 1 {
		errs = append(errs, ValidationError{
			Field:   "shutdown.handler_timeout_seconds",
			Message: fmt.Sprintf("must be at least 1 second, got %d", cfg.Shutdown.HandlerTimeoutSeconds),
		})
	}

	if cfg.Housekeeper.Enabled {
		if _, err := cron.ParseStandard(cfg.Housekeeper.Cron); err != nil {
			errs = append(errs, ValidationError{
				Field:   "housekeeper.cron",
				Message: fmt.Sprintf("invalid cron expression %q: %v", cfg.Housekeeper.Cron, err),
			})
		}
	}

	if cfg.PIDFile == "" {
		errs = append(errs, ValidationError{
			Field:   "pid_file",
			Message: "must not be empty",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve ValidationError
	var ves ValidationErrors
	return errors.As(err, &ve) || errors.As(err, &ves)
}
