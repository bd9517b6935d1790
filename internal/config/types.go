package config

// Config is the root configuration structure for the kernel.
type Config struct {
	LogLevel    string            `yaml:"log_level" mapstructure:"log_level"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	BaseDir     string            `yaml:"base_dir" mapstructure:"base_dir"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" mapstructure:"scheduler"`
	Shutdown    ShutdownConfig    `yaml:"shutdown" mapstructure:"shutdown"`
	Housekeeper HousekeeperConfig `yaml:"housekeeper" mapstructure:"housekeeper"`
	PIDFile     string            `yaml:"pid_file" mapstructure:"pid_file"`
}

// LogConfig holds log file and rotation settings.
type LogConfig struct {
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
}

// HTTPConfig holds the kernel HTTP server settings.
type HTTPConfig struct {
	Bind string `yaml:"bind" mapstructure:"bind"`
	Port int    `yaml:"port" mapstructure:"port"`
}

// SchedulerConfig holds scheduler loop settings.
type SchedulerConfig struct {
	TickIntervalSeconds   int `yaml:"tick_interval_seconds" mapstructure:"tick_interval_seconds"`
	MaxInFlight           int `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	// ExecutionRetentionDays bounds how long execution records are kept.
	// Zero disables pruning.
	ExecutionRetentionDays int `yaml:"execution_retention_days" mapstructure:"execution_retention_days"`
}

// ShutdownConfig holds shutdown coordinator settings.
type ShutdownConfig struct {
	// DeadlineSeconds caps the whole graceful phase.
	DeadlineSeconds int `yaml:"deadline_seconds" mapstructure:"deadline_seconds"`
	// HandlerTimeoutSeconds bounds a handler that declared no timeout.
	HandlerTimeoutSeconds int `yaml:"handler_timeout_seconds" mapstructure:"handler_timeout_seconds"`
}

// HousekeeperConfig holds housekeeper defaults.
type HousekeeperConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Cron is the cleanup schedule, standard 5-field syntax, UTC.
	Cron string `yaml:"cron" mapstructure:"cron"`
}
