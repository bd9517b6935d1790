package config

import "github.com/spf13/viper"

// Default configuration values.
const (
	DefaultLogLevel      = "info"
	DefaultLogFile       = "~/.local/share/chassis/logs/chassis.log"
	DefaultLogMaxSizeMB  = 50
	DefaultLogMaxBackups = 5
	DefaultLogMaxAgeDays = 30

	DefaultBaseDir = "~/.local/share/chassis"

	DefaultHTTPBind = "127.0.0.1"
	DefaultHTTPPort = 7610

	DefaultSchedulerTickSeconds       = 1
	DefaultSchedulerMaxInFlight       = 8
	DefaultSchedulerTimeoutSeconds    = 300
	DefaultSchedulerRetentionDays     = 14
	DefaultShutdownDeadlineSeconds    = 60
	DefaultShutdownHandlerTimeoutSecs = 10

	DefaultHousekeeperCron = "0 3 * * *"

	DefaultPIDFile = "~/.config/chassis/chassis.pid"
)

// setDefaults registers all default configuration values with the given
// viper instance. Called before reading config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log.file", DefaultLogFile)
	v.SetDefault("log.max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age_days", DefaultLogMaxAgeDays)

	v.SetDefault("base_dir", DefaultBaseDir)

	v.SetDefault("http.bind", DefaultHTTPBind)
	v.SetDefault("http.port", DefaultHTTPPort)

	v.SetDefault("scheduler.tick_interval_seconds", DefaultSchedulerTickSeconds)
	v.SetDefault("scheduler.max_in_flight", DefaultSchedulerMaxInFlight)
	v.SetDefault("scheduler.default_timeout_seconds", DefaultSchedulerTimeoutSeconds)
	v.SetDefault("scheduler.execution_retention_days", DefaultSchedulerRetentionDays)

	v.SetDefault("shutdown.deadline_seconds", DefaultShutdownDeadlineSeconds)
	v.SetDefault("shutdown.handler_timeout_seconds", DefaultShutdownHandlerTimeoutSecs)

	v.SetDefault("housekeeper.enabled", true)
	v.SetDefault("housekeeper.cron", DefaultHousekeeperCron)

	v.SetDefault("pid_file", DefaultPIDFile)
}

// NewDefaultConfig returns a Config populated with default values only.
func NewDefaultConfig() Config {
	return Config{
		LogLevel: DefaultLogLevel,
		Log: LogConfig{
			File:       DefaultLogFile,
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
		},
		BaseDir: DefaultBaseDir,
		HTTP: HTTPConfig{
			Bind: DefaultHTTPBind,
			Port: DefaultHTTPPort,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSeconds:    DefaultSchedulerTickSeconds,
			MaxInFlight:            DefaultSchedulerMaxInFlight,
			DefaultTimeoutSeconds:  DefaultSchedulerTimeoutSeconds,
			ExecutionRetentionDays: DefaultSchedulerRetentionDays,
		},
		Shutdown: ShutdownConfig{
			DeadlineSeconds:       DefaultShutdownDeadlineSeconds,
			HandlerTimeoutSeconds: DefaultShutdownHandlerTimeoutSecs,
		},
		Housekeeper: HousekeeperConfig{
			Enabled: true,
			Cron:    DefaultHousekeeperCron,
		},
		PIDFile: DefaultPIDFile,
	}
}
