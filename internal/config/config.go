// Package config manages the kernel's own configuration: a YAML file
// layered under CHASSIS_-prefixed environment variables, with SIGHUP hot
// reload for the sections that support it. Module settings are a separate
// subsystem; this package configures the kernel itself.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configFilePath stores the path to the loaded config file.
var configFilePath string

// Init initializes the configuration subsystem on the global viper.
// It searches for configuration files in priority order:
//  1. Directory named by the CHASSIS_CONFIG_DIR environment variable
//  2. ~/.config/chassis/
//  3. Current working directory (.)
//
// Missing config file is fine; defaults apply. An unreadable or invalid
// file is an error.
func Init() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("CHASSIS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults(viper.GetViper())

	if envPath := os.Getenv("CHASSIS_CONFIG_DIR"); envPath != "" {
		viper.AddConfigPath(envPath)
	}

	if home := os.Getenv("HOME"); home != "" {
		viper.AddConfigPath(filepath.Join(home, ".config", "chassis"))
	}

	viper.AddConfigPath(".")

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			configFilePath = ""
			return nil
		}
		return fmt.Errorf("failed to read config; %w", err)
	}

	configFilePath = viper.ConfigFileUsed()

	slog.Info("config initialized", "file", configFilePath)

	SetupSignalHandler()

	return nil
}

// ConfigFilePath returns the path of the loaded config file, or empty when
// running on defaults only.
func ConfigFilePath() string {
	return configFilePath
}

// Reset clears the configuration state for testing purposes.
func Reset() {
	viper.Reset()
	configFilePath = ""
}

// GetString returns the string value for the given key.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns the integer value for the given key.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns the boolean value for the given key.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// SetDefault sets a default value for the given key.
func SetDefault(key string, value any) {
	viper.SetDefault(key, value)
}

// Set sets a value for the given key, overriding defaults and file values.
// Primarily used by tests.
func Set(key string, value any) {
	viper.Set(key, value)
}

// GetPath returns the string value for the given key with a leading ~
// expanded to the user's home directory.
func GetPath(key string) string {
	return expandHome(viper.GetString(key))
}

// expandHome expands a leading ~ to the home directory. Only "~" alone or
// "~/..." are expanded; "~user" forms are returned unchanged.
func expandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}

	if len(path) > 1 && path[1] != '/' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	if len(path) == 1 {
		return home
	}

	return filepath.Join(home, path[2:])
}

// GetAllSettings returns all configuration settings as a map.
func GetAllSettings() map[string]any {
	return viper.AllSettings()
}

// Reload re-reads the configuration from disk and publishes a reload event
// describing what changed. On failure the previous configuration is
// retained.
func Reload() error {
	previous, prevErr := unmarshalConfig(viper.GetViper())

	currentSettings := viper.AllSettings()

	err := viper.ReadInConfig()
	if err != nil {
		for key, value := range currentSettings {
			viper.Set(key, value)
		}
		slog.Error("config reload failed; retaining previous values", "error", err)
		publishConfigReloadFailed(err)
		return fmt.Errorf("failed to reload config; %w", err)
	}

	next, nextErr := unmarshalConfig(viper.GetViper())
	if prevErr == nil && nextErr == nil {
		publishConfigReloaded(previous, next)
	}

	slog.Info("config reloaded", "file", viper.ConfigFileUsed())
	return nil
}
