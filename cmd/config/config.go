// Package config provides the config parent command and subcommands.
package config

import (
	"github.com/spf13/cobra"

	"github.com/chassisd/chassis/cmd/config/subcommands"
)

// ConfigCmd is the parent command for all config-related subcommands.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chassis configuration",
	Long: "Manage chassis configuration.\n\n" +
		"The config command allows you to view, initialize, and validate the " +
		"chassis configuration. Configuration is stored in a YAML file located " +
		"at ~/.config/chassis/config.yaml by default; every key can also be " +
		"overridden through CHASSIS_-prefixed environment variables.",
}

func init() {
	// Register subcommands
	ConfigCmd.AddCommand(subcommands.ShowCmd)
	ConfigCmd.AddCommand(subcommands.InitCmd)
	ConfigCmd.AddCommand(subcommands.ValidateCmd)
}
