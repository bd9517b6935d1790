package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	configcmd "github.com/chassisd/chassis/cmd/config"
	modulescmd "github.com/chassisd/chassis/cmd/modules"
	runcmd "github.com/chassisd/chassis/cmd/run"
	versioncmd "github.com/chassisd/chassis/cmd/version"
	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/logging"
)

// logManager is the global logging manager, created in init() and upgraded
// once configuration is available.
var logManager *logging.Manager

var chassisCmd = &cobra.Command{
	Use:   "chassis",
	Short: "A modular application runtime kernel",
	Long: "Chassis is a runtime kernel for modular applications.\n\n" +
		"It bootstraps the data directory and databases, loads modules in two " +
		"phases from their declared metadata, resolves typed per-module settings, " +
		"runs a persistent task scheduler with crash recovery, and coordinates " +
		"graceful shutdown. Host applications register modules and run the kernel " +
		"as a long-lived service.",
	PersistentPreRunE: runInitialize,
}

func init() {
	logManager = logging.NewManager()

	chassisCmd.AddCommand(runcmd.RunCmd)
	chassisCmd.AddCommand(versioncmd.VersionCmd)
	chassisCmd.AddCommand(configcmd.ConfigCmd)
	chassisCmd.AddCommand(modulescmd.ModulesCmd)
}

func runInitialize(cmd *cobra.Command, args []string) error {
	logger := logManager.Logger()

	if err := config.Init(); err != nil {
		return err
	}

	logFile := config.GetPath("log.file")
	levelStr := config.GetString("log_level")
	level, ok := logging.ParseLevel(levelStr)
	if !ok {
		level = logging.DefaultLevel
		if levelStr != "" {
			logger.Warn("invalid log level configured, using default", "configured", levelStr, "default", "info")
		}
	}

	sink := logging.FileSink{
		Path:       logFile,
		MaxSizeMB:  config.GetInt("log.max_size_mb"),
		MaxBackups: config.GetInt("log.max_backups"),
		MaxAgeDays: config.GetInt("log.max_age_days"),
	}
	if err := logManager.Upgrade(sink, level); err != nil {
		logger.Warn("failed to enable file logging, continuing with stderr only", "error", err)
	}

	runcmd.SetLogManager(logManager)
	return nil
}

// Execute runs the root command.
func Execute() error {
	chassisCmd.SilenceErrors = true
	chassisCmd.SilenceUsage = true

	defer func() { _ = logManager.Close() }()

	err := chassisCmd.Execute()

	if err != nil {
		cmd, _, _ := chassisCmd.Find(os.Args[1:])
		if cmd == nil {
			cmd = chassisCmd
		}

		fmt.Printf("Error: %v\n", err)
		if !cmd.SilenceUsage {
			fmt.Printf("\n")
			cmd.SetOut(os.Stdout)
			_ = cmd.Usage()
		}

		return err
	}

	return nil
}
