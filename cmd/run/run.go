// Package run provides the run command: the long-lived kernel process.
package run

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/httpapi"
	"github.com/chassisd/chassis/internal/kernel"
	"github.com/chassisd/chassis/internal/logging"
	"github.com/chassisd/chassis/internal/modules"
	"github.com/chassisd/chassis/internal/version"
)

// logManager is installed by the root command so the kernel logger and the
// CLI logger share one pipeline.
var logManager *logging.Manager

// SetLogManager wires the shared logging manager.
func SetLogManager(m *logging.Manager) {
	logManager = m
}

// RunCmd starts the kernel in foreground mode.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the kernel in foreground mode",
	Long: "Run the kernel in foreground mode.\n\n" +
		"The kernel bootstraps its data directory, loads the registered modules " +
		"in two phases, starts the scheduler and the HTTP API, and serves until " +
		"it receives SIGINT or SIGTERM. Use systemd or another supervisor to run " +
		"it in the background; sd_notify readiness is reported when Type=notify.",
	Example: `  # Run in the foreground
  chassis run

  # Run under systemd (Type=notify)
  ExecStart=/usr/local/bin/chassis run`,
	PreRunE: validateRun,
	RunE:    runRun,
}

func validateRun(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logManager.Logger()

	k, err := kernel.New(cfg,
		kernel.WithLogger(logger),
		kernel.WithModules(modules.BuiltIn()...),
	)
	if err != nil {
		return err
	}
	config.SetEventBus(k.Bus())

	pidFile, err := writePIDFile(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(pidFile) }()

	server, err := httpapi.New(k, cfg.HTTP.Bind, cfg.HTTP.Port, logger)
	if err != nil {
		return err
	}
	go func() {
		if serveErr := server.Start(); serveErr != nil {
			k.Fatal(serveErr)
		}
	}()

	// The HTTP server drains first in the shutdown sequence so no new work
	// arrives while handlers unwind.
	if err := k.Container().RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name:     "kernel.http_server",
		Priority: 5,
		Timeout:  10 * time.Second,
		Func:     server.Shutdown,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting kernel",
		"version", version.Get().Short(),
		"http_addr", server.Addr(),
		"base_dir", k.BaseDir(),
		"pid_file", pidFile,
	)

	if err := k.Run(ctx); err != nil {
		return fmt.Errorf("kernel stopped with error; %w", err)
	}
	return nil
}

// writePIDFile records the process ID, creating parent directories.
func writePIDFile(path string) (string, error) {
	expanded := config.GetPath("pid_file")
	if expanded == "" {
		expanded = path
	}

	if err := os.MkdirAll(filepath.Dir(expanded), 0755); err != nil {
		return "", fmt.Errorf("failed to create pid file directory; %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(expanded, []byte(pid+"\n"), 0644); err != nil {
		return "", fmt.Errorf("failed to write pid file; %w", err)
	}
	return expanded, nil
}
