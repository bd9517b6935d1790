// Package app defines the application context handed to module
// constructors and operations. It carries the service container and the
// kernel-owned subsystems; modules reach other modules' services only by
// name through the container, never by direct handle.
package app

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/settings"
	"github.com/chassisd/chassis/internal/storage"
)

// App is the application context. One instance exists per kernel run; it
// is created before module load and stays valid until shutdown.
type App struct {
	// Config is the kernel configuration snapshot.
	Config *config.Config

	// Logger is the kernel logger; modules derive their own with With.
	Logger *slog.Logger

	// Container is the service container.
	Container *container.Container

	// Storage is the per-database storage manager.
	Storage *storage.Manager

	// Settings is the typed settings resolver.
	Settings *settings.Resolver

	// Bus is the kernel event bus.
	Bus events.Bus

	baseDir string
	runCtx  context.Context
}

// New creates the application context. baseDir must already be expanded.
func New(cfg *config.Config, baseDir string, logger *slog.Logger, c *container.Container, st *storage.Manager, res *settings.Resolver, bus events.Bus) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		Config:    cfg,
		Logger:    logger,
		Container: c,
		Storage:   st,
		Settings:  res,
		Bus:       bus,
		baseDir:   baseDir,
		runCtx:    context.Background(),
	}
}

// BaseDir returns the kernel base directory.
func (a *App) BaseDir() string {
	return a.baseDir
}

// Path joins path elements beneath the base directory.
func (a *App) Path(elem ...string) string {
	return filepath.Join(append([]string{a.baseDir}, elem...)...)
}

// SetRunContext installs the kernel's run context. Set once before Phase 2;
// background activities started by phase-2 operations use it instead of
// their own bounded operation context.
func (a *App) SetRunContext(ctx context.Context) {
	a.runCtx = ctx
}

// RunContext returns the kernel's run context. It is canceled when
// shutdown begins.
func (a *App) RunContext() context.Context {
	return a.runCtx
}
