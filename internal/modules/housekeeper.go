package modules

import (
	"context"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/housekeeper"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/scheduler"
	"github.com/chassisd/chassis/internal/storage"
)

// HousekeeperService is the cleanup runner's container name.
const HousekeeperService = "core.housekeeper.service"

// CleanupFunction is the schedulable cleanup entry point.
const CleanupFunction = "housekeeper.run_cleanup"

// defaultCleanupCron fires nightly at 03:00 UTC.
const defaultCleanupCron = "0 3 * * *"

// defaultRegistrations are the cleanup policies installed on first start.
// Temp files go first so short-lived clutter never waits behind the
// larger sweeps.
var defaultRegistrations = []housekeeper.Registration{
	{Directory: "temp", Pattern: "*", RetentionDays: 1, Priority: 10,
		Description: "temporary files older than a day"},
	{Directory: "logs", Pattern: "*.log*", RetentionDays: 30, MaxSizeMB: 512, Priority: 20,
		Description: "rotated kernel logs"},
	{Directory: "cache", Pattern: "*", RetentionDays: 14, MaxSizeMB: 1024, Priority: 30,
		Description: "module cache entries"},
	{Directory: "error_logs", Pattern: "*", RetentionDays: 90, Priority: 40,
		Description: "crash and error reports"},
}

// housekeeperModule owns scheduled file cleanup.
type housekeeperModule struct {
	app    *app.App
	runner *housekeeper.Runner
}

// Housekeeper returns the core.housekeeper definition.
func Housekeeper() module.Definition {
	return module.Definition{
		ID: "core.housekeeper",
		Spec: module.NewSpec(
			module.DependsOnModules("core.scheduler"),
			module.RequiresServices(SchedulerService),
			module.ProvidesService(HousekeeperService, 20),
			module.AutoCreate(func(ctx context.Context, a *app.App, instance module.Instance) (any, error) {
				m := instance.(*housekeeperModule)
				if err := m.build(a); err != nil {
					return nil, err
				}
				return m.runner, nil
			}),
			module.Database(storage.FrameworkDB, housekeeper.Tables...),
			module.Phase1("attach_store"),
			module.Phase2(module.Phase2Op{
				Method:    "ensure_cleanup_event",
				DependsOn: []string{SchedulerService},
				Priority:  50,
				Optional:  true,
			}),
		),
		New: func(a *app.App) (module.Instance, error) {
			return &housekeeperModule{app: a}, nil
		},
	}
}

func (m *housekeeperModule) Methods() map[string]module.Method {
	return map[string]module.Method{
		"attach_store":         m.attachStore,
		"ensure_cleanup_event": m.ensureCleanupEvent,
	}
}

func (m *housekeeperModule) build(a *app.App) error {
	db, ok := a.Storage.Get(storage.FrameworkDB)
	if !ok {
		return fault.New(fault.BootstrapFailed, "framework database is not open")
	}
	m.runner = housekeeper.NewRunner(
		housekeeper.NewStore(db, a.BaseDir()),
		housekeeper.WithLogger(a.Logger.With("component", "housekeeper")),
		housekeeper.WithBus(a.Bus),
	)
	return nil
}

// attachStore ensures the registration table exists.
func (m *housekeeperModule) attachStore(ctx context.Context, a *app.App) error {
	return m.runner.Store().EnsureSchema(ctx)
}

// ensureCleanupEvent registers the cleanup function with the scheduler,
// installs the default registrations, and creates the nightly cron event
// when absent. Optional: a failure degrades the module but the platform
// keeps running.
func (m *housekeeperModule) ensureCleanupEvent(ctx context.Context, a *app.App) error {
	if !a.Config.Housekeeper.Enabled {
		a.Logger.Info("housekeeper disabled by configuration")
		return nil
	}

	sch, err := container.As[*scheduler.Scheduler](a.Container, SchedulerService)
	if err != nil {
		return err
	}

	if err := sch.Functions().Register(CleanupFunction, m.runCleanup); err != nil {
		return err
	}

	for _, reg := range defaultRegistrations {
		reg.ModuleID = "core.housekeeper"
		reg.Enabled = true
		if _, err := m.runner.Store().Register(ctx, reg); err != nil {
			return err
		}
	}

	existing, err := sch.List(ctx, scheduler.Filter{FunctionName: CleanupFunction, Limit: 1})
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	cronExpr := a.Config.Housekeeper.Cron
	if cronExpr == "" {
		cronExpr = defaultCleanupCron
	}
	_, err = sch.Create(ctx, scheduler.Draft{
		Name:           "nightly cleanup",
		Description:    "delete files exceeding registered retention policies",
		FunctionName:   CleanupFunction,
		ModuleID:       "core.housekeeper",
		TriggerKind:    scheduler.TriggerCron,
		CronExpression: cronExpr,
		TimeoutSeconds: 600,
	})
	return err
}

// runCleanup is the scheduled handler. Parameters: dry_run bool,
// registration_id string.
func (m *housekeeperModule) runCleanup(ctx context.Context, params map[string]any) (any, error) {
	dryRun, _ := params["dry_run"].(bool)
	registrationID, _ := params["registration_id"].(string)

	report, err := m.runner.Run(ctx, dryRun, registrationID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"registrations":   report.Registrations,
		"files_examined":  report.FilesExamined,
		"candidates":      report.Candidates,
		"deleted":         report.Deleted,
		"bytes_reclaimed": report.BytesReclaimed,
		"errors":          len(report.Errors),
		"dry_run":         report.DryRun,
	}, nil
}
