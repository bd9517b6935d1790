package modules

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/scheduler"
	"github.com/chassisd/chassis/internal/storage"
)

// SchedulerService is the scheduler's container name.
const SchedulerService = "core.scheduler.service"

// SchedulerKnobs is the core.scheduler settings schema. Values fall back
// to the kernel configuration when unset.
type SchedulerKnobs struct {
	TickIntervalSeconds   int `json:"tick_interval_seconds" mapstructure:"tick_interval_seconds" validate:"min=1,max=3600"`
	MaxInFlight           int `json:"max_in_flight" mapstructure:"max_in_flight" validate:"min=1,max=1024"`
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds" validate:"min=1"`
}

// schedulerModule owns the persistent task scheduler.
type schedulerModule struct {
	app *app.App
	sch *scheduler.Scheduler
}

// Scheduler returns the core.scheduler definition.
func Scheduler() module.Definition {
	return module.Definition{
		ID: "core.scheduler",
		Spec: module.NewSpec(
			module.DependsOnModules("core.database"),
			module.RequiresServices(DatabaseService),
			module.ProvidesService(SchedulerService, 10),
			module.AutoCreate(func(ctx context.Context, a *app.App, instance module.Instance) (any, error) {
				m := instance.(*schedulerModule)
				if err := m.build(ctx, a); err != nil {
					return nil, err
				}
				return m.sch, nil
			}),
			module.Database(storage.FrameworkDB, scheduler.Tables...),
			module.Phase1("attach_store"),
			module.Phase2(module.Phase2Op{
				Method:   "recover_and_start",
				Priority: 10,
			}),
			module.Settings("CORE_SCHEDULER_", func() any {
				return &SchedulerKnobs{
					TickIntervalSeconds:   1,
					MaxInFlight:           8,
					DefaultTimeoutSeconds: 300,
				}
			}),
			module.APIEndpoints("/api/scheduler"),
			module.ShutdownGraceful("stop", 30, 10),
			module.ShutdownForce("force_stop", 5),
			module.HealthCheck("loop_alive", 30),
		),
		New: func(a *app.App) (module.Instance, error) {
			return &schedulerModule{app: a}, nil
		},
	}
}

func (m *schedulerModule) Methods() map[string]module.Method {
	return map[string]module.Method{
		"attach_store":      m.attachStore,
		"recover_and_start": m.recoverAndStart,
		"stop":              m.stop,
		"force_stop":        m.forceStop,
		"loop_alive":        m.loopAlive,
	}
}

// build constructs the scheduler from kernel config, overridable per
// deployment through the module's settings schema.
func (m *schedulerModule) build(ctx context.Context, a *app.App) error {
	db, ok := a.Storage.Get(storage.FrameworkDB)
	if !ok {
		return fault.New(fault.BootstrapFailed, "framework database is not open")
	}

	cfg := scheduler.Config{
		TickInterval:   time.Duration(a.Config.Scheduler.TickIntervalSeconds) * time.Second,
		MaxInFlight:    int64(a.Config.Scheduler.MaxInFlight),
		DefaultTimeout: time.Duration(a.Config.Scheduler.DefaultTimeoutSeconds) * time.Second,
	}
	if days := a.Config.Scheduler.ExecutionRetentionDays; days > 0 {
		cfg.ExecutionRetention = time.Duration(days) * 24 * time.Hour
	}

	m.sch = scheduler.New(
		scheduler.NewStore(db),
		scheduler.NewFunctionRegistry(),
		cfg,
		scheduler.WithLogger(a.Logger.With("component", "scheduler")),
		scheduler.WithBus(a.Bus),
	)
	return nil
}

// attachStore ensures the scheduler tables exist. Bootstrap created them
// from the database annotation; EnsureSchema is idempotent.
func (m *schedulerModule) attachStore(ctx context.Context, a *app.App) error {
	return m.sch.Store().EnsureSchema(ctx)
}

// recoverAndStart repairs state left by an unclean stop and starts the
// loop on the kernel run context.
func (m *schedulerModule) recoverAndStart(ctx context.Context, a *app.App) error {
	if _, err := m.sch.Recover(ctx); err != nil {
		return err
	}
	go m.sch.Run(a.RunContext())
	return nil
}

// stop waits for in-flight executions within the hook's timeout.
func (m *schedulerModule) stop(ctx context.Context, a *app.App) error {
	return m.sch.Stop(ctx)
}

// forceStop abandons stragglers; crash recovery settles them next start.
func (m *schedulerModule) forceStop(ctx context.Context, a *app.App) error {
	a.Logger.Warn("scheduler force stop, in-flight executions abandoned")
	return nil
}

// loopAlive verifies the loop ticked recently. Three tick intervals of
// silence after the first tick is a failure.
func (m *schedulerModule) loopAlive(ctx context.Context, a *app.App) error {
	last := m.sch.LastTick()
	if last.IsZero() {
		// Loop not started yet or just started; not a failure.
		return nil
	}

	tick := time.Duration(a.Config.Scheduler.TickIntervalSeconds) * time.Second
	if tick <= 0 {
		tick = time.Second
	}
	if age := time.Since(last); age > 3*tick+5*time.Second {
		return fault.Newf(fault.HandlerError, "scheduler loop silent for %s", age.Round(time.Second))
	}
	return nil
}

// Router exposes read-only scheduler introspection.
func (m *schedulerModule) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/functions", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, m.sch.Functions().Names())
	})
	r.Get("/last-tick", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"last_tick": m.sch.LastTick()})
	})
	return r
}
