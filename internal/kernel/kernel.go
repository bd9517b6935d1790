package kernel

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/bootstrap"
	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/settings"
	"github.com/chassisd/chassis/internal/storage"
)

// Kernel is the runtime core. One instance serves one process lifetime:
// bootstrap, two-phase module load, serving, shutdown.
type Kernel struct {
	cfg     *config.Config
	logger  *slog.Logger
	baseDir string

	registry *module.Registry
	cont     *container.Container
	storage  *storage.Manager
	settings *settings.Resolver
	bus      *events.EventBus
	app      *app.App

	tracker *stateTracker
	proc    *processor
	health  *healthManager
	summary *Phase2Summary

	mu        sync.RWMutex
	state     State
	startedAt time.Time

	fatal     chan error
	stopCh    chan struct{}
	stopOnce  sync.Once
	runCancel context.CancelFunc
}

// Option configures the kernel.
type Option func(*Kernel) error

// WithModules registers module definitions.
func WithModules(defs ...module.Definition) Option {
	return func(k *Kernel) error {
		for _, def := range defs {
			if err := k.registry.Add(def); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithLogger sets the kernel logger.
func WithLogger(logger *slog.Logger) Option {
	return func(k *Kernel) error {
		k.logger = logger
		return nil
	}
}

// New creates a kernel over a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Kernel, error) {
	baseDir, err := expandPath(cfg.BaseDir)
	if err != nil {
		return nil, fault.Wrap(fault.BootstrapFailed, "cannot resolve base directory", err)
	}

	k := &Kernel{
		cfg:      cfg,
		logger:   slog.Default(),
		baseDir:  baseDir,
		registry: module.NewRegistry(),
		cont:     container.New(),
		tracker:  newStateTracker(),
		state:    StateStarting,
		fatal:    make(chan error, 1),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}

	k.bus = events.NewBus(events.WithLogger(k.logger))
	k.storage = storage.NewManager(baseDir)
	k.settings = settings.NewResolver(k.storage, k.logger)
	k.app = app.New(cfg, baseDir, k.logger, k.cont, k.storage, k.settings, k.bus)
	k.proc = newProcessor(k.app, k.registry, k.tracker, k.logger, k.bus)
	return k, nil
}

// expandPath resolves a leading ~ against the user's home directory.
func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// App returns the application context.
func (k *Kernel) App() *app.App {
	return k.app
}

// Container returns the service container.
func (k *Kernel) Container() *container.Container {
	return k.cont
}

// Registry returns the module registry.
func (k *Kernel) Registry() *module.Registry {
	return k.registry
}

// Bus returns the kernel event bus.
func (k *Kernel) Bus() events.Bus {
	return k.bus
}

// BaseDir returns the expanded base directory.
func (k *Kernel) BaseDir() string {
	return k.baseDir
}

// State returns the current lifecycle state.
func (k *Kernel) State() State {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.state
}

// Uptime returns the time since the kernel reached running or degraded,
// zero before that.
func (k *Kernel) Uptime() time.Duration {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.startedAt.IsZero() {
		return 0
	}
	return time.Since(k.startedAt)
}

// ModuleStates returns a snapshot of all module load records.
func (k *Kernel) ModuleStates() map[string]ModuleState {
	return k.tracker.snapshot()
}

// ModuleState returns one module's load record.
func (k *Kernel) ModuleState(id string) (ModuleState, bool) {
	return k.tracker.get(id)
}

// Phase2Result returns the orchestrator summary, nil before Phase 2 ran.
func (k *Kernel) Phase2Result() *Phase2Summary {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.summary
}

// HealthResults returns the cached module probe results.
func (k *Kernel) HealthResults() []ProbeResult {
	if k.health == nil {
		return nil
	}
	return k.health.Results()
}

// Routers returns module-declared routers keyed by mount prefix.
func (k *Kernel) Routers() map[string]chi.Router {
	return k.proc.routers
}

// Healthy reports whether the kernel is serving, possibly degraded.
func (k *Kernel) Healthy() bool {
	s := k.State()
	return s == StateRunning || s == StateDegraded
}

// RequestShutdown triggers a graceful stop. Safe to call more than once.
func (k *Kernel) RequestShutdown() {
	k.stopOnce.Do(func() { close(k.stopCh) })
}

// Fatal reports an unrecoverable component error; the kernel shuts down.
func (k *Kernel) Fatal(err error) {
	select {
	case k.fatal <- err:
	default:
	}
}

// setState transitions the lifecycle state. An illegal transition is a
// programming error; it is logged and refused.
func (k *Kernel) setState(next State) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.state.CanTransitionTo(next) {
		k.logger.Error("illegal state transition refused", "from", k.state, "to", next)
		return false
	}
	k.logger.Debug("kernel state change", "from", k.state, "to", next)
	k.state = next
	if next == StateRunning || next == StateDegraded {
		if k.startedAt.IsZero() {
			k.startedAt = time.Now()
		}
	}
	return true
}

// Run drives the whole lifecycle. It blocks until ctx is canceled, a fatal
// error is reported, or RequestShutdown is called, then runs the shutdown
// sequence. The returned error is non-nil when startup failed or the
// shutdown deadline was overshot.
func (k *Kernel) Run(ctx context.Context) error {
	runCtx, runCancel := context.WithCancel(context.Background())
	k.runCancel = runCancel
	defer runCancel()
	k.app.SetRunContext(runCtx)

	if err := k.startup(ctx); err != nil {
		k.logger.Error("startup failed", "error", err)
		k.shutdown()
		return err
	}

	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	_ = k.bus.Publish(ctx, events.NewEvent(events.KernelReady, nil))
	k.logger.Info("kernel ready",
		"state", k.State(),
		"modules", len(k.registry.All()),
		"services", k.cont.Len(),
	)

	select {
	case <-ctx.Done():
		k.logger.Info("shutdown signal received")
	case err := <-k.fatal:
		k.logger.Error("fatal component error", "error", err)
	case <-k.stopCh:
		k.logger.Info("shutdown requested")
	}

	return k.shutdown()
}

// startup runs bootstrap, the load pipeline, and Phase 2.
func (k *Kernel) startup(ctx context.Context) error {
	if !k.setState(StateBootstrapping) {
		return fault.New(fault.BootstrapFailed, "kernel already started")
	}

	runner := bootstrap.NewRunner()
	if _, err := runner.Run(ctx, &bootstrap.Env{
		BaseDir:  k.baseDir,
		Registry: k.registry,
		Storage:  k.storage,
		Logger:   k.logger,
	}); err != nil {
		return err
	}

	k.setState(StateLoading)
	if err := k.registry.ValidateGraph(); err != nil {
		return err
	}
	order, err := k.registry.LoadOrder()
	if err != nil {
		return err
	}
	for _, id := range order {
		if err := k.proc.Load(ctx, id); err != nil {
			return err
		}
	}

	// All schemas are registered by now; the env layer is scanned once and
	// reused until SIGHUP.
	if err := k.settings.BuildBaseline(); err != nil {
		return err
	}
	k.bus.Subscribe(events.ConfigReloaded, func(ctx context.Context, _ events.Event) {
		if err := k.settings.BuildBaseline(); err != nil {
			k.logger.Error("failed to rebuild settings baseline", "error", err)
		}
	})

	k.setState(StatePhase2)
	orch := newOrchestrator(k.app, k.registry, k.proc, k.tracker, k.logger, k.bus)
	summary, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	k.mu.Lock()
	k.summary = summary
	k.mu.Unlock()

	k.logger.Info("phase 2 complete",
		"ops", summary.Ops,
		"ready", len(summary.Ready),
		"degraded", len(summary.Degraded),
		"failed", len(summary.Failed),
		"duration", summary.Duration.Round(time.Millisecond),
	)

	next := StateRunning
	if len(summary.Failed) > 0 || len(summary.Degraded) > 0 {
		next = StateDegraded
	}
	k.setState(next)

	k.health = newHealthManager(k.app, k.tracker, k.logger, k.proc.probes)
	go k.health.Run(k.app.RunContext())
	return nil
}

// shutdown runs the coordinator and settles the final state.
func (k *Kernel) shutdown() error {
	k.setState(StateStopping)
	if k.runCancel != nil {
		k.runCancel()
	}

	deadline := time.Duration(k.cfg.Shutdown.DeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = 60 * time.Second
	}
	handlerTimeout := time.Duration(k.cfg.Shutdown.HandlerTimeoutSeconds) * time.Second
	if handlerTimeout <= 0 {
		handlerTimeout = 10 * time.Second
	}

	co := &coordinator{
		c:              k.cont,
		logger:         k.logger,
		bus:            k.bus,
		closeDatabases: k.storage.CloseAll,
		deadline:       deadline,
		handlerTimeout: handlerTimeout,
	}
	_, err := co.Shutdown()

	_ = k.bus.Close()
	k.setState(StateStopped)
	return err
}
