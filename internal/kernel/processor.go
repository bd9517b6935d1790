package kernel

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
)

// defaultForcePriority orders force shutdown handlers whose hook declared
// none.
const defaultForcePriority = 500

// healthProbe is one bound module health check.
type healthProbe struct {
	ModuleID string
	Method   string
	Interval time.Duration
	Run      module.Method
}

// processor runs the module load pipeline. One instance serves a whole
// kernel run; Load is called once per module in topological order.
type processor struct {
	app     *app.App
	reg     *module.Registry
	tracker *stateTracker
	logger  *slog.Logger
	bus     events.Bus

	instances map[string]module.Instance
	routers   map[string]chi.Router
	probes    []healthProbe
	degraded  map[string]bool
}

func newProcessor(a *app.App, reg *module.Registry, tracker *stateTracker, logger *slog.Logger, bus events.Bus) *processor {
	return &processor{
		app:       a,
		reg:       reg,
		tracker:   tracker,
		logger:    logger,
		bus:       bus,
		instances: make(map[string]module.Instance),
		routers:   make(map[string]chi.Router),
		degraded:  make(map[string]bool),
	}
}

// Load runs the pipeline for one module. Any returned error aborts
// startup; modules are trusted platform code and a load failure is a
// deployment defect, not a runtime condition.
func (p *processor) Load(ctx context.Context, id string) error {
	desc, ok := p.reg.Descriptor(id)
	if !ok {
		return fault.Newf(fault.MetadataConflict, "module %q is not registered", id)
	}
	def, _ := p.reg.Definition(id)
	started := time.Now()

	p.tracker.update(id, func(st *ModuleState) {
		st.Status = ModuleLoading
	})

	// Advertised service names must be free in the container; a clash with
	// a kernel-registered service surfaces here rather than mid-phase1.
	for _, svc := range desc.Services {
		if p.app.Container.Has(svc.Name) {
			return fault.Newf(fault.DuplicateService,
				"service %q advertised by module %q is already registered", svc.Name, id)
		}
	}

	if desc.Settings != nil {
		if err := p.app.Settings.RegisterSchema(id, desc.Settings.EnvPrefix, desc.Settings.Schema); err != nil {
			return err
		}
	}

	// Database declarations were consumed by the bootstrap stage; a
	// database missing here means bootstrap did not run over this registry.
	for _, db := range desc.Databases {
		if _, ok := p.app.Storage.Get(db.Name); !ok {
			return fault.Newf(fault.BootstrapFailed,
				"module %q declares database %q which bootstrap did not open", id, db.Name)
		}
	}

	// Phase-2 operations start pending; the orchestrator fills them in.
	p.tracker.update(id, func(st *ModuleState) {
		for _, op := range desc.Phase2 {
			st.Phase2[op.Method] = OpState{Method: op.Method, Status: OpPending}
		}
	})

	instance, err := def.New(p.app)
	if err != nil {
		p.fail(id, err)
		return fault.Wrap(fault.Phase1Failed, "module "+id+" constructor failed", err)
	}
	p.instances[id] = instance

	if err := p.checkIntegrity(ctx, id, desc, instance); err != nil {
		p.fail(id, err)
		return err
	}

	if desc.APIPrefix != "" {
		provider, ok := instance.(module.RouterProvider)
		if !ok {
			err := fault.Newf(fault.MetadataConflict,
				"module %q declares api_endpoints but does not provide a router", id)
			p.fail(id, err)
			return err
		}
		p.routers[desc.APIPrefix] = provider.Router()
	}

	if err := p.bindShutdownHooks(id, desc, instance); err != nil {
		p.fail(id, err)
		return err
	}
	p.bindHealthChecks(id, desc, instance)

	if err := p.autoCreate(ctx, id, desc, instance); err != nil {
		p.fail(id, err)
		return err
	}

	if err := p.runPhase1(ctx, id, desc, instance); err != nil {
		p.fail(id, err)
		return err
	}

	// Success lands as a merge into the existing record; phase-2 op
	// entries and service names written above stay intact.
	p.tracker.update(id, func(st *ModuleState) {
		st.LoadedAt = time.Now().UTC()
		st.DurationMS = time.Since(started).Milliseconds()
	})

	p.logger.Info("module loaded",
		"module", id,
		"services", len(desc.Services),
		"phase1", len(desc.Phase1),
		"phase2", len(desc.Phase2),
		"duration", time.Since(started).Round(time.Millisecond),
	)
	p.publish(events.ModuleLoaded, id, nil)
	return nil
}

// checkIntegrity enforces the integrity declaration. The structural
// contract is checked at instantiation, the earliest point a Go type can
// be inspected. strict_mode aborts on violation; basic degrades.
func (p *processor) checkIntegrity(ctx context.Context, id string, desc *module.Descriptor, instance module.Instance) error {
	if !desc.Integrity.Set() {
		return nil
	}

	guard, ok := instance.(module.IntegrityGuard)
	if !ok {
		err := fault.Newf(fault.MissingIntegrityBase,
			"module %q declares integrity flags but does not implement the integrity contract", id)
		if desc.Integrity.StrictMode {
			return err
		}
		p.logger.Warn("integrity contract missing, module degraded", "module", id)
		p.degraded[id] = true
		return nil
	}

	if err := guard.VerifyIntegrity(ctx); err != nil {
		wrapped := fault.Wrap(fault.MissingIntegrityBase, "module "+id+" integrity verification failed", err)
		if desc.Integrity.StrictMode {
			return wrapped
		}
		p.logger.Warn("integrity verification failed, module degraded", "module", id, "error", err)
		p.degraded[id] = true
	}
	return nil
}

// bindShutdownHooks resolves declared shutdown methods against the
// instance and registers them with the container.
func (p *processor) bindShutdownHooks(id string, desc *module.Descriptor, instance module.Instance) error {
	methods := instance.Methods()

	bind := func(kind container.ShutdownKind, hook *module.ShutdownHook, priority int) error {
		if hook == nil {
			return nil
		}
		method, ok := methods[hook.Method]
		if !ok {
			return fault.Newf(fault.MetadataConflict,
				"module %q declares shutdown method %q which the instance does not implement", id, hook.Method)
		}
		return p.app.Container.RegisterShutdown(kind, container.ShutdownHandler{
			Name:     id + "." + hook.Method,
			Priority: priority,
			Timeout:  time.Duration(hook.TimeoutSeconds) * time.Second,
			Func: func(ctx context.Context) error {
				return method(ctx, p.app)
			},
		})
	}

	if err := bind(container.ShutdownGraceful, desc.Graceful, priorityOf(desc.Graceful, 0)); err != nil {
		return err
	}
	forcePriority := defaultForcePriority
	if desc.Graceful != nil && desc.Graceful.Priority > 0 {
		forcePriority = desc.Graceful.Priority
	}
	return bind(container.ShutdownForce, desc.Force, forcePriority)
}

func priorityOf(hook *module.ShutdownHook, fallback int) int {
	if hook != nil && hook.Priority > 0 {
		return hook.Priority
	}
	return fallback
}

// bindHealthChecks records declared probes for the health manager.
func (p *processor) bindHealthChecks(id string, desc *module.Descriptor, instance module.Instance) {
	methods := instance.Methods()
	for _, decl := range desc.HealthChecks {
		method, ok := methods[decl.Method]
		if !ok {
			p.logger.Warn("declared health check method not implemented, skipped",
				"module", id, "method", decl.Method)
			continue
		}
		interval := time.Duration(decl.IntervalSeconds) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		p.probes = append(p.probes, healthProbe{
			ModuleID: id,
			Method:   decl.Method,
			Interval: interval,
			Run:      method,
		})
	}
}

// autoCreate builds and registers declared services, ordered by advertised
// priority.
func (p *processor) autoCreate(ctx context.Context, id string, desc *module.Descriptor, instance module.Instance) error {
	if desc.AutoCreate == nil {
		return nil
	}

	value, err := desc.AutoCreate(ctx, p.app, instance)
	if err != nil {
		return fault.Wrap(fault.Phase1Failed, "module "+id+" auto-create failed", err)
	}
	if value == nil {
		value = instance
	}

	services := make([]module.ServiceDecl, len(desc.Services))
	copy(services, desc.Services)
	sort.Slice(services, func(i, j int) bool {
		if services[i].Priority != services[j].Priority {
			return services[i].Priority < services[j].Priority
		}
		return services[i].Name < services[j].Name
	})

	for _, svc := range services {
		if err := p.app.Container.Register(svc.Name, value, svc.Priority, id); err != nil {
			return err
		}
		p.tracker.update(id, func(st *ModuleState) {
			st.ServicesRegistered = append(st.ServicesRegistered, svc.Name)
		})
	}
	return nil
}

// runPhase1 executes the declared phase-1 sequence in order. The first
// failure aborts with the method name in the error details.
func (p *processor) runPhase1(ctx context.Context, id string, desc *module.Descriptor, instance module.Instance) error {
	methods := instance.Methods()
	for _, name := range desc.Phase1 {
		method, ok := methods[name]
		if !ok {
			return fault.Newf(fault.Phase1Failed,
				"module %q declares phase1 method %q which the instance does not implement", id, name).
				WithDetail("method", name)
		}
		if err := method(ctx, p.app); err != nil {
			return fault.Wrap(fault.Phase1Failed, "module "+id+" phase1 method "+name+" failed", err).
				WithDetail("method", name)
		}
		p.tracker.update(id, func(st *ModuleState) {
			st.Phase1Done = append(st.Phase1Done, name)
		})
	}
	return nil
}

// fail merges a failure into the module record.
func (p *processor) fail(id string, err error) {
	p.tracker.update(id, func(st *ModuleState) {
		st.Status = ModuleFailed
		st.Error = err.Error()
	})
	p.publish(events.ModuleFailed, id, err)
}

func (p *processor) publish(eventType events.EventType, id string, err error) {
	if p.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = p.bus.Publish(ctx, events.NewEvent(eventType, events.ModulePayload{ModuleID: id, Err: err}))
}
