package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
)

type testInstance struct {
	methods map[string]module.Method
}

func (i *testInstance) Methods() map[string]module.Method { return i.methods }

func testDef(id string, methods map[string]module.Method, opts ...module.Option) module.Definition {
	return module.Definition{
		ID:   id,
		Spec: module.NewSpec(opts...),
		New: func(a *app.App) (module.Instance, error) {
			return &testInstance{methods: methods}, nil
		},
	}
}

func selfService(ctx context.Context, a *app.App, instance module.Instance) (any, error) {
	return instance, nil
}

func newTestKernel(t *testing.T, defs ...module.Definition) *Kernel {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Shutdown.DeadlineSeconds = 5
	cfg.Shutdown.HandlerTimeoutSeconds = 1

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	k, err := New(&cfg, WithLogger(logger), WithModules(defs...))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return k
}

// startKernel runs the kernel in the background and blocks until it is
// serving. The returned stop function requests shutdown and returns
// Run's error.
func startKernel(t *testing.T, k *Kernel) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for !k.Healthy() {
		if time.Now().After(deadline) {
			k.RequestShutdown()
			t.Fatalf("kernel never became healthy, state %s", k.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	return func() error {
		k.RequestShutdown()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			t.Fatal("kernel did not stop")
			return nil
		}
	}
}

func TestStartupOrderingAndServiceResolution(t *testing.T) {
	var mu sync.Mutex
	var order []string
	step := func(name string) module.Method {
		return func(ctx context.Context, a *app.App) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	db := testDef("core.database",
		map[string]module.Method{"setup": step("core.database.setup")},
		module.ProvidesService("core.database.service", 10),
		module.AutoCreate(selfService),
		module.Phase2(module.Phase2Op{Method: "setup", Priority: 20}),
	)
	st := testDef("core.settings",
		map[string]module.Method{"load_baseline": step("core.settings.load_baseline")},
		module.ProvidesService("core.settings.service", 20),
		module.AutoCreate(selfService),
		module.RequiresServices("core.database.service"),
		module.Phase2(module.Phase2Op{
			Method:    "load_baseline",
			Priority:  30,
			DependsOn: []string{"core.database.setup"},
		}),
	)

	k := newTestKernel(t, db, st)
	stop := startKernel(t, k)

	if k.State() != StateRunning {
		t.Errorf("state = %s, want running", k.State())
	}
	for _, svc := range []string{"core.database.service", "core.settings.service"} {
		if !k.Container().Has(svc) {
			t.Errorf("service %q not registered", svc)
		}
	}

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	want := []string{"core.database.setup", "core.settings.load_baseline"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("phase2 order = %v, want %v", got, want)
	}

	summary := k.Phase2Result()
	if summary == nil {
		t.Fatal("Phase2Result() = nil")
	}
	if summary.Ops != 2 || len(summary.Ready) != 2 || len(summary.Failed) != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// The load record accumulates across pipeline steps; fields written
	// early must survive the final status write.
	dbState, ok := k.ModuleState("core.database")
	if !ok {
		t.Fatal("ModuleState(core.database) not found")
	}
	if dbState.Status != ModuleReady {
		t.Errorf("status = %s, want ready", dbState.Status)
	}
	if len(dbState.ServicesRegistered) != 1 || dbState.ServicesRegistered[0] != "core.database.service" {
		t.Errorf("ServicesRegistered = %v", dbState.ServicesRegistered)
	}
	if op := dbState.Phase2["setup"]; op.Status != OpSuccess {
		t.Errorf("phase2 setup = %+v, want success", op)
	}
	if dbState.LoadedAt.IsZero() {
		t.Error("LoadedAt not set")
	}

	if err := stop(); err != nil {
		t.Errorf("Run() error = %v", err)
	}
	if k.State() != StateStopped {
		t.Errorf("final state = %s, want stopped", k.State())
	}
}

func TestPhase1FailureAbortsStartup(t *testing.T) {
	boom := errors.New("migration table locked")
	d := testDef("core.broken",
		map[string]module.Method{
			"open_store": func(ctx context.Context, a *app.App) error { return boom },
		},
		module.Phase1("open_store"),
	)

	k := newTestKernel(t, d)
	err := k.Run(context.Background())
	if !fault.HasCode(err, fault.Phase1Failed) {
		t.Fatalf("Run() = %v, want PHASE1_FAILED", err)
	}
	if !errors.Is(err, boom) {
		t.Error("cause not reachable through the returned error")
	}

	st, ok := k.ModuleState("core.broken")
	if !ok || st.Status != ModuleFailed || st.Error == "" {
		t.Errorf("module state = %+v, want failed with error", st)
	}
	if k.State() != StateStopped {
		t.Errorf("final state = %s, want stopped", k.State())
	}
}

func TestPhase2CycleAbortsStartup(t *testing.T) {
	nop := func(ctx context.Context, a *app.App) error { return nil }
	a := testDef("app.alpha",
		map[string]module.Method{"first": nop},
		module.Phase2(module.Phase2Op{Method: "first", DependsOn: []string{"app.beta.second"}}),
	)
	b := testDef("app.beta",
		map[string]module.Method{"second": nop},
		module.Phase2(module.Phase2Op{Method: "second", DependsOn: []string{"app.alpha.first"}}),
	)

	// Unrelated to the cycle and dependency-free, so it would be ready
	// immediately. A doomed startup must not run it.
	var mu sync.Mutex
	cleanRan := false
	c := testDef("app.clean",
		map[string]module.Method{
			"setup": func(ctx context.Context, a *app.App) error {
				mu.Lock()
				cleanRan = true
				mu.Unlock()
				return nil
			},
		},
		module.Phase2(module.Phase2Op{Method: "setup", Priority: 10}),
	)

	k := newTestKernel(t, a, b, c)
	err := k.Run(context.Background())
	if !fault.HasCode(err, fault.CyclicPhase2) {
		t.Fatalf("Run() = %v, want CYCLIC_PHASE2", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if cleanRan {
		t.Error("acyclic operation ran before the cycle was detected")
	}
	if k.State() != StateStopped {
		t.Errorf("final state = %s, want stopped", k.State())
	}
}

func TestRequiredServiceMissingIsolatesModule(t *testing.T) {
	var mu sync.Mutex
	ran := make(map[string]bool)
	step := func(name string) module.Method {
		return func(ctx context.Context, a *app.App) error {
			mu.Lock()
			ran[name] = true
			mu.Unlock()
			return nil
		}
	}

	// Advertised but never constructed: the name passes graph validation
	// and is absent from the container at phase-2 time.
	provider := testDef("app.provider", nil,
		module.ProvidesService("app.provider.service", 10),
	)
	consumer := testDef("app.consumer",
		map[string]module.Method{
			"connect": step("consumer.connect"),
			"warm":    step("consumer.warm"),
		},
		module.RequiresServices("app.provider.service"),
		module.Phase2(module.Phase2Op{Method: "connect", Priority: 10}),
		module.Phase2(module.Phase2Op{Method: "warm", Priority: 20, DependsOn: []string{"app.consumer.connect"}}),
	)
	bystander := testDef("app.bystander",
		map[string]module.Method{"init": step("bystander.init")},
		module.Phase2(module.Phase2Op{Method: "init", Priority: 30}),
	)

	k := newTestKernel(t, provider, consumer, bystander)
	stop := startKernel(t, k)
	defer func() {
		if err := stop(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	if k.State() != StateDegraded {
		t.Errorf("state = %s, want degraded", k.State())
	}

	summary := k.Phase2Result()
	if len(summary.Failed) != 1 || summary.Failed[0] != "app.consumer" {
		t.Errorf("Failed = %v, want [app.consumer]", summary.Failed)
	}

	mu.Lock()
	defer mu.Unlock()
	if ran["consumer.connect"] || ran["consumer.warm"] {
		t.Errorf("consumer operations ran: %v", ran)
	}
	if !ran["bystander.init"] {
		t.Error("bystander operation did not run, failure leaked across modules")
	}

	st, _ := k.ModuleState("app.consumer")
	if op := st.Phase2["connect"]; op.Status != OpFailed ||
		!strings.Contains(op.Error, string(fault.RequiredServiceMissing)) {
		t.Errorf("connect = %+v, want failed with REQUIRED_SERVICE_MISSING", op)
	}
	if op := st.Phase2["warm"]; op.Status != OpSkipped {
		t.Errorf("warm = %+v, want skipped", op)
	}
}

func TestOptionalPhase2FailureDegradesModule(t *testing.T) {
	d := testDef("app.cache",
		map[string]module.Method{
			"init": func(ctx context.Context, a *app.App) error { return nil },
			"warm": func(ctx context.Context, a *app.App) error {
				return errors.New("upstream unreachable")
			},
		},
		module.Phase2(module.Phase2Op{Method: "init", Priority: 10}),
		module.Phase2(module.Phase2Op{Method: "warm", Priority: 20, Optional: true}),
	)

	k := newTestKernel(t, d)
	stop := startKernel(t, k)
	defer func() {
		if err := stop(); err != nil {
			t.Errorf("Run() error = %v", err)
		}
	}()

	if k.State() != StateDegraded {
		t.Errorf("state = %s, want degraded", k.State())
	}
	summary := k.Phase2Result()
	if len(summary.Degraded) != 1 || summary.Degraded[0] != "app.cache" {
		t.Errorf("Degraded = %v, want [app.cache]", summary.Degraded)
	}
	if len(summary.Failed) != 0 {
		t.Errorf("Failed = %v, want none", summary.Failed)
	}
}
