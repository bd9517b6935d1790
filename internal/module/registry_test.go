package module

import (
	"context"
	"reflect"
	"testing"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/fault"
)

type nopInstance struct{}

func (nopInstance) Methods() map[string]Method { return nil }

func newNop(a *app.App) (Instance, error) { return nopInstance{}, nil }

func def(id string, opts ...Option) Definition {
	return Definition{ID: id, Spec: NewSpec(opts...), New: newNop}
}

func TestAddCompilesDescriptor(t *testing.T) {
	r := NewRegistry()
	err := r.Add(def("app.backup",
		DependsOnModules("core.database"),
		RequiresServices("core.database.service"),
		ProvidesService("app.backup.service", 40),
		Phase1("open_store"),
		Phase2(Phase2Op{Method: "warm_cache", Priority: 20}),
		APIEndpoints("/api/backup"),
		ShutdownGraceful("stop", 30, 100),
		HealthCheck("alive", 60),
		Integrity(true, false),
	))
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	desc, ok := r.Descriptor("app.backup")
	if !ok {
		t.Fatal("Descriptor() not found")
	}
	if !reflect.DeepEqual(desc.Dependencies, []string{"core.database"}) {
		t.Errorf("Dependencies = %v", desc.Dependencies)
	}
	if len(desc.Services) != 1 || desc.Services[0].Name != "app.backup.service" {
		t.Errorf("Services = %v", desc.Services)
	}
	if desc.APIPrefix != "/api/backup" {
		t.Errorf("APIPrefix = %s", desc.APIPrefix)
	}
	if desc.Graceful == nil || desc.Graceful.Method != "stop" || desc.Graceful.Priority != 100 {
		t.Errorf("Graceful = %+v", desc.Graceful)
	}
	if !desc.Integrity.StrictMode || desc.Integrity.AntiMock {
		t.Errorf("Integrity = %+v", desc.Integrity)
	}
	if !desc.HasPhase2Method("warm_cache") || desc.HasPhase2Method("missing") {
		t.Error("HasPhase2Method wrong")
	}

	owner, ok := r.ServiceOwner("app.backup.service")
	if !ok || owner != "app.backup" {
		t.Errorf("ServiceOwner = %q, %v", owner, ok)
	}
}

func TestAddRejectsBadMetadata(t *testing.T) {
	tests := []struct {
		name string
		d    Definition
		code fault.Code
	}{
		{"empty id", def(""), fault.MetadataConflict},
		{"no constructor", Definition{ID: "x", Spec: NewSpec()}, fault.MetadataConflict},
		{"unnamed service", def("x", ProvidesService("", 10)), fault.MetadataConflict},
		{"duplicate phase1", def("x", Phase1("a", "a")), fault.MetadataConflict},
		{"duplicate phase2", def("x",
			Phase2(Phase2Op{Method: "a"}), Phase2(Phase2Op{Method: "a"})), fault.MetadataConflict},
		{"bad api prefix", def("x", APIEndpoints("no-slash")), fault.MetadataConflict},
		{"root api prefix", def("x", APIEndpoints("/")), fault.MetadataConflict},
		{"shutdown priority out of range", def("x", ShutdownGraceful("stop", 10, 0)), fault.MetadataConflict},
		{"auto_create without service", def("x",
			AutoCreate(func(ctx context.Context, a *app.App, i Instance) (any, error) { return nil, nil })), fault.MetadataConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Add(tt.d)
			if !fault.HasCode(err, tt.code) {
				t.Errorf("Add() = %v, want %s", err, tt.code)
			}
		})
	}
}

func TestAddDuplicateModuleAndService(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(def("a", ProvidesService("shared.service", 10))); err != nil {
		t.Fatal(err)
	}

	if err := r.Add(def("a")); !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("duplicate module = %v, want METADATA_CONFLICT", err)
	}
	if err := r.Add(def("b", ProvidesService("shared.service", 10))); !fault.HasCode(err, fault.DuplicateService) {
		t.Errorf("duplicate service = %v, want DUPLICATE_SERVICE", err)
	}
}

func TestValidateGraph(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(def("core.db", ProvidesService("db.service", 10), Phase2(Phase2Op{Method: "open"})))
	_ = r.Add(def("app.cache",
		DependsOnModules("core.db"),
		RequiresServices("db.service"),
		Phase2(Phase2Op{Method: "warm", DependsOn: []string{"db.service", "core.db.open"}}),
	))

	if err := r.ValidateGraph(); err != nil {
		t.Fatalf("ValidateGraph() error = %v", err)
	}
}

func TestValidateGraphFailures(t *testing.T) {
	t.Run("missing module dependency", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Add(def("a", DependsOnModules("ghost")))
		if err := r.ValidateGraph(); !fault.HasCode(err, fault.UnknownDependency) {
			t.Errorf("ValidateGraph() = %v, want UNKNOWN_DEPENDENCY", err)
		}
	})

	t.Run("missing required service", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Add(def("a", RequiresServices("nobody.advertises")))
		if err := r.ValidateGraph(); !fault.HasCode(err, fault.UnknownDependency) {
			t.Errorf("ValidateGraph() = %v, want UNKNOWN_DEPENDENCY", err)
		}
	})

	t.Run("bad phase2 reference", func(t *testing.T) {
		r := NewRegistry()
		_ = r.Add(def("a", Phase2(Phase2Op{Method: "go", DependsOn: []string{"b.missing_method"}})))
		_ = r.Add(def("b", Phase2(Phase2Op{Method: "other"})))
		if err := r.ValidateGraph(); !fault.HasCode(err, fault.UnknownDependency) {
			t.Errorf("ValidateGraph() = %v, want UNKNOWN_DEPENDENCY", err)
		}
	})
}

func TestLoadOrder(t *testing.T) {
	r := NewRegistry()
	// c depends on b depends on a; d is independent.
	_ = r.Add(def("c", DependsOnModules("b")))
	_ = r.Add(def("a"))
	_ = r.Add(def("d"))
	_ = r.Add(def("b", DependsOnModules("a")))

	order, err := r.LoadOrder()
	if err != nil {
		t.Fatalf("LoadOrder() error = %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("LoadOrder() = %v, want a before b before c", order)
	}
	// Deterministic tie-break: a before d since both are roots.
	if pos["a"] > pos["d"] {
		t.Errorf("LoadOrder() = %v, want alphabetical among ready modules", order)
	}
}

func TestLoadOrderCycle(t *testing.T) {
	r := NewRegistry()
	_ = r.Add(def("a", DependsOnModules("b")))
	_ = r.Add(def("b", DependsOnModules("a")))

	if _, err := r.LoadOrder(); !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("LoadOrder() = %v, want METADATA_CONFLICT", err)
	}
}
