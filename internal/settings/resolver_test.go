package settings

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/storage"
)

type myModuleKnobs struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds" validate:"min=1"`
	Endpoint       string `mapstructure:"endpoint"`
	Retry          struct {
		Attempts int `mapstructure:"attempts"`
	} `mapstructure:"retry"`
}

func myModuleSchema() any {
	k := &myModuleKnobs{TimeoutSeconds: 30, Endpoint: "local"}
	k.Retry.Attempts = 3
	return k
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	st := storage.NewManager(t.TempDir())
	t.Cleanup(func() { _ = st.CloseAll() })
	return NewResolver(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestResolutionPriority(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t)

	if err := r.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}

	// Default only.
	view, err := r.Resolve(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	if view["timeout_seconds"] != 30 {
		t.Errorf("default timeout_seconds = %v, want 30", view["timeout_seconds"])
	}

	// Environment overrides the default.
	t.Setenv("CORE_MY_MODULE_TIMEOUT_SECONDS", "60")
	if err := r.BuildBaseline(); err != nil {
		t.Fatal(err)
	}
	view, err = r.Resolve(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	if view["timeout_seconds"] != 60 {
		t.Errorf("env timeout_seconds = %v, want 60", view["timeout_seconds"])
	}

	// A stored preference wins over the environment.
	if err := r.Set(ctx, "core.my_module", "timeout_seconds", 45, "settings"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	view, err = r.Resolve(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	if view["timeout_seconds"] != 45 {
		t.Errorf("preference timeout_seconds = %v, want 45", view["timeout_seconds"])
	}

	// Clearing the preference falls back to the environment.
	if err := r.Clear(ctx, "core.my_module", "timeout_seconds", "settings"); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	view, err = r.Resolve(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	if view["timeout_seconds"] != 60 {
		t.Errorf("after clear timeout_seconds = %v, want 60", view["timeout_seconds"])
	}

	// Dropping the env variable and rebuilding falls back to the default.
	t.Setenv("CORE_MY_MODULE_TIMEOUT_SECONDS", "")
	// t.Setenv cannot unset; simulate by rebuilding with a fresh resolver
	// sharing the same store semantics instead.
	r2 := testResolver(t)
	if err := r2.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}
	if err := r2.BuildBaseline(); err != nil {
		t.Fatal(err)
	}
	base, ok := r2.Baseline("core.my_module")
	if !ok {
		t.Fatal("Baseline() not found")
	}
	// Empty env value fails int coercion and is ignored, leaving the default.
	if base["timeout_seconds"] != 30 {
		t.Errorf("baseline timeout_seconds = %v, want 30", base["timeout_seconds"])
	}
}

func TestEnvCoercionAndNesting(t *testing.T) {
	r := testResolver(t)
	if err := r.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CORE_MY_MODULE_ENDPOINT", "remote")
	t.Setenv("CORE_MY_MODULE_RETRY_ATTEMPTS", "9")
	t.Setenv("CORE_MY_MODULE_TIMEOUT_SECONDS", "not-a-number")
	t.Setenv("CORE_MY_MODULE_UNKNOWN_KEY", "ignored")

	if err := r.BuildBaseline(); err != nil {
		t.Fatal(err)
	}
	base, _ := r.Baseline("core.my_module")

	if base["endpoint"] != "remote" {
		t.Errorf("endpoint = %v", base["endpoint"])
	}
	retry, ok := base["retry"].(map[string]any)
	if !ok || retry["attempts"] != 9 {
		t.Errorf("retry = %v, want attempts 9", base["retry"])
	}
	// Uncoercible value is ignored, default stands.
	if base["timeout_seconds"] != 30 {
		t.Errorf("timeout_seconds = %v, want 30", base["timeout_seconds"])
	}
	if _, exists := base["unknown_key"]; exists {
		t.Error("unknown env variable leaked into the baseline")
	}
}

func TestResolveTypedValidation(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t)
	if err := r.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}

	var knobs myModuleKnobs
	if err := r.ResolveTyped(ctx, "core.my_module", "settings", &knobs); err != nil {
		t.Fatalf("ResolveTyped() error = %v", err)
	}
	if knobs.TimeoutSeconds != 30 || knobs.Endpoint != "local" || knobs.Retry.Attempts != 3 {
		t.Errorf("decoded knobs = %+v", knobs)
	}

	// A preference violating the validate tag fails resolution.
	if err := r.Set(ctx, "core.my_module", "timeout_seconds", 0, "settings"); err != nil {
		t.Fatal(err)
	}
	err := r.ResolveTyped(ctx, "core.my_module", "settings", &knobs)
	if !fault.HasCode(err, fault.SettingsValidationFailed) {
		t.Errorf("ResolveTyped() = %v, want SETTINGS_VALIDATION_FAILED", err)
	}
}

func TestSetRejectsUnknownKeyAndBadType(t *testing.T) {
	ctx := context.Background()
	r := testResolver(t)
	if err := r.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}

	err := r.Set(ctx, "core.my_module", "no_such_key", 1, "settings")
	if !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("unknown key = %v, want PARAMETER_INVALID", err)
	}

	err = r.Set(ctx, "core.my_module", "timeout_seconds", "fast", "settings")
	if !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("bad type = %v, want PARAMETER_INVALID", err)
	}

	err = r.Set(ctx, "ghost.module", "timeout_seconds", 1, "settings")
	if !fault.HasCode(err, fault.NotFound) {
		t.Errorf("unknown module = %v, want NOT_FOUND", err)
	}
}

func TestPreferencesPersistAcrossResolvers(t *testing.T) {
	ctx := context.Background()
	st := storage.NewManager(t.TempDir())
	defer func() { _ = st.CloseAll() }()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r1 := NewResolver(st, logger)
	if err := r1.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}
	if err := r1.Set(ctx, "core.my_module", "retry.attempts", 7, "settings"); err != nil {
		t.Fatal(err)
	}

	r2 := NewResolver(st, logger)
	if err := r2.RegisterSchema("core.my_module", "CORE_MY_MODULE_", myModuleSchema); err != nil {
		t.Fatal(err)
	}
	view, err := r2.Resolve(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	retry := view["retry"].(map[string]any)
	if retry["attempts"] != 7 {
		t.Errorf("attempts = %v, want 7 from persisted preference", retry["attempts"])
	}

	overrides, err := r2.Overrides(ctx, "core.my_module", "settings")
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 1 {
		t.Errorf("Overrides() = %v", overrides)
	}
}

func TestRegisterSchemaValidation(t *testing.T) {
	r := testResolver(t)

	if err := r.RegisterSchema("", "X_", myModuleSchema); !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("empty module = %v", err)
	}
	if err := r.RegisterSchema("m", "lower_", myModuleSchema); !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("lowercase prefix = %v", err)
	}
	if err := r.RegisterSchema("m", "NOUNDERSCORE", myModuleSchema); !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("no trailing underscore = %v", err)
	}
	if err := r.RegisterSchema("m", "M_", nil); !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("nil schema = %v", err)
	}

	if err := r.RegisterSchema("m", "M_", myModuleSchema); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterSchema("m", "M_", myModuleSchema); !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("duplicate schema = %v", err)
	}
}
