package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopInstance struct{}

func (nopInstance) Methods() map[string]module.Method { return nil }

func testEnv(t *testing.T, defs ...module.Definition) *Env {
	t.Helper()

	reg := module.NewRegistry()
	for _, def := range defs {
		if err := reg.Add(def); err != nil {
			t.Fatalf("Add(%s) error = %v", def.ID, err)
		}
	}

	base := t.TempDir()
	st := storage.NewManager(base)
	t.Cleanup(func() { _ = st.CloseAll() })

	return &Env{
		BaseDir:  base,
		Registry: reg,
		Storage:  st,
		Logger:   testLogger(),
	}
}

func TestRunCreatesFixedDirectories(t *testing.T) {
	env := testEnv(t)

	report, err := NewRunner().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	for _, rel := range FixedDirectories {
		info, err := os.Stat(filepath.Join(env.BaseDir, rel))
		if err != nil || !info.IsDir() {
			t.Errorf("directory %s missing after bootstrap", rel)
		}
	}
	if report.HandlersRun != 2 {
		t.Errorf("HandlersRun = %d, want 2", report.HandlersRun)
	}
	if len(report.Directories) != len(FixedDirectories) {
		t.Errorf("Directories = %d, want %d", len(report.Directories), len(FixedDirectories))
	}
}

func TestRunIdempotent(t *testing.T) {
	env := testEnv(t)
	runner := NewRunner()

	if _, err := runner.Run(context.Background(), env); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if _, err := runner.Run(context.Background(), env); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
}

func TestRunMaterializesDeclaredDatabases(t *testing.T) {
	def := module.Definition{
		ID: "app.notes",
		Spec: module.NewSpec(
			module.Database("notes",
				storage.Table{Name: "notes", DDL: `CREATE TABLE notes (id TEXT PRIMARY KEY, body TEXT)`},
			),
			module.Database(storage.FrameworkDB,
				storage.Table{Name: "note_meta", DDL: `CREATE TABLE note_meta (id TEXT PRIMARY KEY)`},
			),
		),
		New: func(a *app.App) (module.Instance, error) { return nopInstance{}, nil },
	}
	env := testEnv(t, def)

	report, err := NewRunner().Run(context.Background(), env)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	db, ok := env.Storage.Get("notes")
	if !ok {
		t.Fatal("notes database not opened")
	}
	exists, err := db.TableExists(context.Background(), "notes")
	if err != nil || !exists {
		t.Errorf("notes table missing: exists=%v err=%v", exists, err)
	}

	fw, ok := env.Storage.Get(storage.FrameworkDB)
	if !ok {
		t.Fatal("framework database not opened")
	}
	exists, err = fw.TableExists(context.Background(), "note_meta")
	if err != nil || !exists {
		t.Errorf("note_meta table missing: exists=%v err=%v", exists, err)
	}

	if report.Databases["notes"] != 1 {
		t.Errorf("report.Databases = %v", report.Databases)
	}
}

type failingHandler struct{}

func (failingHandler) Name() string  { return "failing" }
func (failingHandler) Priority() int { return 1 }
func (failingHandler) Run(ctx context.Context, env *Env) error {
	return errors.New("disk on fire")
}

func TestRunAbortsOnHandlerFailure(t *testing.T) {
	env := testEnv(t)

	_, err := NewRunner(failingHandler{}).Run(context.Background(), env)
	if !fault.HasCode(err, fault.BootstrapFailed) {
		t.Fatalf("Run() = %v, want BOOTSTRAP_FAILED", err)
	}

	// failing has priority 1, so the directory handler never ran.
	if _, statErr := os.Stat(filepath.Join(env.BaseDir, "logs")); !os.IsNotExist(statErr) {
		t.Error("later handlers ran after a failure")
	}
}
