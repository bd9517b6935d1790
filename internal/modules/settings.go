package modules

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/settings"
	"github.com/chassisd/chassis/internal/storage"
)

// SettingsService is the settings resolver's container name.
const SettingsService = "core.settings.service"

// SettingsKnobs is the core.settings module's own settings schema.
type SettingsKnobs struct {
	// CacheEnabled toggles the in-memory resolve cache.
	CacheEnabled bool `json:"cache_enabled" mapstructure:"cache_enabled"`

	// DefaultDatabase is the database preferences land in when a call
	// does not select one.
	DefaultDatabase string `json:"default_database" mapstructure:"default_database" validate:"required"`
}

// settingsModule wires the typed settings resolver into the platform.
type settingsModule struct {
	app *app.App
}

// Settings returns the core.settings definition.
func Settings() module.Definition {
	return module.Definition{
		ID: "core.settings",
		Spec: module.NewSpec(
			module.DependsOnModules("core.database"),
			module.RequiresServices(DatabaseService),
			module.ProvidesService(SettingsService, 20),
			module.AutoCreate(func(ctx context.Context, a *app.App, _ module.Instance) (any, error) {
				return a.Settings, nil
			}),
			module.Database(storage.FrameworkDB, settings.PreferencesTable),
			module.Phase1("attach_store"),
			module.Phase2(module.Phase2Op{
				Method:    "load_baseline",
				DependsOn: []string{DatabaseService},
				Priority:  30,
			}),
			module.Settings("CORE_SETTINGS_", func() any {
				return &SettingsKnobs{
					CacheEnabled:    true,
					DefaultDatabase: storage.FrameworkDB,
				}
			}),
			module.APIEndpoints("/api/settings"),
		),
		New: func(a *app.App) (module.Instance, error) {
			return &settingsModule{app: a}, nil
		},
	}
}

func (m *settingsModule) Methods() map[string]module.Method {
	return map[string]module.Method{
		"attach_store":  m.attachStore,
		"load_baseline": m.loadBaseline,
	}
}

// attachStore verifies the preference table exists in the framework
// database. Bootstrap created it from the database annotation.
func (m *settingsModule) attachStore(ctx context.Context, a *app.App) error {
	db, ok := a.Storage.Get(storage.FrameworkDB)
	if !ok {
		return fault.New(fault.BootstrapFailed, "framework database is not open")
	}
	exists, err := db.TableExists(ctx, settings.PreferencesTable.Name)
	if err != nil {
		return err
	}
	if !exists {
		return fault.Newf(fault.BootstrapFailed, "table %q was not created", settings.PreferencesTable.Name)
	}
	return nil
}

// loadBaseline resolves the module's own settings once so schema or env
// problems surface at startup rather than first use.
func (m *settingsModule) loadBaseline(ctx context.Context, a *app.App) error {
	var knobs SettingsKnobs
	return a.Settings.ResolveTyped(ctx, "core.settings", storage.FrameworkDB, &knobs)
}

// Router serves read-only resolved views per module.
func (m *settingsModule) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/modules", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, m.app.Settings.Modules())
	})
	r.Get("/modules/{module_id}", func(w http.ResponseWriter, req *http.Request) {
		resolved, err := m.app.Settings.Resolve(req.Context(), chi.URLParam(req, "module_id"), storage.FrameworkDB)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resolved)
	})
	return r
}
