package bootstrap

import (
	"context"
	"fmt"
	"sort"

	"github.com/chassisd/chassis/internal/storage"
)

// DatabaseHandler collects database declarations from the module registry,
// groups tables by database name, opens or creates each file, and creates
// any missing tables in a single transaction per database.
type DatabaseHandler struct{}

// Name implements Handler.
func (h *DatabaseHandler) Name() string { return "databases" }

// Priority implements Handler.
func (h *DatabaseHandler) Priority() int { return 10 }

// Run materializes every declared database and table.
func (h *DatabaseHandler) Run(ctx context.Context, env *Env) error {
	grouped := make(map[string][]storage.Table)
	for _, desc := range env.Registry.All() {
		for _, decl := range desc.Databases {
			if decl.Name == "" {
				return fmt.Errorf("module %q declares a database with no name", desc.ID)
			}
			grouped[decl.Name] = append(grouped[decl.Name], decl.Tables...)
		}
	}

	names := make([]string, 0, len(grouped))
	for name := range grouped {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		db, err := env.Storage.Open(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to open database %q; %w", name, err)
		}

		if err := db.CreateTables(ctx, grouped[name]); err != nil {
			return err
		}

		env.Logger.Info("database ready", "database", name, "tables", len(grouped[name]))
		if env.report != nil {
			env.report.Databases[name] = len(grouped[name])
		}
	}
	return nil
}
