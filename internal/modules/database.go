// Package modules holds the built-in core modules the kernel ships with:
// database, settings, scheduler, and housekeeper. Together they exercise
// the full annotation surface and provide the platform services host
// modules depend on.
package modules

import (
	"context"
	"fmt"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/storage"
)

// DatabaseService is the storage manager's container name.
const DatabaseService = "core.database.service"

// databaseModule owns the framework database and advertises the storage
// manager as a service.
type databaseModule struct {
	app *app.App
}

// Database returns the core.database definition.
func Database() module.Definition {
	return module.Definition{
		ID: "core.database",
		Spec: module.NewSpec(
			module.ProvidesService(DatabaseService, 10),
			module.AutoCreate(func(ctx context.Context, a *app.App, _ module.Instance) (any, error) {
				return a.Storage, nil
			}),
			module.Database(storage.FrameworkDB),
			module.Phase1("open_framework_db"),
			module.Integrity(false, true),
			module.ShutdownGraceful("flush_databases", 10, 90),
		),
		New: func(a *app.App) (module.Instance, error) {
			return &databaseModule{app: a}, nil
		},
	}
}

func (m *databaseModule) Methods() map[string]module.Method {
	return map[string]module.Method{
		"open_framework_db": m.openFrameworkDB,
		"flush_databases":   m.flushDatabases,
	}
}

// VerifyIntegrity confirms the framework database answers queries.
func (m *databaseModule) VerifyIntegrity(ctx context.Context) error {
	db, ok := m.app.Storage.Get(storage.FrameworkDB)
	if !ok {
		return fmt.Errorf("framework database is not open")
	}
	return db.Handle().PingContext(ctx)
}

// openFrameworkDB ensures the framework database is open. Bootstrap
// normally opened it already; Open is idempotent.
func (m *databaseModule) openFrameworkDB(ctx context.Context, a *app.App) error {
	_, err := a.Storage.Open(ctx, storage.FrameworkDB)
	return err
}

// flushDatabases checkpoints every open database's WAL before the kernel
// closes the pools.
func (m *databaseModule) flushDatabases(ctx context.Context, a *app.App) error {
	for _, name := range a.Storage.Names() {
		db, ok := a.Storage.Get(name)
		if !ok {
			continue
		}
		if _, err := db.Handle().ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			a.Logger.Warn("wal checkpoint failed", "database", name, "error", err)
		}
	}
	return nil
}
