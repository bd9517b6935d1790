// Package module defines the metadata registry: the closed annotation
// enumeration a module declares itself with, the compiled descriptor the
// kernel keeps per module, and the registry that validates declarations
// before any module is instantiated.
package module

import (
	"context"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
)

// Method is a named module operation: a Phase-1 step, a Phase-2 operation,
// a shutdown hook, or a health probe.
type Method func(ctx context.Context, a *app.App) error

// Instance is a constructed module. Methods returns the module's named
// operations; the kernel resolves Phase-1/Phase-2 method names, shutdown
// hooks, and health checks against it.
type Instance interface {
	Methods() map[string]Method
}

// BuildFunc constructs a service value for an auto_create annotation.
// It runs after module instantiation and before Phase 1, and must not look
// up other services.
type BuildFunc func(ctx context.Context, a *app.App, instance Instance) (any, error)

// RouterProvider must be implemented by instances of modules declaring
// api_endpoints; the router is mounted under the declared prefix after
// Phase 2.
type RouterProvider interface {
	Router() chi.Router
}

// IntegrityGuard must be implemented by instances of modules that set
// integrity flags. VerifyIntegrity runs during load; an error aborts the
// module.
type IntegrityGuard interface {
	VerifyIntegrity(ctx context.Context) error
}

// New is a module constructor. It must only assign local state; service
// lookups and I/O belong in Phase 2.
type New func(a *app.App) (Instance, error)

// Definition binds a module ID to its metadata spec and constructor.
type Definition struct {
	ID   string
	Spec Spec
	New  New
}
