package scheduler

import (
	"context"
	"sort"
	"sync"

	"github.com/chassisd/chassis/internal/fault"
)

// HandlerFunc is a schedulable function. It receives the event's
// parameters and returns a JSON-serializable result summary. Handlers must
// respect ctx: cancellation is cooperative.
type HandlerFunc func(ctx context.Context, params map[string]any) (any, error)

// FunctionRegistry maps function names to handlers. Modules register their
// schedulable functions during Phase 1 or 2; events reference functions by
// name only.
type FunctionRegistry struct {
	mu  sync.RWMutex
	fns map[string]HandlerFunc
}

// NewFunctionRegistry creates an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{fns: make(map[string]HandlerFunc)}
}

// Register adds a named function. Re-registering a name is
// METADATA_CONFLICT.
func (r *FunctionRegistry) Register(name string, fn HandlerFunc) error {
	if name == "" || fn == nil {
		return fault.New(fault.ParameterInvalid, "function name and handler must be set")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.fns[name]; exists {
		return fault.Newf(fault.MetadataConflict, "function %q is already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// Get returns the handler registered under name.
func (r *FunctionRegistry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names returns all registered function names, sorted.
func (r *FunctionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.fns))
	for name := range r.fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
