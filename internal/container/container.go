// Package container implements the kernel's service container: a table of
// named service instances registered during module load and looked up by
// string name at runtime, plus the ordered shutdown handler lists the
// shutdown coordinator drains.
package container

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/metrics"
)

// Record describes one registered service.
type Record struct {
	// Name is the globally unique service name.
	Name string `json:"name"`

	// Priority orders services in listings; lower is earlier.
	Priority int `json:"priority"`

	// Owner is the module ID that registered the service.
	Owner string `json:"owner"`

	// CreatedAt is when the service was registered.
	CreatedAt time.Time `json:"created_at"`
}

// entry holds a service instance and its record.
type entry struct {
	record   Record
	instance any
}

// ShutdownKind distinguishes graceful from force shutdown handlers.
type ShutdownKind string

const (
	// ShutdownGraceful handlers run first, each bounded by its timeout.
	ShutdownGraceful ShutdownKind = "graceful"

	// ShutdownForce handlers run after the graceful phase for resources
	// still held.
	ShutdownForce ShutdownKind = "force"
)

// ShutdownHandler is a registered shutdown hook.
type ShutdownHandler struct {
	// Name identifies the handler in logs and the shutdown summary.
	Name string

	// Priority orders handlers within a kind; lower runs earlier,
	// valid range 1..1000.
	Priority int

	// Timeout bounds the handler's execution.
	Timeout time.Duration

	// Func is the handler body.
	Func func(ctx context.Context) error

	// seq preserves registration order for equal priorities.
	seq int
}

// Container holds named service instances for the process lifetime.
// Registration happens during Phase 1 and 2; after readiness the table is
// read-mostly. Safe for concurrent use.
type Container struct {
	mu       sync.RWMutex
	services map[string]entry
	handlers map[ShutdownKind][]ShutdownHandler
	seq      int
}

// New creates an empty container.
func New() *Container {
	return &Container{
		services: make(map[string]entry),
		handlers: make(map[ShutdownKind][]ShutdownHandler),
	}
}

// Register adds a service instance under the given name. Names are
// globally unique; re-registration is DUPLICATE_SERVICE.
func (c *Container) Register(name string, instance any, priority int, owner string) error {
	if name == "" {
		return fault.New(fault.ParameterInvalid, "service name must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.services[name]; exists {
		return fault.Newf(fault.DuplicateService, "service %q is already registered", name).
			WithDetail("service", name)
	}

	c.services[name] = entry{
		record: Record{
			Name:      name,
			Priority:  priority,
			Owner:     owner,
			CreatedAt: time.Now().UTC(),
		},
		instance: instance,
	}
	metrics.ServicesRegistered.Set(float64(len(c.services)))

	return nil
}

// Get returns the service instance registered under name.
// The second return is false when no such service exists; Get never fails
// in any other way.
func (c *Container) Get(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.services[name]
	if !ok {
		return nil, false
	}
	return e.instance, true
}

// Has reports whether a service is registered under name.
func (c *Container) Has(name string) bool {
	_, ok := c.Get(name)
	return ok
}

// Len returns the number of registered services.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.services)
}

// Names returns all registered service names, sorted.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.services))
	for name := range c.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the records of all registered services, sorted by priority
// then name.
func (c *Container) List() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	records := make([]Record, 0, len(c.services))
	for _, e := range c.services {
		records = append(records, e.record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Name < records[j].Name
	})
	return records
}

// As fetches the service registered under name and asserts it to T.
// A missing or mistyped service is REQUIRED_SERVICE_MISSING.
func As[T any](c *Container, name string) (T, error) {
	var zero T

	instance, ok := c.Get(name)
	if !ok {
		return zero, fault.Newf(fault.RequiredServiceMissing, "service %q is not registered", name).
			WithDetail("service", name)
	}

	typed, ok := instance.(T)
	if !ok {
		return zero, fault.Newf(fault.RequiredServiceMissing, "service %q has unexpected type %T", name, instance).
			WithDetail("service", name)
	}
	return typed, nil
}

// RegisterShutdown appends a shutdown handler to the list for its kind.
// Priority must be within 1..1000; lower runs earlier.
func (c *Container) RegisterShutdown(kind ShutdownKind, handler ShutdownHandler) error {
	if handler.Func == nil {
		return fault.New(fault.ParameterInvalid, "shutdown handler func must not be nil")
	}
	if handler.Priority < 1 || handler.Priority > 1000 {
		return fault.Newf(fault.ParameterInvalid, "shutdown handler priority %d outside 1..1000", handler.Priority).
			WithDetail("handler", handler.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	handler.seq = c.seq
	c.handlers[kind] = append(c.handlers[kind], handler)
	return nil
}

// ShutdownHandlers returns a copy of the handlers for the given kind,
// sorted by ascending priority with registration order breaking ties.
func (c *Container) ShutdownHandlers(kind ShutdownKind) []ShutdownHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()

	handlers := make([]ShutdownHandler, len(c.handlers[kind]))
	copy(handlers, c.handlers[kind])
	sort.SliceStable(handlers, func(i, j int) bool {
		if handlers[i].Priority != handlers[j].Priority {
			return handlers[i].Priority < handlers[j].Priority
		}
		return handlers[i].seq < handlers[j].seq
	})
	return handlers
}
