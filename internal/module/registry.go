package module

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chassisd/chassis/internal/fault"
)

// Descriptor is the compiled, validated metadata record the registry keeps
// per module.
type Descriptor struct {
	ID               string            `json:"id"`
	Dependencies     []string          `json:"dependencies,omitempty"`
	Services         []ServiceDecl     `json:"services,omitempty"`
	RequiredServices []string          `json:"required_services,omitempty"`
	Phase1           []string          `json:"phase1,omitempty"`
	Phase2           []Phase2Op        `json:"phase2,omitempty"`
	APIPrefix        string            `json:"api_prefix,omitempty"`
	Graceful         *ShutdownHook     `json:"shutdown_graceful,omitempty"`
	Force            *ShutdownHook     `json:"shutdown_force,omitempty"`
	HealthChecks     []HealthCheckDecl `json:"health_checks,omitempty"`
	Integrity        IntegrityFlags    `json:"integrity"`

	// AutoCreate, Settings, and Databases carry function values and DDL;
	// they are omitted from JSON views.
	AutoCreate BuildFunc      `json:"-"`
	Settings   *SettingsDecl  `json:"-"`
	Databases  []DatabaseDecl `json:"-"`
}

// HasPhase2Method reports whether the descriptor declares the named
// Phase-2 operation.
func (d *Descriptor) HasPhase2Method(method string) bool {
	for _, op := range d.Phase2 {
		if op.Method == method {
			return true
		}
	}
	return false
}

// Registry holds module definitions and their compiled descriptors.
// Add validates each module's own metadata; ValidateGraph checks the
// cross-module references once all modules are registered.
type Registry struct {
	mu           sync.RWMutex
	definitions  map[string]Definition
	descriptors  map[string]*Descriptor
	serviceOwner map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions:  make(map[string]Definition),
		descriptors:  make(map[string]*Descriptor),
		serviceOwner: make(map[string]string),
	}
}

// Add compiles and validates a definition's metadata and records it.
// Duplicate module IDs are METADATA_CONFLICT; a service name advertised by
// two modules is DUPLICATE_SERVICE.
func (r *Registry) Add(def Definition) error {
	if def.ID == "" {
		return fault.New(fault.MetadataConflict, "module id must not be empty")
	}
	if def.New == nil {
		return fault.Newf(fault.MetadataConflict, "module %q has no constructor", def.ID)
	}

	desc, err := compile(def.ID, def.Spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.definitions[def.ID]; exists {
		return fault.Newf(fault.MetadataConflict, "module %q is already registered", def.ID)
	}
	for _, svc := range desc.Services {
		if owner, taken := r.serviceOwner[svc.Name]; taken {
			return fault.Newf(fault.DuplicateService,
				"service %q advertised by both %q and %q", svc.Name, owner, def.ID).
				WithDetail("service", svc.Name)
		}
	}

	for _, svc := range desc.Services {
		r.serviceOwner[svc.Name] = def.ID
	}
	r.definitions[def.ID] = def
	r.descriptors[def.ID] = desc
	return nil
}

// compile turns a Spec into a validated Descriptor.
func compile(id string, spec Spec) (*Descriptor, error) {
	desc := &Descriptor{ID: id}
	phase1Seen := make(map[string]bool)
	phase2Seen := make(map[string]bool)

	for _, ann := range spec.annotations {
		switch ann.Kind {
		case KindProvidesService:
			decl := ann.payload.(ServiceDecl)
			if decl.Name == "" {
				return nil, fault.Newf(fault.MetadataConflict, "module %q advertises an unnamed service", id)
			}
			for _, existing := range desc.Services {
				if existing.Name == decl.Name {
					return nil, fault.Newf(fault.MetadataConflict,
						"module %q advertises service %q twice", id, decl.Name)
				}
			}
			desc.Services = append(desc.Services, decl)

		case KindAutoCreate:
			if desc.AutoCreate != nil {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares auto_create more than once", id)
			}
			build, ok := ann.payload.(BuildFunc)
			if !ok || build == nil {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q auto_create has no build function", id)
			}
			desc.AutoCreate = build

		case KindDependsOnModules:
			desc.Dependencies = append(desc.Dependencies, ann.payload.([]string)...)

		case KindRequiresServices:
			desc.RequiredServices = append(desc.RequiredServices, ann.payload.([]string)...)

		case KindPhase1:
			method := ann.payload.(string)
			if method == "" {
				return nil, fault.Newf(fault.MetadataConflict, "module %q declares an empty phase1 method", id)
			}
			if phase1Seen[method] {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares phase1 method %q twice", id, method)
			}
			phase1Seen[method] = true
			desc.Phase1 = append(desc.Phase1, method)

		case KindPhase2:
			op := ann.payload.(Phase2Op)
			if op.Method == "" {
				return nil, fault.Newf(fault.MetadataConflict, "module %q declares an empty phase2 method", id)
			}
			if phase2Seen[op.Method] {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares phase2 method %q twice", id, op.Method)
			}
			phase2Seen[op.Method] = true
			desc.Phase2 = append(desc.Phase2, op)

		case KindAPIEndpoints:
			prefix := ann.payload.(string)
			if desc.APIPrefix != "" {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares api_endpoints more than once", id)
			}
			if !strings.HasPrefix(prefix, "/") || prefix == "/" {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q api prefix %q must start with / and not be root", id, prefix)
			}
			desc.APIPrefix = prefix

		case KindShutdownGraceful:
			hook := ann.payload.(ShutdownHook)
			if desc.Graceful != nil {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares shutdown_graceful more than once", id)
			}
			if hook.Priority < 1 || hook.Priority > 1000 {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q shutdown priority %d outside 1..1000", id, hook.Priority)
			}
			desc.Graceful = &hook

		case KindShutdownForce:
			hook := ann.payload.(ShutdownHook)
			if desc.Force != nil {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares shutdown_force more than once", id)
			}
			desc.Force = &hook

		case KindHealthCheck:
			desc.HealthChecks = append(desc.HealthChecks, ann.payload.(HealthCheckDecl))

		case KindIntegrity:
			desc.Integrity = ann.payload.(IntegrityFlags)

		case KindSettings:
			decl := ann.payload.(SettingsDecl)
			if desc.Settings != nil {
				return nil, fault.Newf(fault.MetadataConflict,
					"module %q declares settings more than once", id)
			}
			desc.Settings = &decl

		case KindDatabase:
			desc.Databases = append(desc.Databases, ann.payload.(DatabaseDecl))

		default:
			return nil, fault.Newf(fault.MetadataConflict,
				"module %q carries unknown annotation kind %q", id, ann.Kind)
		}
	}

	if desc.AutoCreate != nil && len(desc.Services) == 0 {
		return nil, fault.Newf(fault.MetadataConflict,
			"module %q declares auto_create but advertises no services", id)
	}

	return desc, nil
}

// Descriptor returns the compiled descriptor for a module.
func (r *Registry) Descriptor(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.descriptors[id]
	return desc, ok
}

// Definition returns the registered definition for a module.
func (r *Registry) Definition(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[id]
	return def, ok
}

// All returns every descriptor, sorted by module ID.
func (r *Registry) All() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Descriptor, 0, len(r.descriptors))
	for _, desc := range r.descriptors {
		all = append(all, desc)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// ServiceOwner returns the module advertising a service name.
func (r *Registry) ServiceOwner(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.serviceOwner[name]
	return owner, ok
}

// ValidateGraph checks cross-module references once all modules are
// registered: module dependencies must exist, required services must be
// advertised by some module, and phase2 depends_on entries must name an
// advertised service or a known module_id.method.
func (r *Registry) ValidateGraph() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, desc := range r.descriptors {
		for _, dep := range desc.Dependencies {
			if _, ok := r.descriptors[dep]; !ok {
				return fault.Newf(fault.UnknownDependency,
					"module %q depends on unregistered module %q", desc.ID, dep)
			}
		}
		for _, svc := range desc.RequiredServices {
			if _, ok := r.serviceOwner[svc]; !ok {
				return fault.Newf(fault.UnknownDependency,
					"module %q requires service %q that no module advertises", desc.ID, svc)
			}
		}
		for _, op := range desc.Phase2 {
			for _, ref := range op.DependsOn {
				if err := r.validateRef(desc.ID, op.Method, ref); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// validateRef checks one phase2 depends_on entry. Service names win over
// module.method readings when both could apply. Caller holds the lock.
func (r *Registry) validateRef(moduleID, method, ref string) error {
	if _, ok := r.serviceOwner[ref]; ok {
		return nil
	}

	idx := strings.LastIndex(ref, ".")
	if idx > 0 {
		targetModule, targetMethod := ref[:idx], ref[idx+1:]
		if desc, ok := r.descriptors[targetModule]; ok && desc.HasPhase2Method(targetMethod) {
			return nil
		}
	}

	return fault.Newf(fault.UnknownDependency,
		"phase2 operation %s.%s depends on %q which is neither an advertised service nor a known module method",
		moduleID, method, ref)
}

// LoadOrder returns module IDs topologically sorted by declared module
// dependencies, providers first, ties broken by module ID. A dependency
// cycle is METADATA_CONFLICT.
func (r *Registry) LoadOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.descriptors))
	for id := range r.descriptors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	indegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		indegree[id] += 0
		for _, dep := range r.descriptors[id].Dependencies {
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(ids))
	for len(ready) > 0 {
		sort.Strings(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(ids) {
		var stuck []string
		for _, id := range ids {
			if indegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		return nil, fault.Newf(fault.MetadataConflict,
			"module dependency cycle involving %s", fmt.Sprintf("%v", stuck))
	}

	return order, nil
}
