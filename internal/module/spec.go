package module

import (
	"github.com/chassisd/chassis/internal/settings"
	"github.com/chassisd/chassis/internal/storage"
)

// AnnotationKind identifies one kind of module annotation. The set is
// closed; the registry rejects anything else.
type AnnotationKind string

const (
	KindProvidesService  AnnotationKind = "provides_service"
	KindAutoCreate       AnnotationKind = "auto_create"
	KindDependsOnModules AnnotationKind = "depends_on_modules"
	KindRequiresServices AnnotationKind = "requires_services"
	KindPhase1           AnnotationKind = "phase1"
	KindPhase2           AnnotationKind = "phase2"
	KindAPIEndpoints     AnnotationKind = "api_endpoints"
	KindShutdownGraceful AnnotationKind = "shutdown_graceful"
	KindShutdownForce    AnnotationKind = "shutdown_force"
	KindHealthCheck      AnnotationKind = "health_check"
	KindIntegrity        AnnotationKind = "integrity"
	KindSettings         AnnotationKind = "settings"
	KindDatabase         AnnotationKind = "database"
)

// Annotation is one declared piece of module metadata.
type Annotation struct {
	Kind    AnnotationKind
	payload any
}

// Spec is the ordered annotation list a module declares itself with.
type Spec struct {
	annotations []Annotation
}

// Option appends one annotation to a Spec.
type Option func(*Spec)

// NewSpec builds a Spec from option functions.
func NewSpec(opts ...Option) Spec {
	var s Spec
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// Annotations returns a copy of the annotation list.
func (s Spec) Annotations() []Annotation {
	out := make([]Annotation, len(s.annotations))
	copy(out, s.annotations)
	return out
}

func (s *Spec) add(kind AnnotationKind, payload any) {
	s.annotations = append(s.annotations, Annotation{Kind: kind, payload: payload})
}

// ServiceDecl is one advertised service.
type ServiceDecl struct {
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// Phase2Op is one Phase-2 operation declaration. DependsOn entries are
// service names or module_id.method references. Lower priority runs
// earlier among ready operations. Optional operations may fail without
// marking the module failed; it becomes degraded instead.
type Phase2Op struct {
	Method    string   `json:"method"`
	DependsOn []string `json:"depends_on,omitempty"`
	Priority  int      `json:"priority"`
	Optional  bool     `json:"optional,omitempty"`
}

// ShutdownHook is a declared shutdown method.
type ShutdownHook struct {
	Method         string `json:"method"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Priority       int    `json:"priority,omitempty"`
}

// HealthCheckDecl is a declared health probe. The interval is advisory;
// the kernel probes at the declared cadence rounded up to its probe loop
// resolution.
type HealthCheckDecl struct {
	Method          string `json:"method"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// IntegrityFlags are the data-integrity declarations. When either flag is
// set the instance must implement IntegrityGuard.
type IntegrityFlags struct {
	StrictMode bool `json:"strict_mode"`
	AntiMock   bool `json:"anti_mock"`
}

// Set reports whether any integrity flag is set.
func (f IntegrityFlags) Set() bool {
	return f.StrictMode || f.AntiMock
}

// SettingsDecl binds an env prefix to a typed schema prototype.
type SettingsDecl struct {
	EnvPrefix string
	Schema    settings.Schema
}

// DatabaseDecl declares a database and its tables, consumed by the
// bootstrap database handler.
type DatabaseDecl struct {
	Name   string
	Tables []storage.Table
}

// ProvidesService advertises a service name with a listing priority.
// Repeatable; names must be unique platform-wide.
func ProvidesService(name string, priority int) Option {
	return func(s *Spec) { s.add(KindProvidesService, ServiceDecl{Name: name, Priority: priority}) }
}

// AutoCreate declares automatic service construction. The built value is
// registered under every advertised service name after instantiation and
// before Phase 1. At most one per module.
func AutoCreate(build BuildFunc) Option {
	return func(s *Spec) { s.add(KindAutoCreate, build) }
}

// DependsOnModules declares module load-order dependencies.
func DependsOnModules(ids ...string) Option {
	return func(s *Spec) { s.add(KindDependsOnModules, ids) }
}

// RequiresServices declares services that must resolve before any Phase-2
// operation of this module runs.
func RequiresServices(names ...string) Option {
	return func(s *Spec) { s.add(KindRequiresServices, names) }
}

// Phase1 appends methods to the ordered Phase-1 sequence.
func Phase1(methods ...string) Option {
	return func(s *Spec) {
		for _, m := range methods {
			s.add(KindPhase1, m)
		}
	}
}

// Phase2 declares one Phase-2 operation.
func Phase2(op Phase2Op) Option {
	return func(s *Spec) { s.add(KindPhase2, op) }
}

// APIEndpoints declares an HTTP surface mounted at prefix. The instance
// must implement RouterProvider.
func APIEndpoints(prefix string) Option {
	return func(s *Spec) { s.add(KindAPIEndpoints, prefix) }
}

// ShutdownGraceful declares the graceful shutdown hook. Priority must be
// within 1..1000; lower runs earlier.
func ShutdownGraceful(method string, timeoutSeconds, priority int) Option {
	return func(s *Spec) {
		s.add(KindShutdownGraceful, ShutdownHook{Method: method, TimeoutSeconds: timeoutSeconds, Priority: priority})
	}
}

// ShutdownForce declares the force shutdown hook.
func ShutdownForce(method string, timeoutSeconds int) Option {
	return func(s *Spec) {
		s.add(KindShutdownForce, ShutdownHook{Method: method, TimeoutSeconds: timeoutSeconds})
	}
}

// HealthCheck declares a health probe method.
func HealthCheck(method string, intervalSeconds int) Option {
	return func(s *Spec) {
		s.add(KindHealthCheck, HealthCheckDecl{Method: method, IntervalSeconds: intervalSeconds})
	}
}

// Integrity sets the data-integrity flags.
func Integrity(strictMode, antiMock bool) Option {
	return func(s *Spec) {
		s.add(KindIntegrity, IntegrityFlags{StrictMode: strictMode, AntiMock: antiMock})
	}
}

// Settings registers a typed settings schema under an env prefix.
func Settings(envPrefix string, schema settings.Schema) Option {
	return func(s *Spec) { s.add(KindSettings, SettingsDecl{EnvPrefix: envPrefix, Schema: schema}) }
}

// Database declares a database and the tables the module needs in it.
func Database(name string, tables ...storage.Table) Option {
	return func(s *Spec) { s.add(KindDatabase, DatabaseDecl{Name: name, Tables: tables}) }
}
