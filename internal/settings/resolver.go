// Package settings implements the typed settings resolver: per-module
// schemas registered during Phase 1, a defaults-plus-environment baseline
// built once during Phase 2, and runtime resolution that layers persisted
// user preferences on top. Priority order, highest wins: user preferences,
// environment, schema defaults.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/metrics"
	"github.com/chassisd/chassis/internal/storage"
)

// Schema is a prototype factory. It must return a pointer to a struct
// carrying mapstructure (and optionally validate) tags; the field values of
// a freshly constructed prototype are the module's defaults.
type Schema func() any

// registration holds one module's schema and env prefix.
type registration struct {
	moduleID  string
	envPrefix string
	schema    Schema
}

// cacheKey identifies one resolved view.
type cacheKey struct {
	moduleID string
	database string
}

// Resolver collects schemas during Phase 1, builds the baseline during
// Phase 2, and resolves merged settings at runtime. Safe for concurrent
// use; the baseline is immutable between builds.
type Resolver struct {
	mu            sync.RWMutex
	storage       *storage.Manager
	logger        *slog.Logger
	registrations map[string]registration
	defaults      map[string]map[string]any
	baseline      map[string]map[string]any
	baselineBuilt bool
	stores        map[string]*PreferenceStore
	cache         map[cacheKey]map[string]any
}

// NewResolver creates a resolver backed by the given storage manager.
func NewResolver(st *storage.Manager, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		storage:       st,
		logger:        logger,
		registrations: make(map[string]registration),
		defaults:      make(map[string]map[string]any),
		baseline:      make(map[string]map[string]any),
		stores:        make(map[string]*PreferenceStore),
		cache:         make(map[cacheKey]map[string]any),
	}
}

// RegisterSchema records a module's typed schema and environment prefix.
// Called by the module processor during Phase 1; no I/O happens here.
func (r *Resolver) RegisterSchema(moduleID, envPrefix string, schema Schema) error {
	if moduleID == "" {
		return fault.New(fault.ParameterInvalid, "module id must not be empty")
	}
	if schema == nil {
		return fault.Newf(fault.ParameterInvalid, "module %q registered a nil schema", moduleID)
	}
	if envPrefix != strings.ToUpper(envPrefix) || !strings.HasSuffix(envPrefix, "_") {
		return fault.Newf(fault.MetadataConflict,
			"module %q env prefix %q must be uppercase with a trailing underscore", moduleID, envPrefix)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registrations[moduleID]; exists {
		return fault.Newf(fault.MetadataConflict, "module %q already registered a settings schema", moduleID)
	}

	defaults, err := encodeDefaults(schema())
	if err != nil {
		return fault.Wrap(fault.MetadataConflict,
			fmt.Sprintf("module %q schema does not encode to a settings map", moduleID), err)
	}

	r.registrations[moduleID] = registration{moduleID: moduleID, envPrefix: envPrefix, schema: schema}
	r.defaults[moduleID] = defaults
	return nil
}

// Modules returns the module IDs with registered schemas, sorted.
func (r *Resolver) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.registrations))
	for id := range r.registrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BuildBaseline parses the environment once and merges it over every
// module's defaults. Called during Phase 2; until then resolution falls
// back to defaults only. Calling it again (after SIGHUP) rebuilds the
// baseline from the current environment.
func (r *Resolver) BuildBaseline() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	environ := environMap()

	for id, reg := range r.registrations {
		env := parseEnvLayer(environ, reg.envPrefix, r.defaults[id], r.logger)
		r.baseline[id] = deepMerge(copyMap(r.defaults[id]), env)
	}
	r.baselineBuilt = true
	r.cache = make(map[cacheKey]map[string]any)

	r.logger.Info("settings baseline built", "modules", len(r.registrations))
	return nil
}

// Baseline returns a copy of a module's baseline (defaults merged with
// environment). The second return is false for unknown modules.
func (r *Resolver) Baseline(moduleID string) (map[string]any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base, ok := r.baselineFor(moduleID)
	if !ok {
		return nil, false
	}
	return copyMap(base), true
}

// baselineFor returns the module's baseline, falling back to defaults when
// the baseline has not been built yet. Caller holds at least a read lock.
func (r *Resolver) baselineFor(moduleID string) (map[string]any, bool) {
	if r.baselineBuilt {
		base, ok := r.baseline[moduleID]
		return base, ok
	}
	base, ok := r.defaults[moduleID]
	return base, ok
}

// store returns (opening if needed) the preference store for a database.
func (r *Resolver) store(ctx context.Context, database string) (*PreferenceStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.stores[database]; ok {
		return s, nil
	}

	db, err := r.storage.Open(ctx, database)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError,
			fmt.Sprintf("failed to open database %q for preferences", database), err)
	}

	s := NewPreferenceStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	r.stores[database] = s
	return s, nil
}

// Resolve returns the merged settings view for a module: baseline layered
// under the user preferences stored in the named database.
func (r *Resolver) Resolve(ctx context.Context, moduleID, database string) (map[string]any, error) {
	r.mu.RLock()
	if cached, ok := r.cache[cacheKey{moduleID, database}]; ok {
		view := copyMap(cached)
		r.mu.RUnlock()
		return view, nil
	}
	base, ok := r.baselineFor(moduleID)
	if !ok {
		r.mu.RUnlock()
		return nil, fault.Newf(fault.NotFound, "module %q has no registered settings schema", moduleID)
	}
	merged := copyMap(base)
	r.mu.RUnlock()

	store, err := r.store(ctx, database)
	if err != nil {
		return nil, err
	}

	prefs, err := store.All(ctx, moduleID)
	if err != nil {
		return nil, err
	}

	for key, value := range prefs {
		setPath(merged, strings.Split(key, "."), value)
	}

	r.mu.Lock()
	r.cache[cacheKey{moduleID, database}] = copyMap(merged)
	r.mu.Unlock()

	metrics.SettingsResolutions.WithLabelValues(moduleID).Inc()
	return merged, nil
}

// ResolveTyped resolves the merged view and decodes it into out, a pointer
// of the module's schema type, then validates it. Violations are
// SETTINGS_VALIDATION_FAILED with a human-readable list in details.
func (r *Resolver) ResolveTyped(ctx context.Context, moduleID, database string, out any) error {
	merged, err := r.Resolve(ctx, moduleID, database)
	if err != nil {
		return err
	}

	if err := decodeInto(merged, out); err != nil {
		return fault.Wrap(fault.SettingsValidationFailed,
			fmt.Sprintf("settings for module %q do not decode into schema", moduleID), err)
	}

	if violations := validateSchema(out); len(violations) > 0 {
		return fault.Newf(fault.SettingsValidationFailed,
			"settings for module %q failed validation", moduleID).
			WithDetail("violations", violations)
	}
	return nil
}

// Set writes one user preference. The key (dotted for nested fields) must
// exist in the module's schema and the value must be compatible with the
// default's type.
func (r *Resolver) Set(ctx context.Context, moduleID, key string, value any, database string) error {
	r.mu.RLock()
	defaults, ok := r.defaults[moduleID]
	r.mu.RUnlock()
	if !ok {
		return fault.Newf(fault.NotFound, "module %q has no registered settings schema", moduleID)
	}

	sample, ok := lookupPath(defaults, strings.Split(key, "."))
	if !ok {
		return fault.Newf(fault.ParameterInvalid, "unknown settings key %q for module %q", key, moduleID).
			WithDetail("key", key)
	}
	coerced, err := coerceValue(value, sample)
	if err != nil {
		return fault.Wrap(fault.ParameterInvalid,
			fmt.Sprintf("value for %s.%s has incompatible type", moduleID, key), err)
	}

	store, err := r.store(ctx, database)
	if err != nil {
		return err
	}
	if err := store.Set(ctx, moduleID, key, coerced); err != nil {
		return err
	}

	r.invalidate(moduleID, database)
	return nil
}

// Clear deletes one user preference; the next resolution falls back to the
// baseline. Clearing an absent key is not an error.
func (r *Resolver) Clear(ctx context.Context, moduleID, key, database string) error {
	store, err := r.store(ctx, database)
	if err != nil {
		return err
	}
	if err := store.Clear(ctx, moduleID, key); err != nil {
		return err
	}

	r.invalidate(moduleID, database)
	return nil
}

// Overrides returns the raw user preferences stored for a module.
func (r *Resolver) Overrides(ctx context.Context, moduleID, database string) (map[string]any, error) {
	store, err := r.store(ctx, database)
	if err != nil {
		return nil, err
	}
	return store.All(ctx, moduleID)
}

// invalidate drops the cached view for one module/database pair.
func (r *Resolver) invalidate(moduleID, database string) {
	r.mu.Lock()
	delete(r.cache, cacheKey{moduleID, database})
	r.mu.Unlock()
}
