package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/storage"
)

func (s *Server) settingsRoutes(r chi.Router) {
	r.Get("/", s.handleSettingsOverview)
	r.Get("/{module_id}", s.handleResolveSettings)
	r.Put("/{module_id}/{key}", s.handleSetPreference)
	r.Delete("/{module_id}/{key}", s.handleClearPreference)
}

// settingsDB picks the target database from the query, defaulting to the
// framework database.
func settingsDB(r *http.Request) string {
	if db := r.URL.Query().Get("db"); db != "" {
		return db
	}
	return storage.FrameworkDB
}

// handleSettingsOverview lists every registered module with its resolved
// view and override counts.
func (s *Server) handleSettingsOverview(w http.ResponseWriter, r *http.Request) {
	resolver := s.kernel.App().Settings
	db := settingsDB(r)

	modules := make(map[string]any)
	for _, moduleID := range resolver.Modules() {
		resolved, err := resolver.Resolve(r.Context(), moduleID, db)
		if err != nil {
			writeErr(w, err)
			return
		}
		overrides, err := resolver.Overrides(r.Context(), moduleID, db)
		if err != nil {
			writeErr(w, err)
			return
		}

		baselineCount := 0
		if baseline, ok := resolver.Baseline(moduleID); ok {
			baselineCount = len(baseline)
		}
		modules[moduleID] = map[string]any{
			"settings":             resolved,
			"baseline_count":       baselineCount,
			"user_overrides_count": len(overrides),
		}
	}
	writeOK(w, http.StatusOK, map[string]any{"modules": modules})
}

// handleResolveSettings returns one module's fully resolved view.
func (s *Server) handleResolveSettings(w http.ResponseWriter, r *http.Request) {
	resolved, err := s.kernel.App().Settings.Resolve(
		r.Context(), chi.URLParam(r, "module_id"), settingsDB(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, resolved)
}

// handleSetPreference upserts one user preference.
func (s *Server) handleSetPreference(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value any `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	moduleID := chi.URLParam(r, "module_id")
	key := chi.URLParam(r, "key")
	if err := s.kernel.App().Settings.Set(r.Context(), moduleID, key, body.Value, settingsDB(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"module_id": moduleID, "key": key})
}

// handleClearPreference removes one user preference; clearing an absent
// key succeeds.
func (s *Server) handleClearPreference(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "module_id")
	key := chi.URLParam(r, "key")
	if err := s.kernel.App().Settings.Clear(r.Context(), moduleID, key, settingsDB(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"module_id": moduleID, "key": key})
}
