package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/fault"
)

// handleHealthz reports aggregate health: 200 while serving (the body says
// whether degraded), 503 otherwise.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	state := s.kernel.State()
	body := map[string]any{
		"state":  state,
		"probes": s.kernel.HealthResults(),
	}

	if !s.kernel.Healthy() {
		writeOK(w, http.StatusServiceUnavailable, body)
		return
	}
	writeOK(w, http.StatusOK, body)
}

// handleStatus reports the kernel status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"state":          s.kernel.State(),
		"uptime_seconds": int64(s.kernel.Uptime().Seconds()),
		"modules":        s.kernel.ModuleStates(),
		"services":       s.kernel.Container().List(),
		"phase2":         s.kernel.Phase2Result(),
	})
}

// handleModules lists all module load records.
func (s *Server) handleModules(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, s.kernel.ModuleStates())
}

// handleModule returns one module's state and descriptor summary.
func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, ok := s.kernel.ModuleState(id)
	if !ok {
		writeErr(w, fault.Newf(fault.NotFound, "module %q not found", id))
		return
	}
	desc, _ := s.kernel.Registry().Descriptor(id)
	writeOK(w, http.StatusOK, map[string]any{
		"state":      st,
		"descriptor": desc,
	})
}

// handleShutdown requests a graceful stop and returns immediately.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	s.kernel.RequestShutdown()
	writeOK(w, http.StatusAccepted, map[string]any{"stopping": true})
}
