package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/housekeeper"
	"github.com/chassisd/chassis/internal/scheduler"
)

// schedulerService and housekeeperService are the container names the
// scheduler and cleanup endpoints resolve per request; resolution fails
// with REQUIRED_SERVICE_MISSING (503) until the owning module is ready.
const (
	schedulerService   = "core.scheduler.service"
	housekeeperService = "core.housekeeper.service"
)

func (s *Server) schedulerRoutes(r chi.Router) {
	r.Get("/events", s.handleListEvents)
	r.Post("/events", s.handleCreateEvent)
	r.Get("/events/{id}", s.handleGetEvent)
	r.Patch("/events/{id}", s.handleUpdateEvent)
	r.Post("/events/{id}/pause", s.eventVerb(func(sch *scheduler.Scheduler, r *http.Request, id string) (any, error) {
		return nil, sch.Pause(r.Context(), id)
	}))
	r.Post("/events/{id}/resume", s.eventVerb(func(sch *scheduler.Scheduler, r *http.Request, id string) (any, error) {
		return nil, sch.Resume(r.Context(), id)
	}))
	r.Post("/events/{id}/cancel", s.eventVerb(func(sch *scheduler.Scheduler, r *http.Request, id string) (any, error) {
		return nil, sch.Cancel(r.Context(), id)
	}))
	r.Post("/events/{id}/run-now", s.eventVerb(func(sch *scheduler.Scheduler, r *http.Request, id string) (any, error) {
		return sch.RunNow(r.Context(), id)
	}))
	r.Get("/events/{id}/executions", s.handleExecutions)
	r.Get("/functions", s.handleFunctions)

	r.Get("/cleanup", s.handleListRegistrations)
	r.Post("/cleanup/register", s.handleRegisterCleanup)
	r.Post("/cleanup/run", s.handleRunCleanup)
}

func (s *Server) scheduler(w http.ResponseWriter) (*scheduler.Scheduler, bool) {
	sch, err := container.As[*scheduler.Scheduler](s.kernel.Container(), schedulerService)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return sch, true
}

func (s *Server) housekeeper(w http.ResponseWriter) (*housekeeper.Runner, bool) {
	runner, err := container.As[*housekeeper.Runner](s.kernel.Container(), housekeeperService)
	if err != nil {
		writeErr(w, err)
		return nil, false
	}
	return runner, true
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := scheduler.Filter{
		Status:       scheduler.Status(q.Get("status")),
		ModuleID:     q.Get("module_id"),
		FunctionName: q.Get("function_name"),
	}
	if v := q.Get("recurring"); v != "" {
		recurring := v == "true" || v == "1"
		filter.Recurring = &recurring
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}

	events, err := sch.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, events)
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}

	var draft scheduler.Draft
	if err := decodeBody(r, &draft); err != nil {
		writeErr(w, err)
		return
	}

	event, err := sch.Create(r.Context(), draft)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, event)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}

	event, err := sch.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, event)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}

	var patch scheduler.Patch
	if err := decodeBody(r, &patch); err != nil {
		writeErr(w, err)
		return
	}

	event, err := sch.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, event)
}

// eventVerb adapts a scheduler state verb into a handler.
func (s *Server) eventVerb(verb func(sch *scheduler.Scheduler, r *http.Request, id string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sch, ok := s.scheduler(w)
		if !ok {
			return
		}
		id := chi.URLParam(r, "id")
		data, err := verb(sch, r, id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if data == nil {
			data = map[string]any{"id": id}
		}
		writeOK(w, http.StatusOK, data)
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	execs, err := sch.Executions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, execs)
}

func (s *Server) handleFunctions(w http.ResponseWriter, r *http.Request) {
	sch, ok := s.scheduler(w)
	if !ok {
		return
	}
	writeOK(w, http.StatusOK, sch.Functions().Names())
}

func (s *Server) handleListRegistrations(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.housekeeper(w)
	if !ok {
		return
	}

	regs, err := runner.Store().List(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, regs)
}

func (s *Server) handleRegisterCleanup(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.housekeeper(w)
	if !ok {
		return
	}

	var reg housekeeper.Registration
	if err := decodeBody(r, &reg); err != nil {
		writeErr(w, err)
		return
	}
	reg.Enabled = true

	created, err := runner.Store().Register(r.Context(), reg)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusCreated, created)
}

func (s *Server) handleRunCleanup(w http.ResponseWriter, r *http.Request) {
	runner, ok := s.housekeeper(w)
	if !ok {
		return
	}

	q := r.URL.Query()
	dryRun := q.Get("dry_run") == "true" || q.Get("dry_run") == "1"

	report, err := runner.Run(r.Context(), dryRun, q.Get("registration_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, http.StatusOK, report)
}
