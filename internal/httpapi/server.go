package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/kernel"
	"github.com/chassisd/chassis/internal/metrics"
)

// reservedPrefixes are route roots the kernel owns; a module api prefix
// colliding with one is rejected at server build time.
var reservedPrefixes = []string{
	"/healthz", "/status", "/metrics", "/modules", "/shutdown",
	"/scheduler", "/settings",
}

// Server is the kernel HTTP server.
type Server struct {
	kernel *kernel.Kernel
	logger *slog.Logger
	srv    *http.Server
}

// New builds the server and its route table. Module-declared routers are
// mounted under their declared prefixes; a prefix colliding with a kernel
// route is METADATA_CONFLICT.
func New(k *kernel.Kernel, bind string, port int, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{kernel: k, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/modules", s.handleModules)
	r.Get("/modules/{id}", s.handleModule)
	r.Post("/shutdown", s.handleShutdown)

	r.Route("/scheduler", s.schedulerRoutes)
	r.Route("/settings", s.settingsRoutes)

	for prefix, router := range k.Routers() {
		for _, reserved := range reservedPrefixes {
			if prefix == reserved || strings.HasPrefix(prefix, reserved+"/") {
				return nil, fault.Newf(fault.MetadataConflict,
					"module api prefix %q collides with kernel route %q", prefix, reserved)
			}
		}
		r.Mount(prefix, s.wrapModuleRouter(prefix, router))
	}

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", bind, port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.srv.Addr
}

// Handler returns the route table, used directly in tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown. A closed-server return is not an error.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed; %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// observe records the request metric by route pattern and status class.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", ww.Status()/100)).Inc()
	})
}

// wrapModuleRouter adds the standard /status and /info routes every module
// surface carries, then delegates to the module's own router.
func (s *Server) wrapModuleRouter(prefix string, router chi.Router) chi.Router {
	id := s.moduleForPrefix(prefix)

	wrapped := chi.NewRouter()
	wrapped.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		st, ok := s.kernel.ModuleState(id)
		if !ok {
			writeErr(w, fault.Newf(fault.NotFound, "module %q not found", id))
			return
		}
		writeOK(w, http.StatusOK, st)
	})
	wrapped.Get("/info", func(w http.ResponseWriter, r *http.Request) {
		desc, ok := s.kernel.Registry().Descriptor(id)
		if !ok {
			writeErr(w, fault.Newf(fault.NotFound, "module %q not found", id))
			return
		}
		writeOK(w, http.StatusOK, desc)
	})
	wrapped.Mount("/", router)
	return wrapped
}

// moduleForPrefix finds the module that declared a mount prefix.
func (s *Server) moduleForPrefix(prefix string) string {
	for _, desc := range s.kernel.Registry().All() {
		if desc.APIPrefix == prefix {
			return desc.ID
		}
	}
	return ""
}
