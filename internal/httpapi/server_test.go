package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/config"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/kernel"
	"github.com/chassisd/chassis/internal/module"
)

type testInstance struct {
	methods map[string]module.Method
	router  chi.Router
}

func (i *testInstance) Methods() map[string]module.Method { return i.methods }
func (i *testInstance) Router() chi.Router                { return i.router }

func testDef(id string, opts ...module.Option) module.Definition {
	return module.Definition{
		ID:   id,
		Spec: module.NewSpec(opts...),
		New: func(a *app.App) (module.Instance, error) {
			r := chi.NewRouter()
			r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
				writeOK(w, http.StatusOK, map[string]any{"pong": true})
			})
			return &testInstance{router: r}, nil
		},
	}
}

// newRunningKernel boots a kernel and tears it down with the test.
func newRunningKernel(t *testing.T, defs ...module.Definition) *kernel.Kernel {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Shutdown.DeadlineSeconds = 5
	cfg.Shutdown.HandlerTimeoutSeconds = 1

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	k, err := kernel.New(&cfg, kernel.WithLogger(logger), kernel.WithModules(defs...))
	if err != nil {
		t.Fatalf("kernel.New() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for !k.Healthy() {
		if time.Now().After(deadline) {
			k.RequestShutdown()
			t.Fatalf("kernel never became healthy, state %s", k.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Cleanup(func() {
		k.RequestShutdown()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("kernel did not stop")
		}
	})
	return k
}

func newTestServer(t *testing.T, k *kernel.Kernel) *Server {
	t.Helper()
	s, err := New(k, "127.0.0.1", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

// do issues one request against the route table and decodes the envelope.
func do(t *testing.T, h http.Handler, method, path string, body string) (int, Result) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var result Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("%s %s: invalid envelope: %v", method, path, err)
	}
	return rec.Code, result
}

func TestHealthzTracksKernelState(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.BaseDir = t.TempDir()
	k, err := kernel.New(&cfg, kernel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, k)

	// Not serving yet.
	code, result := do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if code != http.StatusServiceUnavailable || result.Status != "ok" {
		t.Errorf("before start: code = %d, status = %s", code, result.Status)
	}

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for !k.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("kernel never became healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	code, _ = do(t, s.Handler(), http.MethodGet, "/healthz", "")
	if code != http.StatusOK {
		t.Errorf("while running: code = %d, want 200", code)
	}

	k.RequestShutdown()
	<-done
}

func TestStatusEnvelope(t *testing.T) {
	k := newRunningKernel(t)
	s := newTestServer(t, k)

	code, result := do(t, s.Handler(), http.MethodGet, "/status", "")
	if code != http.StatusOK || result.Status != "ok" {
		t.Fatalf("code = %d, status = %s", code, result.Status)
	}
	data, ok := result.Data.(map[string]any)
	if !ok {
		t.Fatalf("Data = %T, want object", result.Data)
	}
	if data["state"] != "running" {
		t.Errorf("state = %v, want running", data["state"])
	}
	if _, ok := data["modules"]; !ok {
		t.Error("modules missing from status")
	}
}

func TestModuleRoutes(t *testing.T) {
	k := newRunningKernel(t, testDef("app.notes", module.APIEndpoints("/api/notes")))
	s := newTestServer(t, k)

	code, result := do(t, s.Handler(), http.MethodGet, "/modules/app.notes", "")
	if code != http.StatusOK || result.Status != "ok" {
		t.Errorf("get module: code = %d, status = %s", code, result.Status)
	}

	code, result = do(t, s.Handler(), http.MethodGet, "/modules/app.missing", "")
	if code != http.StatusNotFound || result.Status != "error" {
		t.Fatalf("missing module: code = %d, status = %s", code, result.Status)
	}
	if result.Error == nil || result.Error.Code != string(fault.NotFound) {
		t.Errorf("error = %+v, want NOT_FOUND", result.Error)
	}
}

func TestModuleRouterMounted(t *testing.T) {
	k := newRunningKernel(t, testDef("app.notes", module.APIEndpoints("/api/notes")))
	s := newTestServer(t, k)

	// The module's own route.
	code, result := do(t, s.Handler(), http.MethodGet, "/api/notes/ping", "")
	if code != http.StatusOK || result.Status != "ok" {
		t.Errorf("ping: code = %d, status = %s", code, result.Status)
	}

	// The standard surface every module mount carries.
	code, _ = do(t, s.Handler(), http.MethodGet, "/api/notes/status", "")
	if code != http.StatusOK {
		t.Errorf("module status: code = %d, want 200", code)
	}
	code, _ = do(t, s.Handler(), http.MethodGet, "/api/notes/info", "")
	if code != http.StatusOK {
		t.Errorf("module info: code = %d, want 200", code)
	}
}

func TestReservedPrefixCollisionRejected(t *testing.T) {
	k := newRunningKernel(t, testDef("app.rogue", module.APIEndpoints("/scheduler")))

	_, err := New(k, "127.0.0.1", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !fault.HasCode(err, fault.MetadataConflict) {
		t.Errorf("New() = %v, want METADATA_CONFLICT", err)
	}
}

func TestSchedulerEndpointsWithoutService(t *testing.T) {
	k := newRunningKernel(t)
	s := newTestServer(t, k)

	code, result := do(t, s.Handler(), http.MethodGet, "/scheduler/events", "")
	if code != http.StatusServiceUnavailable || result.Status != "error" {
		t.Fatalf("code = %d, status = %s", code, result.Status)
	}
	if result.Error.Code != string(fault.RequiredServiceMissing) {
		t.Errorf("error code = %s, want REQUIRED_SERVICE_MISSING", result.Error.Code)
	}
}

func TestCreateEventRejectsBadJSON(t *testing.T) {
	k := newRunningKernel(t)
	s := newTestServer(t, k)

	// Service resolution comes first; without it the body is never read.
	code, result := do(t, s.Handler(), http.MethodPost, "/scheduler/events", "{not json")
	if code != http.StatusServiceUnavailable || result.Status != "error" {
		t.Errorf("code = %d, status = %s", code, result.Status)
	}
}

func TestSettingsPreferenceLifecycle(t *testing.T) {
	type knobs struct {
		TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"min=1"`
	}
	k := newRunningKernel(t, testDef("app.notes",
		module.Settings("APP_NOTES_", func() any { return &knobs{TimeoutSeconds: 30} }),
	))
	s := newTestServer(t, k)

	code, result := do(t, s.Handler(), http.MethodGet, "/settings/app.notes", "")
	if code != http.StatusOK {
		t.Fatalf("resolve: code = %d", code)
	}
	data := result.Data.(map[string]any)
	if data["timeout_seconds"] != float64(30) {
		t.Errorf("timeout_seconds = %v, want 30", data["timeout_seconds"])
	}

	code, _ = do(t, s.Handler(), http.MethodPut, "/settings/app.notes/timeout_seconds", `{"value": 45}`)
	if code != http.StatusOK {
		t.Fatalf("set: code = %d", code)
	}
	_, result = do(t, s.Handler(), http.MethodGet, "/settings/app.notes", "")
	data = result.Data.(map[string]any)
	if data["timeout_seconds"] != float64(45) {
		t.Errorf("timeout_seconds = %v, want 45 after override", data["timeout_seconds"])
	}

	code, _ = do(t, s.Handler(), http.MethodDelete, "/settings/app.notes/timeout_seconds", "")
	if code != http.StatusOK {
		t.Fatalf("clear: code = %d", code)
	}
	_, result = do(t, s.Handler(), http.MethodGet, "/settings/app.notes", "")
	data = result.Data.(map[string]any)
	if data["timeout_seconds"] != float64(30) {
		t.Errorf("timeout_seconds = %v, want 30 after clear", data["timeout_seconds"])
	}
}

func TestSettingsUnknownModule(t *testing.T) {
	k := newRunningKernel(t)
	s := newTestServer(t, k)

	code, result := do(t, s.Handler(), http.MethodGet, "/settings/app.ghost", "")
	if code != http.StatusNotFound || result.Error == nil {
		t.Errorf("code = %d, result = %+v", code, result)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.BaseDir = t.TempDir()
	k, err := kernel.New(&cfg, kernel.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, k)

	done := make(chan error, 1)
	go func() { done <- k.Run(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for !k.Healthy() {
		if time.Now().After(deadline) {
			t.Fatal("kernel never became healthy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	code, result := do(t, s.Handler(), http.MethodPost, "/shutdown", "")
	if code != http.StatusAccepted || result.Status != "ok" {
		t.Errorf("code = %d, status = %s", code, result.Status)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("kernel did not stop after POST /shutdown")
	}
}
