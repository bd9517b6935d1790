package kernel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/fault"
)

func newTestCoordinator(c *container.Container, dbClosed *bool) *coordinator {
	return &coordinator{
		c:      c,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		closeDatabases: func() error {
			if dbClosed != nil {
				*dbClosed = true
			}
			return nil
		},
		deadline:       5 * time.Second,
		handlerTimeout: 100 * time.Millisecond,
	}
}

func TestShutdownRunsGracefulHandlersInOrder(t *testing.T) {
	c := container.New()
	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	for _, h := range []struct {
		name     string
		priority int
	}{
		{"core.database.close", 900},
		{"kernel.http_server", 5},
		{"core.scheduler.stop", 100},
	} {
		err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
			Name: h.name, Priority: h.priority, Func: record(h.name),
		})
		if err != nil {
			t.Fatalf("RegisterShutdown() error = %v", err)
		}
	}

	dbClosed := false
	summary, err := newTestCoordinator(c, &dbClosed).Shutdown()
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if summary.HandlersRun != 3 || summary.Timeouts != 0 || summary.Errors != 0 {
		t.Errorf("summary = %+v", summary)
	}

	want := []string{"kernel.http_server", "core.scheduler.stop", "core.database.close"}
	if len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("order = %v, want %v", order, want)
	}
	if !dbClosed {
		t.Error("databases not closed")
	}
}

func TestShutdownForceRunsOnlyForTimedOutOwners(t *testing.T) {
	c := container.New()
	var mu sync.Mutex
	forced := make(map[string]bool)
	force := func(name string) func(context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			forced[name] = true
			mu.Unlock()
			return nil
		}
	}

	// app.worker ignores the graceful request until its timeout expires;
	// app.clean stops promptly.
	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.worker.stop", Priority: 10, Timeout: 30 * time.Millisecond,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.clean.stop", Priority: 20,
		Func: func(ctx context.Context) error { return nil },
	}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"app.worker.kill", "app.clean.kill"} {
		if err := c.RegisterShutdown(container.ShutdownForce, container.ShutdownHandler{
			Name: name, Priority: 500, Func: force(name),
		}); err != nil {
			t.Fatal(err)
		}
	}

	summary, err := newTestCoordinator(c, nil).Shutdown()
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if summary.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", summary.Timeouts)
	}
	if !forced["app.worker.kill"] {
		t.Error("force handler for timed-out owner did not run")
	}
	if forced["app.clean.kill"] {
		t.Error("force handler ran for an owner whose graceful handler succeeded")
	}
}

func TestShutdownHandlerFailureDoesNotStopOthers(t *testing.T) {
	c := container.New()
	var ran bool

	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.flaky.stop", Priority: 10,
		Func: func(ctx context.Context) error { return errors.New("socket already closed") },
	}); err != nil {
		t.Fatal(err)
	}
	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.steady.stop", Priority: 20,
		Func: func(ctx context.Context) error { ran = true; return nil },
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := newTestCoordinator(c, nil).Shutdown()
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if summary.Errors != 1 || summary.HandlersRun != 2 {
		t.Errorf("summary = %+v", summary)
	}
	if !ran {
		t.Error("later handler did not run after an earlier failure")
	}
}

func TestShutdownRecoversHandlerPanic(t *testing.T) {
	c := container.New()
	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.fragile.stop", Priority: 10,
		Func: func(ctx context.Context) error { panic("nil listener") },
	}); err != nil {
		t.Fatal(err)
	}

	summary, err := newTestCoordinator(c, nil).Shutdown()
	if err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if summary.Errors != 1 {
		t.Errorf("Errors = %d, want 1", summary.Errors)
	}
}

func TestShutdownDeadlineOvershoot(t *testing.T) {
	c := container.New()
	if err := c.RegisterShutdown(container.ShutdownGraceful, container.ShutdownHandler{
		Name: "app.slow.stop", Priority: 10, Timeout: time.Second,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}); err != nil {
		t.Fatal(err)
	}

	co := newTestCoordinator(c, nil)
	co.deadline = 50 * time.Millisecond

	_, err := co.Shutdown()
	if !fault.HasCode(err, fault.ShutdownTimeout) {
		t.Errorf("Shutdown() = %v, want SHUTDOWN_TIMEOUT", err)
	}
}

func TestOwnerOf(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"core.scheduler.stop", "core.scheduler"},
		{"app.backup.flush", "app.backup"},
		{"kernel", "kernel"},
	}
	for _, tt := range tests {
		if got := ownerOf(tt.name); got != tt.want {
			t.Errorf("ownerOf(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
