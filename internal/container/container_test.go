package container

import (
	"context"
	"testing"
	"time"

	"github.com/chassisd/chassis/internal/fault"
)

type fakeScheduler struct {
	name string
}

func TestRegisterAndGet(t *testing.T) {
	c := New()
	svc := &fakeScheduler{name: "sched"}

	if err := c.Register("core.scheduler.service", svc, 10, "core.scheduler"); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got, ok := c.Get("core.scheduler.service")
	if !ok {
		t.Fatal("Get() did not find registered service")
	}
	if got != svc {
		t.Error("Get() returned a different instance")
	}
	if !c.Has("core.scheduler.service") {
		t.Error("Has() = false for registered service")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestDuplicateRegistrationFails(t *testing.T) {
	c := New()
	if err := c.Register("core.settings.service", 1, 10, "core.settings"); err != nil {
		t.Fatalf("first Register() error = %v", err)
	}

	err := c.Register("core.settings.service", 2, 20, "other.module")
	if !fault.HasCode(err, fault.DuplicateService) {
		t.Errorf("duplicate Register() = %v, want DUPLICATE_SERVICE", err)
	}

	// Original registration untouched.
	got, _ := c.Get("core.settings.service")
	if got != 1 {
		t.Errorf("original instance replaced: got %v", got)
	}
}

func TestRegisterEmptyName(t *testing.T) {
	c := New()
	err := c.Register("", struct{}{}, 10, "m")
	if !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("Register(\"\") = %v, want PARAMETER_INVALID", err)
	}
}

func TestAs(t *testing.T) {
	c := New()
	svc := &fakeScheduler{name: "sched"}
	if err := c.Register("core.scheduler.service", svc, 10, "core.scheduler"); err != nil {
		t.Fatal(err)
	}

	typed, err := As[*fakeScheduler](c, "core.scheduler.service")
	if err != nil {
		t.Fatalf("As() error = %v", err)
	}
	if typed.name != "sched" {
		t.Errorf("As() returned wrong instance")
	}

	_, err = As[string](c, "core.scheduler.service")
	if !fault.HasCode(err, fault.RequiredServiceMissing) {
		t.Errorf("As() with wrong type = %v, want REQUIRED_SERVICE_MISSING", err)
	}

	_, err = As[*fakeScheduler](c, "missing.service")
	if !fault.HasCode(err, fault.RequiredServiceMissing) {
		t.Errorf("As() on missing service = %v, want REQUIRED_SERVICE_MISSING", err)
	}
}

func TestListSortedByPriorityThenName(t *testing.T) {
	c := New()
	_ = c.Register("b.service", 1, 20, "b")
	_ = c.Register("a.service", 2, 20, "a")
	_ = c.Register("c.service", 3, 10, "c")

	records := c.List()
	want := []string{"c.service", "a.service", "b.service"}
	for i, rec := range records {
		if rec.Name != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, rec.Name, want[i])
		}
	}
}

func TestShutdownHandlerOrdering(t *testing.T) {
	c := New()
	noop := func(ctx context.Context) error { return nil }

	// Registered out of order; same priority preserves registration order.
	handlers := []ShutdownHandler{
		{Name: "late", Priority: 900, Timeout: time.Second, Func: noop},
		{Name: "first-of-pair", Priority: 50, Timeout: time.Second, Func: noop},
		{Name: "early", Priority: 5, Timeout: time.Second, Func: noop},
		{Name: "second-of-pair", Priority: 50, Timeout: time.Second, Func: noop},
	}
	for _, h := range handlers {
		if err := c.RegisterShutdown(ShutdownGraceful, h); err != nil {
			t.Fatalf("RegisterShutdown(%s) error = %v", h.Name, err)
		}
	}

	got := c.ShutdownHandlers(ShutdownGraceful)
	want := []string{"early", "first-of-pair", "second-of-pair", "late"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, h := range got {
		if h.Name != want[i] {
			t.Errorf("handler[%d] = %s, want %s", i, h.Name, want[i])
		}
	}

	if len(c.ShutdownHandlers(ShutdownForce)) != 0 {
		t.Error("force handlers leaked into graceful kind")
	}
}

func TestRegisterShutdownValidation(t *testing.T) {
	c := New()

	err := c.RegisterShutdown(ShutdownGraceful, ShutdownHandler{Name: "nil-func", Priority: 10})
	if !fault.HasCode(err, fault.ParameterInvalid) {
		t.Errorf("nil func = %v, want PARAMETER_INVALID", err)
	}

	noop := func(ctx context.Context) error { return nil }
	for _, p := range []int{0, -1, 1001} {
		err := c.RegisterShutdown(ShutdownGraceful, ShutdownHandler{Name: "bad", Priority: p, Func: noop})
		if !fault.HasCode(err, fault.ParameterInvalid) {
			t.Errorf("priority %d = %v, want PARAMETER_INVALID", p, err)
		}
	}
}
