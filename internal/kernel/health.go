package kernel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chassisd/chassis/internal/app"
	"github.com/chassisd/chassis/internal/fault"
)

// ProbeResult is one cached health check outcome.
type ProbeResult struct {
	ModuleID   string    `json:"module_id"`
	Method     string    `json:"method"`
	Healthy    bool      `json:"healthy"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	DurationMS int64     `json:"duration_ms"`
}

// probeTimeout bounds one health check invocation.
const probeTimeout = 10 * time.Second

// healthManager runs declared module health checks at their advisory
// cadence and caches the results. A failing probe degrades its module; a
// recovering probe restores it. Failed modules stay failed.
type healthManager struct {
	app     *app.App
	tracker *stateTracker
	logger  *slog.Logger
	probes  []healthProbe

	mu      sync.RWMutex
	results map[string]ProbeResult
}

func newHealthManager(a *app.App, tracker *stateTracker, logger *slog.Logger, probes []healthProbe) *healthManager {
	return &healthManager{
		app:     a,
		tracker: tracker,
		logger:  logger,
		probes:  probes,
		results: make(map[string]ProbeResult),
	}
}

// Run drives all probes until ctx is canceled. Each probe fires once
// immediately, then at its declared interval.
func (h *healthManager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, probe := range h.probes {
		wg.Add(1)
		go func(p healthProbe) {
			defer wg.Done()
			h.runProbe(ctx, p)

			ticker := time.NewTicker(p.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					h.runProbe(ctx, p)
				}
			}
		}(probe)
	}
	wg.Wait()
}

// runProbe executes one probe and folds the result into the module state.
func (h *healthManager) runProbe(ctx context.Context, p healthProbe) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	started := time.Now()
	err := h.invoke(probeCtx, p)
	result := ProbeResult{
		ModuleID:   p.ModuleID,
		Method:     p.Method,
		Healthy:    err == nil,
		CheckedAt:  time.Now().UTC(),
		DurationMS: time.Since(started).Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
		h.logger.Warn("health check failed", "module", p.ModuleID, "method", p.Method, "error", err)
	}

	h.mu.Lock()
	h.results[p.ModuleID+"."+p.Method] = result
	h.mu.Unlock()

	h.tracker.update(p.ModuleID, func(st *ModuleState) {
		switch {
		case err != nil && st.Status == ModuleReady:
			st.Status = ModuleDegraded
		case err == nil && st.Status == ModuleDegraded && h.allHealthy(p.ModuleID):
			st.Status = ModuleReady
		}
	})
}

func (h *healthManager) invoke(ctx context.Context, p healthProbe) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.HandlerError, "health check panicked: %v", r)
		}
	}()
	return p.Run(ctx, h.app)
}

// allHealthy reports whether every cached probe of a module passes.
func (h *healthManager) allHealthy(moduleID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, r := range h.results {
		if r.ModuleID == moduleID && !r.Healthy {
			return false
		}
	}
	return true
}

// Results returns a copy of all cached probe results.
func (h *healthManager) Results() []ProbeResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]ProbeResult, 0, len(h.results))
	for _, r := range h.results {
		out = append(out, r)
	}
	return out
}
