// Package bootstrap runs the pre-load stage: ordered handlers that create
// directories and databases before any module class is instantiated.
// Handlers are infrastructure-only and self-contained; services do not
// exist yet.
package bootstrap

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/module"
	"github.com/chassisd/chassis/internal/storage"
)

// Env is the environment handed to bootstrap handlers.
type Env struct {
	// BaseDir is the expanded kernel base directory.
	BaseDir string

	// Registry holds the compiled module metadata; handlers read
	// declarations from it, never instances.
	Registry *module.Registry

	// Storage is the per-database storage manager.
	Storage *storage.Manager

	// Logger is the kernel logger.
	Logger *slog.Logger

	// report collects handler results during a run.
	report *Report
}

// Handler is one bootstrap step. Handlers must be idempotent and fail fast
// with a clear reason.
type Handler interface {
	// Name identifies the handler in logs and failures.
	Name() string

	// Priority orders handlers; lower runs earlier.
	Priority() int

	// Run executes the handler.
	Run(ctx context.Context, env *Env) error
}

// Report summarizes a bootstrap run.
type Report struct {
	HandlersRun int
	Directories []string
	Databases   map[string]int
	Duration    time.Duration
}

// Runner executes bootstrap handlers in priority order.
type Runner struct {
	handlers []Handler
}

// NewRunner creates a runner with the two built-in handlers plus any
// extras.
func NewRunner(extra ...Handler) *Runner {
	handlers := append([]Handler{
		&DirectoryHandler{},
		&DatabaseHandler{},
	}, extra...)
	return &Runner{handlers: handlers}
}

// Run executes all handlers sorted by ascending priority. The first
// failure aborts with BOOTSTRAP_FAILED naming the handler; no Phase 1
// begins after that.
func (r *Runner) Run(ctx context.Context, env *Env) (*Report, error) {
	start := time.Now()

	sorted := make([]Handler, len(r.handlers))
	copy(sorted, r.handlers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority() < sorted[j].Priority() })

	report := &Report{Databases: make(map[string]int)}
	env = envWithReport(env, report)

	for _, h := range sorted {
		env.Logger.Debug("running bootstrap handler", "handler", h.Name(), "priority", h.Priority())
		if err := h.Run(ctx, env); err != nil {
			return nil, fault.Wrap(fault.BootstrapFailed,
				"bootstrap handler "+h.Name()+" failed", err).
				WithDetail("handler", h.Name())
		}
		report.HandlersRun++
	}

	report.Duration = time.Since(start)
	env.Logger.Info("bootstrap complete",
		"handlers", report.HandlersRun,
		"directories", len(report.Directories),
		"databases", len(report.Databases),
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report, nil
}

// envWithReport returns a copy of env carrying the in-progress report.
func envWithReport(env *Env, report *Report) *Env {
	clone := *env
	clone.report = report
	return &clone
}
