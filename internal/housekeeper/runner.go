package housekeeper

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/metrics"
)

// ItemError records one per-registration or per-file failure. Failures
// never abort the run; they accumulate in the report.
type ItemError struct {
	RegistrationID string `json:"registration_id"`
	Path           string `json:"path,omitempty"`
	Kind           string `json:"kind"`
	Message        string `json:"message"`
}

// RegistrationReport breaks the run down for one registration.
type RegistrationReport struct {
	RegistrationID string `json:"registration_id"`
	ModuleID       string `json:"module_id"`
	Directory      string `json:"directory"`
	FilesExamined  int    `json:"files_examined"`
	Candidates     int    `json:"candidates"`
	Deleted        int    `json:"deleted"`
	BytesReclaimed int64  `json:"bytes_reclaimed"`
}

// Report summarizes one cleanup run. PerRegistration holds one entry per
// processed registration, in processing order.
type Report struct {
	Registrations   int                  `json:"registrations"`
	FilesExamined   int                  `json:"files_examined"`
	Candidates      int                  `json:"candidates"`
	Deleted         int                  `json:"deleted"`
	BytesReclaimed  int64                `json:"bytes_reclaimed"`
	PerRegistration []RegistrationReport `json:"per_registration,omitempty"`
	Errors          []ItemError          `json:"errors,omitempty"`
	DryRun          bool                 `json:"dry_run"`
	Duration        time.Duration        `json:"duration"`
}

// Runner executes cleanup over enabled registrations.
type Runner struct {
	store  *Store
	logger *slog.Logger
	bus    events.Bus
	now    func() time.Time
}

// RunnerOption configures the Runner.
type RunnerOption func(*Runner)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithBus sets the event bus run summaries are published to.
func WithBus(bus events.Bus) RunnerOption {
	return func(r *Runner) { r.bus = bus }
}

// WithClock overrides the time source for retention math.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner over a registration store.
func NewRunner(store *Store, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:  store,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Store returns the underlying registration store.
func (r *Runner) Store() *Store {
	return r.store
}

// Run executes cleanup for all enabled registrations, or just one when
// registrationID is set. With dryRun the candidates are counted but
// nothing is deleted. A missing directory or a failed delete is recorded
// in the report and the run continues.
func (r *Runner) Run(ctx context.Context, dryRun bool, registrationID string) (*Report, error) {
	started := r.now()
	report := &Report{DryRun: dryRun}

	var regs []*Registration
	if registrationID != "" {
		reg, err := r.store.Get(ctx, registrationID)
		if err != nil {
			return nil, err
		}
		regs = []*Registration{reg}
	} else {
		all, err := r.store.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, reg := range all {
			if reg.Enabled {
				regs = append(regs, reg)
			}
		}
	}

	for _, reg := range regs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Registrations++
		r.runOne(ctx, reg, report)
	}

	report.Duration = r.now().Sub(started)

	if !dryRun {
		metrics.HousekeeperFilesDeleted.Add(float64(report.Deleted))
		metrics.HousekeeperBytesReclaimed.Add(float64(report.BytesReclaimed))
	}

	r.logger.Info("cleanup run complete",
		"registrations", report.Registrations,
		"examined", report.FilesExamined,
		"candidates", report.Candidates,
		"deleted", report.Deleted,
		"bytes_reclaimed", report.BytesReclaimed,
		"errors", len(report.Errors),
		"dry_run", dryRun,
		"duration", report.Duration.Round(time.Millisecond),
	)

	if r.bus != nil {
		bctx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = r.bus.Publish(bctx, events.NewEvent(events.CleanupCompleted, events.CleanupPayload{
			Registrations:  report.Registrations,
			FilesDeleted:   report.Deleted,
			BytesReclaimed: report.BytesReclaimed,
			DryRun:         dryRun,
			Errors:         len(report.Errors),
		}))
		cancel()
	}
	return report, nil
}

// runOne processes a single registration into the shared report. Every
// processed registration gets a per-registration entry and, outside dry
// runs, a last_run_at stamp.
func (r *Runner) runOne(ctx context.Context, reg *Registration, report *Report) {
	rr := RegistrationReport{
		RegistrationID: reg.ID,
		ModuleID:       reg.ModuleID,
		Directory:      reg.Directory,
	}
	defer func() {
		report.PerRegistration = append(report.PerRegistration, rr)
		if report.DryRun {
			return
		}
		if err := r.store.TouchLastRun(ctx, reg.ID, r.now()); err != nil {
			r.logger.Warn("failed to stamp registration last run",
				"registration_id", reg.ID, "error", err)
		}
	}()

	dir, err := r.store.resolveDir(reg.Directory)
	if err != nil {
		report.Errors = append(report.Errors, ItemError{
			RegistrationID: reg.ID,
			Kind:           string(fault.ParameterInvalid),
			Message:        err.Error(),
		})
		return
	}

	files, err := r.scan(dir, reg.Pattern)
	if err != nil {
		kind := fault.StorageError
		if errors.Is(err, fs.ErrNotExist) {
			kind = fault.DirectoryMissing
		}
		report.Errors = append(report.Errors, ItemError{
			RegistrationID: reg.ID,
			Path:           dir,
			Kind:           string(kind),
			Message:        err.Error(),
		})
		return
	}
	rr.FilesExamined = len(files)
	report.FilesExamined += len(files)

	doomed := candidates(files, reg, r.now())
	rr.Candidates = len(doomed)
	report.Candidates += len(doomed)
	if report.DryRun {
		return
	}

	for _, f := range doomed {
		if err := os.Remove(f.path); err != nil {
			report.Errors = append(report.Errors, ItemError{
				RegistrationID: reg.ID,
				Path:           f.path,
				Kind:           string(fault.FileDeleteFailed),
				Message:        err.Error(),
			})
			continue
		}
		rr.Deleted++
		rr.BytesReclaimed += f.size
		report.Deleted++
		report.BytesReclaimed += f.size
	}
}

// scan lists regular files in dir matching the glob, non-recursive.
func (r *Runner) scan(dir, pattern string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []fileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match, err := filepath.Match(pattern, entry.Name())
		if err != nil || !match {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, fileInfo{
			path:    filepath.Join(dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime().UTC(),
		})
	}
	return out, nil
}
