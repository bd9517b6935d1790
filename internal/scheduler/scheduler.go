package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/metrics"
)

// createSlack is how far in the past a requested first fire may lie and
// still count as "immediate".
const createSlack = 2 * time.Second

// dueBatchSize bounds how many due events one tick fetches.
const dueBatchSize = 100

// persistTimeout bounds outcome persistence after an execution ends; the
// execution's own context may already be canceled by then.
const persistTimeout = 10 * time.Second

// Config holds the scheduler's runtime settings.
type Config struct {
	// TickInterval is how often the loop polls for due events.
	TickInterval time.Duration

	// MaxInFlight bounds concurrent executions across events.
	MaxInFlight int64

	// DefaultTimeout bounds an execution when the event declares none.
	DefaultTimeout time.Duration

	// ExecutionRetention prunes execution records older than this on
	// each recovery. Zero disables pruning.
	ExecutionRetention time.Duration
}

// normalize fills unset config fields with defaults.
func (c Config) normalize() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 8
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	return c
}

// Scheduler persists events, fires them when due, and records executions.
// Safe for concurrent use.
type Scheduler struct {
	store  *Store
	funcs  *FunctionRegistry
	cfg    Config
	logger *slog.Logger
	bus    events.Bus
	sem    *semaphore.Weighted
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	wg       sync.WaitGroup
	lastTick atomic.Int64
}

// Option configures the Scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithBus sets the event bus fire outcomes are published to.
func WithBus(bus events.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

// WithClock overrides the time source. Tests use it to pin fire math.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler over a store and function registry.
func New(store *Store, funcs *FunctionRegistry, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.normalize()
	s := &Scheduler{
		store:    store,
		funcs:    funcs,
		cfg:      cfg,
		logger:   slog.Default(),
		sem:      semaphore.NewWeighted(cfg.MaxInFlight),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Functions returns the function registry.
func (s *Scheduler) Functions() *FunctionRegistry {
	return s.funcs
}

// Store returns the underlying store.
func (s *Scheduler) Store() *Store {
	return s.store
}

// LastTick returns the time of the most recent loop tick, zero before the
// first one. The health manager uses it as a liveness signal.
func (s *Scheduler) LastTick() time.Time {
	nanos := s.lastTick.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// Create validates a draft and persists a new PENDING event.
func (s *Scheduler) Create(ctx context.Context, draft Draft) (*Event, error) {
	if draft.Name == "" {
		return nil, fault.New(fault.ParameterInvalid, "event name must not be empty")
	}
	if _, ok := s.funcs.Get(draft.FunctionName); !ok {
		return nil, fault.Newf(fault.FunctionNotFound, "function %q is not registered", draft.FunctionName).
			WithDetail("function", draft.FunctionName)
	}
	if err := validateTrigger(draft.TriggerKind, draft.IntervalUnit, draft.IntervalAmount, draft.CronExpression); err != nil {
		return nil, err
	}
	if _, err := encodeParams(draft.Parameters); err != nil {
		return nil, err
	}

	now := s.now()
	e := &Event{
		ID:             uuid.NewString(),
		Name:           draft.Name,
		Description:    draft.Description,
		FunctionName:   draft.FunctionName,
		ModuleID:       draft.ModuleID,
		Parameters:     draft.Parameters,
		TriggerKind:    draft.TriggerKind,
		IntervalUnit:   draft.IntervalUnit,
		IntervalAmount: draft.IntervalAmount,
		CronExpression: draft.CronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Status:         StatusPending,
		Recurring:      draft.TriggerKind != TriggerOnce,
		TimeoutSeconds: draft.TimeoutSeconds,
	}

	next, err := initialFire(e, draft.NextExecution, now)
	if err != nil {
		return nil, err
	}
	e.NextFireAt = next

	if err := s.store.CreateEvent(ctx, e); err != nil {
		return nil, err
	}

	s.logger.Info("event scheduled",
		"event_id", e.ID,
		"name", e.Name,
		"function", e.FunctionName,
		"trigger", e.TriggerKind,
		"next_fire_at", e.NextFireAt,
	)
	return e, nil
}

// initialFire computes a new event's first fire time.
func initialFire(e *Event, requested *time.Time, now time.Time) (*time.Time, error) {
	switch e.TriggerKind {
	case TriggerOnce:
		at := now
		if requested != nil {
			at = requested.UTC()
		}
		if at.Before(now.Add(-createSlack)) {
			return nil, fault.New(fault.ParameterInvalid, "next_execution must be in the future or immediate")
		}
		return &at, nil
	case TriggerInterval:
		if requested != nil {
			at := requested.UTC()
			if at.Before(now.Add(-createSlack)) {
				return nil, fault.New(fault.ParameterInvalid, "next_execution must be in the future or immediate")
			}
			return &at, nil
		}
		at := addInterval(now, e.IntervalUnit, e.IntervalAmount)
		return &at, nil
	case TriggerCron:
		return nextFire(e, now)
	default:
		return nil, fault.Newf(fault.ParameterInvalid, "unknown trigger kind %q", e.TriggerKind)
	}
}

// Get fetches one event.
func (s *Scheduler) Get(ctx context.Context, id string) (*Event, error) {
	return s.store.GetEvent(ctx, id)
}

// List returns events matching the filter.
func (s *Scheduler) List(ctx context.Context, filter Filter) ([]*Event, error) {
	return s.store.ListEvents(ctx, filter)
}

// Executions returns an event's execution records, most recent first.
func (s *Scheduler) Executions(ctx context.Context, eventID string, limit int) ([]*Execution, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return s.store.Executions(ctx, eventID, limit)
}

// Update applies a patch to an event's editable fields. Updating a
// RUNNING event is ALREADY_RUNNING; terminal events cannot be updated.
func (s *Scheduler) Update(ctx context.Context, id string, patch Patch) (*Event, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status == StatusRunning {
		return nil, fault.Newf(fault.AlreadyRunning, "event %q is running", id)
	}
	if e.Status.IsTerminal() {
		return nil, fault.Newf(fault.ParameterInvalid, "event %q is %s and cannot be updated", id, e.Status)
	}

	if patch.Description != nil {
		e.Description = *patch.Description
	}
	if patch.Parameters != nil {
		if _, err := encodeParams(*patch.Parameters); err != nil {
			return nil, err
		}
		e.Parameters = *patch.Parameters
	}
	if patch.TimeoutSeconds != nil {
		e.TimeoutSeconds = *patch.TimeoutSeconds
	}

	triggerChanged := patch.TriggerKind != nil || patch.IntervalUnit != nil ||
		patch.IntervalAmount != nil || patch.CronExpression != nil || patch.NextExecution != nil
	if triggerChanged {
		if patch.TriggerKind != nil {
			e.TriggerKind = *patch.TriggerKind
			// Changing kind resets fields the new kind does not use.
			e.IntervalUnit, e.IntervalAmount, e.CronExpression = "", 0, ""
		}
		if patch.IntervalUnit != nil {
			e.IntervalUnit = *patch.IntervalUnit
		}
		if patch.IntervalAmount != nil {
			e.IntervalAmount = *patch.IntervalAmount
		}
		if patch.CronExpression != nil {
			e.CronExpression = *patch.CronExpression
		}
		if err := validateTrigger(e.TriggerKind, e.IntervalUnit, e.IntervalAmount, e.CronExpression); err != nil {
			return nil, err
		}
		e.Recurring = e.TriggerKind != TriggerOnce

		if e.Status == StatusPending {
			next, err := initialFire(e, patch.NextExecution, s.now())
			if err != nil {
				return nil, err
			}
			e.NextFireAt = next
		}
	}

	if err := s.store.UpdateEvent(ctx, e); err != nil {
		return nil, err
	}
	return s.store.GetEvent(ctx, id)
}

// Pause suspends a PENDING event. Its next fire time is kept for
// reference but ignored until Resume.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.store.Transition(ctx, id, []Status{StatusPending}, StatusPaused, nil, false)
}

// Resume returns a PAUSED event to PENDING. The next fire is recomputed
// from now; windows missed while paused are never replayed, only counted.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != StatusPaused {
		return fault.Newf(fault.ParameterInvalid, "event %q is %s, only PAUSED events resume", id, e.Status)
	}

	now := s.now()
	var next time.Time
	var skipped int
	if e.Recurring {
		next, skipped, err = advancePast(e, now)
		if err != nil {
			return fault.Wrap(fault.ParameterInvalid, "cannot compute next fire", err)
		}
	} else {
		// A one-shot whose time passed while paused fires promptly.
		next = now
		if e.NextFireAt != nil && e.NextFireAt.After(now) {
			next = e.NextFireAt.UTC()
		}
	}

	if err := s.store.Transition(ctx, id, []Status{StatusPaused}, StatusPending, &next, true); err != nil {
		return err
	}
	if skipped > 0 {
		s.logger.Info("resume skipped missed windows", "event_id", id, "skipped", skipped)
		if err := s.store.IncrementMissed(ctx, id, skipped, &next); err != nil {
			return err
		}
	}
	return nil
}

// Cancel terminally cancels an event. A RUNNING execution is signaled to
// stop cooperatively and allowed to finish; the event stays CANCELLED
// afterwards.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, running := s.inflight[id]
	s.mu.Unlock()
	if running {
		cancel()
	}

	return s.store.Transition(ctx, id,
		[]Status{StatusPending, StatusRunning, StatusPaused, StatusFailed}, StatusCancelled, nil, true)
}

// RunNow fires an event immediately without disturbing its schedule.
// Rejected with ALREADY_RUNNING while an execution is in flight.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Execution, error) {
	e, err := s.store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status.IsTerminal() {
		return nil, fault.Newf(fault.ParameterInvalid, "event %q is %s and cannot run", id, e.Status)
	}

	s.mu.Lock()
	if _, running := s.inflight[id]; running {
		s.mu.Unlock()
		return nil, fault.Newf(fault.AlreadyRunning, "event %q is running", id)
	}
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fault.Wrap(fault.Timeout, "scheduler is saturated", err)
	}

	exec := &Execution{ID: uuid.NewString(), EventID: id, StartedAt: s.now()}
	if err := s.store.StartExecution(ctx, id, exec, []Status{StatusPending, StatusPaused, StatusFailed}); err != nil {
		s.sem.Release(1)
		return nil, err
	}

	s.launch(e, exec, e.Status, false)
	return exec, nil
}

// Run drives the scheduler loop until ctx is canceled. Started by the
// kernel after Phase 2, after Recover has run.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Info("scheduler loop started",
		"tick_interval", s.cfg.TickInterval,
		"max_in_flight", s.cfg.MaxInFlight,
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fetches due events and dispatches them subject to the in-flight
// bound.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.lastTick.Store(now.UnixNano())

	due, err := s.store.DueEvents(ctx, now, dueBatchSize)
	if err != nil {
		s.logger.Error("failed to fetch due events", "error", err)
		return
	}

	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, e)
	}
}

// dispatch starts one due event's execution. An event already in flight
// is a missed fire; a saturated semaphore leaves the event due for the
// next tick.
func (s *Scheduler) dispatch(ctx context.Context, e *Event) {
	s.mu.Lock()
	_, running := s.inflight[e.ID]
	s.mu.Unlock()
	if running {
		s.recordMissed(ctx, e)
		return
	}

	if !s.sem.TryAcquire(1) {
		// Saturated; the event stays due and is retried next tick.
		return
	}

	exec := &Execution{ID: uuid.NewString(), EventID: e.ID, StartedAt: s.now()}
	if err := s.store.StartExecution(ctx, e.ID, exec, []Status{StatusPending}); err != nil {
		s.sem.Release(1)
		if !fault.HasCode(err, fault.AlreadyRunning) {
			s.logger.Error("failed to start execution", "event_id", e.ID, "error", err)
		}
		return
	}

	s.launch(e, exec, e.Status, true)
}

// launch runs an execution on its own goroutine. prevStatus is restored
// for runs that must not disturb the schedule.
func (s *Scheduler) launch(e *Event, exec *Execution, prevStatus Status, advanceSchedule bool) {
	runCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.inflight[e.ID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	metrics.SchedulerInFlight.Inc()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.inflight, e.ID)
			s.mu.Unlock()
			cancel()
			s.sem.Release(1)
			metrics.SchedulerInFlight.Dec()
			s.wg.Done()
		}()
		s.execute(runCtx, e, exec, prevStatus, advanceSchedule)
	}()
}

// execute invokes the event's function, classifies the outcome, and
// persists the execution record and the event's next state atomically.
func (s *Scheduler) execute(ctx context.Context, e *Event, exec *Execution, prevStatus Status, advanceSchedule bool) {
	timeout := s.cfg.DefaultTimeout
	if e.TimeoutSeconds > 0 {
		timeout = time.Duration(e.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := exec.StartedAt
	result, err := s.invoke(runCtx, e)
	ended := s.now()
	exec.EndedAt = &ended

	switch {
	case err == nil:
		exec.Outcome = OutcomeSuccess
		exec.ResultSummary = summarize(result)
	case errors.Is(err, context.DeadlineExceeded):
		exec.Outcome = OutcomeTimeout
		exec.ErrorKind = string(fault.Timeout)
		exec.ErrorMessage = fmt.Sprintf("execution exceeded %s", timeout)
	case errors.Is(err, context.Canceled):
		exec.Outcome = OutcomeCancelled
		exec.ErrorKind = string(fault.AlreadyRunning)
		exec.ErrorMessage = "execution canceled"
	default:
		exec.Outcome = OutcomeFailure
		exec.ErrorKind = string(fault.CodeOf(err))
		exec.ErrorMessage = err.Error()
	}

	nextStatus, nextFireAt, missed := s.afterFire(e, exec.Outcome, prevStatus, advanceSchedule, started, ended)

	pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer pcancel()
	if perr := s.store.FinishExecution(pctx, exec, e.ID, nextStatus, nextFireAt, started, missed); perr != nil {
		s.logger.Error("failed to persist execution outcome", "event_id", e.ID, "error", perr)
	}

	duration := ended.Sub(started)
	metrics.SchedulerFires.WithLabelValues(string(exec.Outcome)).Inc()
	metrics.SchedulerExecutionSeconds.Observe(duration.Seconds())
	if missed > 0 {
		metrics.SchedulerMissedFires.Add(float64(missed))
	}

	logArgs := []any{
		"event_id", e.ID,
		"name", e.Name,
		"outcome", exec.Outcome,
		"duration", duration.Round(time.Millisecond),
	}
	if err != nil {
		logArgs = append(logArgs, "error", err)
		s.logger.Warn("event execution finished", logArgs...)
	} else {
		s.logger.Info("event execution finished", logArgs...)
	}

	s.publish(events.NewEvent(events.EventFired, events.FirePayload{
		EventID:      e.ID,
		EventName:    e.Name,
		FunctionName: e.FunctionName,
		Outcome:      string(exec.Outcome),
		Duration:     duration,
		Err:          err,
	}))
}

// afterFire computes the event's post-execution state. Recurring events
// return to PENDING with the next fire strictly in the future; a run that
// outlasted its own interval counts the swallowed windows as missed.
func (s *Scheduler) afterFire(e *Event, outcome Outcome, prevStatus Status, advanceSchedule bool, started, ended time.Time) (Status, *time.Time, int) {
	if !advanceSchedule {
		// run_now: restore the previous state and schedule untouched.
		return prevStatus, e.NextFireAt, 0
	}

	if !e.Recurring {
		if outcome == OutcomeSuccess {
			return StatusCompleted, nil, 0
		}
		// FAILED keeps the fire time it failed at; only COMPLETED and
		// CANCELLED clear the schedule.
		return StatusFailed, e.NextFireAt, 0
	}

	// Recurring events never complete on success, and a failure does not
	// unschedule them.
	from := started
	if e.TriggerKind == TriggerCron {
		from = ended
	}
	next, err := nextFire(e, from)
	if err != nil || next == nil {
		s.logger.Error("failed to compute next fire", "event_id", e.ID, "error", err)
		return StatusFailed, e.NextFireAt, 0
	}

	missed := 0
	if !next.After(ended) {
		probe := *e
		probe.NextFireAt = next
		advanced, skipped, aerr := advancePast(&probe, ended)
		if aerr == nil {
			next = &advanced
			missed = skipped
		}
	}
	return StatusPending, next, missed
}

// invoke resolves and calls the event's function, converting panics into
// HANDLER_ERROR.
func (s *Scheduler) invoke(ctx context.Context, e *Event) (result any, err error) {
	fn, ok := s.funcs.Get(e.FunctionName)
	if !ok {
		return nil, fault.Newf(fault.FunctionNotFound, "function %q is not registered", e.FunctionName)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fault.Newf(fault.HandlerError, "handler panicked: %v", r)
		}
	}()
	return fn(ctx, e.Parameters)
}

// recordMissed accounts for a due fire skipped because the event is still
// running: the missed counter increments and the next fire advances
// strictly past now, never queuing up.
func (s *Scheduler) recordMissed(ctx context.Context, e *Event) {
	now := s.now()
	next, skipped, err := advancePast(e, now)
	if err != nil {
		s.logger.Error("failed to advance missed event", "event_id", e.ID, "error", err)
		return
	}
	if skipped < 1 {
		skipped = 1
	}

	if err := s.store.IncrementMissed(ctx, e.ID, skipped, &next); err != nil {
		s.logger.Error("failed to record missed fire", "event_id", e.ID, "error", err)
		return
	}

	metrics.SchedulerMissedFires.Add(float64(skipped))
	s.logger.Warn("fire skipped, event still running",
		"event_id", e.ID, "missed", skipped, "next_fire_at", next)

	s.publish(events.NewEvent(events.EventMissed, events.FirePayload{
		EventID:      e.ID,
		EventName:    e.Name,
		FunctionName: e.FunctionName,
	}))
}

// summarize normalizes a handler result into a JSON object.
func summarize(result any) map[string]any {
	if result == nil {
		return nil
	}
	if m, ok := result.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": result}
}

// publish sends a bus event when a bus is configured.
func (s *Scheduler) publish(event events.Event) {
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.bus.Publish(ctx, event)
}

// Stop waits for in-flight executions to finish, bounded by ctx.
// Stragglers are left RUNNING for crash recovery on the next start.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fault.New(fault.ShutdownTimeout, "scheduler executions still in flight at shutdown deadline")
	}
}
