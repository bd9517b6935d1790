// Package scheduler implements the persistent recurring task scheduler:
// events with one-shot, fixed-interval, or cron triggers persisted in
// SQLite, a background loop firing due events with bounded concurrency,
// append-only execution records, and crash recovery on restart.
package scheduler

import (
	"time"

	"github.com/chassisd/chassis/internal/fault"
)

// TriggerKind selects how an event's fire times are computed.
type TriggerKind string

const (
	// TriggerOnce fires exactly once at NextFireAt.
	TriggerOnce TriggerKind = "ONCE"

	// TriggerInterval fires every IntervalAmount of IntervalUnit.
	TriggerInterval TriggerKind = "INTERVAL"

	// TriggerCron fires per a 5-field cron expression, evaluated in UTC.
	TriggerCron TriggerKind = "CRON"
)

// IntervalUnit is the unit of an interval trigger.
type IntervalUnit string

const (
	UnitMinutes IntervalUnit = "minutes"
	UnitHours   IntervalUnit = "hours"
	UnitDays    IntervalUnit = "days"
	UnitWeeks   IntervalUnit = "weeks"
	UnitMonths  IntervalUnit = "months"
)

// Status is an event's lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusPaused    Status = "PAUSED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Outcome classifies one execution.
type Outcome string

const (
	OutcomeSuccess   Outcome = "SUCCESS"
	OutcomeFailure   Outcome = "FAILURE"
	OutcomeTimeout   Outcome = "TIMEOUT"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Event is one scheduled event. Exactly one trigger kind's fields are
// populated; NextFireAt is nil only in COMPLETED or CANCELLED.
type Event struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	FunctionName   string         `json:"function_name"`
	ModuleID       string         `json:"module_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TriggerKind    TriggerKind    `json:"trigger_kind"`
	IntervalUnit   IntervalUnit   `json:"interval_unit,omitempty"`
	IntervalAmount int            `json:"interval_amount,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	NextFireAt     *time.Time     `json:"next_fire_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	LastFiredAt    *time.Time     `json:"last_fired_at,omitempty"`
	Status         Status         `json:"status"`
	Recurring      bool           `json:"recurring"`
	MissedFires    int            `json:"missed_fires"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// Execution is one append-only execution record.
type Execution struct {
	ID            string         `json:"id"`
	EventID       string         `json:"event_id"`
	StartedAt     time.Time      `json:"started_at"`
	EndedAt       *time.Time     `json:"ended_at,omitempty"`
	Outcome       Outcome        `json:"outcome,omitempty"`
	ResultSummary map[string]any `json:"result_summary,omitempty"`
	ErrorKind     string         `json:"error_kind,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// Draft is the caller-supplied spec for a new event.
type Draft struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	FunctionName   string         `json:"function_name"`
	ModuleID       string         `json:"module_id,omitempty"`
	Parameters     map[string]any `json:"parameters,omitempty"`
	TriggerKind    TriggerKind    `json:"trigger_kind"`
	IntervalUnit   IntervalUnit   `json:"interval_unit,omitempty"`
	IntervalAmount int            `json:"interval_amount,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`

	// NextExecution is the first fire time for ONCE and INTERVAL
	// triggers. Nil means immediate for ONCE and one interval from now
	// for INTERVAL.
	NextExecution *time.Time `json:"next_execution,omitempty"`

	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Patch carries the editable fields of an update. Nil fields are left
// unchanged. Status transitions go through the dedicated verbs, never
// through Patch.
type Patch struct {
	Description    *string         `json:"description,omitempty"`
	Parameters     *map[string]any `json:"parameters,omitempty"`
	TriggerKind    *TriggerKind    `json:"trigger_kind,omitempty"`
	IntervalUnit   *IntervalUnit   `json:"interval_unit,omitempty"`
	IntervalAmount *int            `json:"interval_amount,omitempty"`
	CronExpression *string         `json:"cron_expression,omitempty"`
	NextExecution  *time.Time      `json:"next_execution,omitempty"`
	TimeoutSeconds *int            `json:"timeout_seconds,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status       Status
	ModuleID     string
	FunctionName string
	Recurring    *bool
	Limit        int
}

// validUnits is the closed interval unit set.
var validUnits = map[IntervalUnit]bool{
	UnitMinutes: true,
	UnitHours:   true,
	UnitDays:    true,
	UnitWeeks:   true,
	UnitMonths:  true,
}

// validateTrigger checks that exactly one trigger kind's fields are
// populated and that they parse.
func validateTrigger(kind TriggerKind, unit IntervalUnit, amount int, cronExpr string) error {
	switch kind {
	case TriggerOnce:
		if unit != "" || amount != 0 || cronExpr != "" {
			return fault.New(fault.ParameterInvalid, "ONCE trigger must not carry interval or cron fields")
		}
	case TriggerInterval:
		if cronExpr != "" {
			return fault.New(fault.ParameterInvalid, "INTERVAL trigger must not carry a cron expression")
		}
		if !validUnits[unit] {
			return fault.Newf(fault.ParameterInvalid, "invalid interval unit %q", unit)
		}
		if amount < 1 {
			return fault.Newf(fault.ParameterInvalid, "interval amount must be at least 1, got %d", amount)
		}
	case TriggerCron:
		if unit != "" || amount != 0 {
			return fault.New(fault.ParameterInvalid, "CRON trigger must not carry interval fields")
		}
		if _, err := parseCron(cronExpr); err != nil {
			return fault.Wrap(fault.ParameterInvalid, "invalid cron expression "+cronExpr, err)
		}
	default:
		return fault.Newf(fault.ParameterInvalid, "unknown trigger kind %q", kind)
	}
	return nil
}
