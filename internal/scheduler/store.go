package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chassisd/chassis/internal/fault"
	"github.com/chassisd/chassis/internal/storage"
)

// Tables are the scheduler's table declarations. The core.scheduler module
// declares them for the framework database.
var Tables = []storage.Table{
	{
		Name: "scheduler_events",
		DDL: `CREATE TABLE scheduler_events (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			function_name   TEXT NOT NULL,
			module_id       TEXT NOT NULL DEFAULT '',
			parameters      TEXT NOT NULL DEFAULT '{}',
			trigger_kind    TEXT NOT NULL,
			interval_unit   TEXT NOT NULL DEFAULT '',
			interval_amount INTEGER NOT NULL DEFAULT 0,
			cron_expression TEXT NOT NULL DEFAULT '',
			next_fire_at    TIMESTAMP,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL,
			last_fired_at   TIMESTAMP,
			status          TEXT NOT NULL,
			recurring       INTEGER NOT NULL DEFAULT 0,
			missed_fires    INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER NOT NULL DEFAULT 0
		)`,
	},
	{
		Name: "idx_scheduler_events_due",
		DDL:  `CREATE INDEX idx_scheduler_events_due ON scheduler_events (status, next_fire_at)`,
	},
	{
		Name: "scheduler_executions",
		DDL: `CREATE TABLE scheduler_executions (
			id             TEXT PRIMARY KEY,
			event_id       TEXT NOT NULL REFERENCES scheduler_events(id),
			started_at     TIMESTAMP NOT NULL,
			ended_at       TIMESTAMP,
			outcome        TEXT NOT NULL DEFAULT '',
			result_summary TEXT NOT NULL DEFAULT '{}',
			error_kind     TEXT NOT NULL DEFAULT '',
			error_message  TEXT NOT NULL DEFAULT ''
		)`,
	},
	{
		Name: "idx_scheduler_executions_event",
		DDL:  `CREATE INDEX idx_scheduler_executions_event ON scheduler_executions (event_id, started_at)`,
	},
}

// eventColumns is the select list every event scan uses.
const eventColumns = `id, name, description, function_name, module_id, parameters,
	trigger_kind, interval_unit, interval_amount, cron_expression,
	next_fire_at, created_at, updated_at, last_fired_at,
	status, recurring, missed_fires, timeout_seconds`

// Store persists events and execution records in one database.
type Store struct {
	db *storage.DB
}

// NewStore creates a store over an open database.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the scheduler tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.db.CreateTables(ctx, Tables); err != nil {
		return fault.Wrap(fault.StorageError, "failed to ensure scheduler tables", err)
	}
	return nil
}

// scanner abstracts sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanEvent reads one event row.
func scanEvent(row scanner) (*Event, error) {
	var (
		e          Event
		params     string
		nextFireAt sql.NullTime
		lastFired  sql.NullTime
		recurring  int
	)
	err := row.Scan(&e.ID, &e.Name, &e.Description, &e.FunctionName, &e.ModuleID, &params,
		&e.TriggerKind, &e.IntervalUnit, &e.IntervalAmount, &e.CronExpression,
		&nextFireAt, &e.CreatedAt, &e.UpdatedAt, &lastFired,
		&e.Status, &recurring, &e.MissedFires, &e.TimeoutSeconds)
	if err != nil {
		return nil, err
	}

	if params != "" {
		if err := json.Unmarshal([]byte(params), &e.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode event parameters; %w", err)
		}
	}
	if nextFireAt.Valid {
		t := nextFireAt.Time.UTC()
		e.NextFireAt = &t
	}
	if lastFired.Valid {
		t := lastFired.Time.UTC()
		e.LastFiredAt = &t
	}
	e.Recurring = recurring != 0
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

// encodeParams marshals a parameters map for storage.
func encodeParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", fault.Wrap(fault.ParameterInvalid, "event parameters are not JSON-serializable", err)
	}
	return string(data), nil
}

// nullTime converts an optional time for storage.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// boolInt converts a bool for storage.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// CreateEvent inserts a new event row.
func (s *Store) CreateEvent(ctx context.Context, e *Event) error {
	params, err := encodeParams(e.Parameters)
	if err != nil {
		return err
	}

	_, err = s.db.Handle().ExecContext(ctx, `
		INSERT INTO scheduler_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Name, e.Description, e.FunctionName, e.ModuleID, params,
		e.TriggerKind, e.IntervalUnit, e.IntervalAmount, e.CronExpression,
		nullTime(e.NextFireAt), e.CreatedAt.UTC(), e.UpdatedAt.UTC(), nullTime(e.LastFiredAt),
		e.Status, boolInt(e.Recurring), e.MissedFires, e.TimeoutSeconds)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to insert event", err)
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := s.db.Handle().QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM scheduler_events WHERE id = ?`, id)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.NotFound, "event %q not found", id)
	}
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query event", err)
	}
	return e, nil
}

// ListEvents returns events matching the filter, newest first.
func (s *Store) ListEvents(ctx context.Context, filter Filter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM scheduler_events WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if filter.ModuleID != "" {
		query += ` AND module_id = ?`
		args = append(args, filter.ModuleID)
	}
	if filter.FunctionName != "" {
		query += ` AND function_name = ?`
		args = append(args, filter.FunctionName)
	}
	if filter.Recurring != nil {
		query += ` AND recurring = ?`
		args = append(args, boolInt(*filter.Recurring))
	}

	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Handle().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to list events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan event row", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate event rows", err)
	}
	return out, nil
}

// UpdateEvent rewrites an event's mutable columns.
func (s *Store) UpdateEvent(ctx context.Context, e *Event) error {
	params, err := encodeParams(e.Parameters)
	if err != nil {
		return err
	}

	res, err := s.db.Handle().ExecContext(ctx, `
		UPDATE scheduler_events SET
			description = ?, parameters = ?,
			trigger_kind = ?, interval_unit = ?, interval_amount = ?, cron_expression = ?,
			next_fire_at = ?, updated_at = ?, last_fired_at = ?,
			status = ?, recurring = ?, missed_fires = ?, timeout_seconds = ?
		WHERE id = ?
	`, e.Description, params,
		e.TriggerKind, e.IntervalUnit, e.IntervalAmount, e.CronExpression,
		nullTime(e.NextFireAt), time.Now().UTC(), nullTime(e.LastFiredAt),
		e.Status, boolInt(e.Recurring), e.MissedFires, e.TimeoutSeconds, e.ID)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to update event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "event %q not found", e.ID)
	}
	return nil
}

// DueEvents returns PENDING events whose next fire is at or before now,
// ordered by next fire time with event id breaking ties.
func (s *Store) DueEvents(ctx context.Context, now time.Time, limit int) ([]*Event, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+eventColumns+` FROM scheduler_events
		WHERE status = ? AND next_fire_at IS NOT NULL AND next_fire_at <= ?
		ORDER BY next_fire_at, id
		LIMIT ?
	`, StatusPending, now.UTC(), limit)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query due events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan due event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate due events", err)
	}
	return out, nil
}

// Transition moves an event from one of the allowed states to another,
// optionally rewriting next_fire_at (pass updateNext true to apply next,
// including setting it to nil). The guard is optimistic: zero rows
// affected means the event was not in an allowed state, and the current
// state is returned in the error.
func (s *Store) Transition(ctx context.Context, id string, from []Status, to Status, next *time.Time, updateNext bool) error {
	query := `UPDATE scheduler_events SET status = ?, updated_at = ?`
	args := []any{to, time.Now().UTC()}
	if updateNext {
		query += `, next_fire_at = ?`
		args = append(args, nullTime(next))
	}
	query += ` WHERE id = ? AND status IN (`
	args = append(args, id)
	for i, st := range from {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, st)
	}
	query += `)`

	res, err := s.db.Handle().ExecContext(ctx, query, args...)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to transition event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		current, err := s.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		if current.Status == StatusRunning {
			return fault.Newf(fault.AlreadyRunning, "event %q is running", id)
		}
		return fault.Newf(fault.ParameterInvalid,
			"event %q is %s, cannot transition to %s", id, current.Status, to).
			WithDetail("status", string(current.Status))
	}
	return nil
}

// IncrementMissed bumps the missed-fire counter and advances next_fire_at,
// used when a due event is skipped rather than executed.
func (s *Store) IncrementMissed(ctx context.Context, id string, by int, next *time.Time) error {
	_, err := s.db.Handle().ExecContext(ctx, `
		UPDATE scheduler_events
		SET missed_fires = missed_fires + ?, next_fire_at = ?, updated_at = ?
		WHERE id = ?
	`, by, nullTime(next), time.Now().UTC(), id)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to record missed fire", err)
	}
	return nil
}

// StartExecution atomically marks a PENDING or RUNNING-eligible event
// RUNNING and inserts its execution record. The from guard makes
// concurrent dispatchers race safely: the loser gets ALREADY_RUNNING.
func (s *Store) StartExecution(ctx context.Context, eventID string, exec *Execution, from []Status) error {
	tx, err := s.db.Handle().BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE scheduler_events SET status = ?, updated_at = ? WHERE id = ? AND status IN (`
	args := []any{StatusRunning, time.Now().UTC(), eventID}
	for i, st := range from {
		if i > 0 {
			query += `, `
		}
		query += `?`
		args = append(args, st)
	}
	query += `)`

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to mark event running", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.AlreadyRunning, "event %q is not eligible to run", eventID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scheduler_executions (id, event_id, started_at)
		VALUES (?, ?, ?)
	`, exec.ID, eventID, exec.StartedAt.UTC())
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to insert execution record", err)
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.StorageError, "failed to commit execution start", err)
	}
	return nil
}

// FinishExecution persists an execution outcome and the event's next state
// in one transaction. The event row is only rewritten while still RUNNING;
// a verb that moved it meanwhile (cancel during a run) wins, except that
// last_fired_at and the fire bookkeeping always land.
func (s *Store) FinishExecution(ctx context.Context, exec *Execution, eventID string, nextStatus Status, nextFireAt *time.Time, firedAt time.Time, missedDelta int) error {
	summary := "{}"
	if exec.ResultSummary != nil {
		data, err := json.Marshal(exec.ResultSummary)
		if err == nil {
			summary = string(data)
		}
	}

	tx, err := s.db.Handle().BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE scheduler_executions
		SET ended_at = ?, outcome = ?, result_summary = ?, error_kind = ?, error_message = ?
		WHERE id = ?
	`, nullTime(exec.EndedAt), exec.Outcome, summary, exec.ErrorKind, exec.ErrorMessage, exec.ID)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to update execution record", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE scheduler_events
		SET status = ?, next_fire_at = ?, last_fired_at = ?, missed_fires = missed_fires + ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, nextStatus, nullTime(nextFireAt), firedAt.UTC(), missedDelta, time.Now().UTC(), eventID, StatusRunning)
	if err != nil {
		return fault.Wrap(fault.StorageError, "failed to update event after execution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// A verb changed the event mid-run; keep its state, record the fire.
		_, err = tx.ExecContext(ctx, `
			UPDATE scheduler_events SET last_fired_at = ?, updated_at = ? WHERE id = ?
		`, firedAt.UTC(), time.Now().UTC(), eventID)
		if err != nil {
			return fault.Wrap(fault.StorageError, "failed to record fire time", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fault.Wrap(fault.StorageError, "failed to commit execution finish", err)
	}
	return nil
}

// Executions returns an event's execution records, most recent first.
func (s *Store) Executions(ctx context.Context, eventID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT id, event_id, started_at, ended_at, outcome, result_summary, error_kind, error_message
		FROM scheduler_executions
		WHERE event_id = ?
		ORDER BY started_at DESC, id
		LIMIT ?
	`, eventID, limit)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to list executions", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan execution row", err)
		}
		out = append(out, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate execution rows", err)
	}
	return out, nil
}

// scanExecution reads one execution row.
func scanExecution(row scanner) (*Execution, error) {
	var (
		exec    Execution
		ended   sql.NullTime
		summary string
	)
	err := row.Scan(&exec.ID, &exec.EventID, &exec.StartedAt, &ended,
		&exec.Outcome, &summary, &exec.ErrorKind, &exec.ErrorMessage)
	if err != nil {
		return nil, err
	}
	exec.StartedAt = exec.StartedAt.UTC()
	if ended.Valid {
		t := ended.Time.UTC()
		exec.EndedAt = &t
	}
	if summary != "" && summary != "{}" {
		_ = json.Unmarshal([]byte(summary), &exec.ResultSummary)
	}
	return &exec, nil
}

// StuckRunning returns events in RUNNING whose latest execution record has
// no ended_at, the signature of a crash mid-fire.
func (s *Store) StuckRunning(ctx context.Context) ([]*Event, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+eventColumns+` FROM scheduler_events WHERE status = ?
	`, StatusRunning)
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query running events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan running event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate running events", err)
	}
	return out, nil
}

// CloseOpenExecutions marks every execution of an event lacking ended_at
// as failed with the given error kind. Returns the number closed.
func (s *Store) CloseOpenExecutions(ctx context.Context, eventID, errorKind, message string, endedAt time.Time) (int, error) {
	res, err := s.db.Handle().ExecContext(ctx, `
		UPDATE scheduler_executions
		SET ended_at = ?, outcome = ?, error_kind = ?, error_message = ?
		WHERE event_id = ? AND ended_at IS NULL
	`, endedAt.UTC(), OutcomeFailure, errorKind, message, eventID)
	if err != nil {
		return 0, fault.Wrap(fault.StorageError, "failed to close open executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PastDueRecurring returns recurring PENDING events whose next fire is in
// the past, for recovery advancement.
func (s *Store) PastDueRecurring(ctx context.Context, now time.Time) ([]*Event, error) {
	rows, err := s.db.Handle().QueryContext(ctx, `
		SELECT `+eventColumns+` FROM scheduler_events
		WHERE status = ? AND recurring = 1 AND next_fire_at IS NOT NULL AND next_fire_at <= ?
	`, StatusPending, now.UTC())
	if err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to query past-due events", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fault.Wrap(fault.StorageError, "failed to scan past-due event", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.StorageError, "failed to iterate past-due events", err)
	}
	return out, nil
}

// PruneExecutions deletes execution records older than the cutoff.
func (s *Store) PruneExecutions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Handle().ExecContext(ctx, `
		DELETE FROM scheduler_executions WHERE started_at < ? AND ended_at IS NOT NULL
	`, cutoff.UTC())
	if err != nil {
		return 0, fault.Wrap(fault.StorageError, "failed to prune executions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
