package scheduler

import (
	"context"
	"fmt"

	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/metrics"
)

// RecoveryReport summarizes a crash recovery pass.
type RecoveryReport struct {
	// Recovered counts RUNNING events returned to a schedulable state.
	Recovered int

	// ClosedExecutions counts execution records closed as crash failures.
	ClosedExecutions int

	// Advanced counts past-due recurring events whose next fire was moved
	// forward without firing.
	Advanced int

	// SkippedFires is the total missed windows counted across all
	// recovered and advanced events.
	SkippedFires int

	// PrunedExecutions counts execution records deleted by retention.
	PrunedExecutions int
}

// Recover repairs scheduler state after an unclean stop. Events found
// RUNNING with an open execution record were interrupted mid-fire: the
// execution closes as FAILURE with kind CRASH_RECOVERY, recurring events
// return to PENDING with their next fire strictly in the future, and
// one-shots become FAILED. Past-due PENDING recurring events advance the
// same way. Missed windows are counted, never replayed. Runs before the
// loop starts.
func (s *Scheduler) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := s.now()
	report := &RecoveryReport{}

	stuck, err := s.store.StuckRunning(ctx)
	if err != nil {
		return nil, err
	}

	for _, e := range stuck {
		closed, err := s.store.CloseOpenExecutions(ctx, e.ID, "CRASH_RECOVERY",
			"execution interrupted by unclean shutdown", now)
		if err != nil {
			return report, err
		}
		report.ClosedExecutions += closed

		if e.Recurring {
			next, skipped, aerr := advancePast(e, now)
			if aerr != nil {
				return report, fmt.Errorf("failed to advance event %s during recovery; %w", e.ID, aerr)
			}
			if err := s.store.Transition(ctx, e.ID, []Status{StatusRunning}, StatusPending, &next, true); err != nil {
				return report, err
			}
			if skipped > 0 {
				if err := s.store.IncrementMissed(ctx, e.ID, skipped, &next); err != nil {
					return report, err
				}
				report.SkippedFires += skipped
			}
			s.logger.Warn("recovered interrupted recurring event",
				"event_id", e.ID, "name", e.Name, "next_fire_at", next, "skipped", skipped)
		} else {
			// Leave next_fire_at as the fire time the event was interrupted
			// at; only COMPLETED and CANCELLED clear the schedule.
			if err := s.store.Transition(ctx, e.ID, []Status{StatusRunning}, StatusFailed, nil, false); err != nil {
				return report, err
			}
			s.logger.Warn("recovered interrupted one-shot event, marked failed",
				"event_id", e.ID, "name", e.Name)
		}

		report.Recovered++
		metrics.SchedulerRecoveredEvents.Inc()
		s.publish(events.NewEvent(events.EventRecovered, events.FirePayload{
			EventID:      e.ID,
			EventName:    e.Name,
			FunctionName: e.FunctionName,
		}))
	}

	pastDue, err := s.store.PastDueRecurring(ctx, now)
	if err != nil {
		return report, err
	}
	for _, e := range pastDue {
		next, skipped, aerr := advancePast(e, now)
		if aerr != nil {
			return report, fmt.Errorf("failed to advance past-due event %s; %w", e.ID, aerr)
		}
		if skipped > 0 {
			if err := s.store.IncrementMissed(ctx, e.ID, skipped, &next); err != nil {
				return report, err
			}
			report.Advanced++
			report.SkippedFires += skipped
		}
	}

	if s.cfg.ExecutionRetention > 0 {
		pruned, err := s.store.PruneExecutions(ctx, now.Add(-s.cfg.ExecutionRetention))
		if err != nil {
			return report, err
		}
		report.PrunedExecutions = pruned
	}

	if report.Recovered > 0 || report.Advanced > 0 || report.PrunedExecutions > 0 {
		s.logger.Info("scheduler recovery complete",
			"recovered", report.Recovered,
			"advanced", report.Advanced,
			"skipped_fires", report.SkippedFires,
			"pruned_executions", report.PrunedExecutions,
		)
	}
	return report, nil
}
