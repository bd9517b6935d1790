package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parseCron parses a standard 5-field cron expression.
func parseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// addInterval advances t by amount units. Month arithmetic is calendar
// based: the day of month is preserved when possible and clamped to the
// last day of a shorter target month (Jan 31 + 1 month is Feb 29 in a
// leap year). Everything is computed in UTC.
func addInterval(t time.Time, unit IntervalUnit, amount int) time.Time {
	t = t.UTC()
	switch unit {
	case UnitMinutes:
		return t.Add(time.Duration(amount) * time.Minute)
	case UnitHours:
		return t.Add(time.Duration(amount) * time.Hour)
	case UnitDays:
		return t.Add(time.Duration(amount) * 24 * time.Hour)
	case UnitWeeks:
		return t.Add(time.Duration(amount) * 7 * 24 * time.Hour)
	case UnitMonths:
		return addMonths(t, amount)
	default:
		return t
	}
}

// addMonths adds calendar months with end-of-month clamping. time.AddDate
// normalizes overflow (Jan 31 + 1 month becomes Mar 2/3), which is not the
// calendar semantics events expect, so the target day is clamped
// explicitly.
func addMonths(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, minute, sec := t.Clock()

	firstOfTarget := time.Date(year, month+time.Month(months), 1, hour, minute, sec, t.Nanosecond(), time.UTC)
	lastDay := daysIn(firstOfTarget.Year(), firstOfTarget.Month())
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, minute, sec, t.Nanosecond(), time.UTC)
}

// daysIn returns the number of days in a month.
func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// nextFire computes an event's fire time strictly after from. ONCE events
// have no next fire; the first return is nil.
func nextFire(e *Event, from time.Time) (*time.Time, error) {
	from = from.UTC()
	switch e.TriggerKind {
	case TriggerOnce:
		return nil, nil
	case TriggerInterval:
		next := addInterval(from, e.IntervalUnit, e.IntervalAmount)
		return &next, nil
	case TriggerCron:
		sched, err := parseCron(e.CronExpression)
		if err != nil {
			return nil, err
		}
		next := sched.Next(from).UTC()
		return &next, nil
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", e.TriggerKind)
	}
}

// advanceRecoveryCap bounds the advance loop for pathological schedules.
const advanceRecoveryCap = 100000

// advancePast computes the first valid fire strictly greater than now for
// a recurring event whose NextFireAt has fallen into the past, counting
// the skipped windows. Missed windows are never replayed.
func advancePast(e *Event, now time.Time) (next time.Time, skipped int, err error) {
	now = now.UTC()

	if e.NextFireAt == nil {
		n, err := nextFire(e, now)
		if err != nil || n == nil {
			return time.Time{}, 0, err
		}
		return *n, 0, nil
	}

	next = e.NextFireAt.UTC()
	for !next.After(now) {
		n, err := nextFire(e, next)
		if err != nil || n == nil {
			return time.Time{}, skipped, err
		}
		skipped++
		next = *n

		if skipped >= advanceRecoveryCap {
			// Give up stepping and jump from now.
			n, err := nextFire(e, now)
			if err != nil || n == nil {
				return time.Time{}, skipped, err
			}
			return *n, skipped, nil
		}
	}
	return next, skipped, nil
}
