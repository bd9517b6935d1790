package scheduler

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t.UTC()
}

func TestCronNextFire(t *testing.T) {
	e := &Event{TriggerKind: TriggerCron, CronExpression: "0 3 * * *"}

	next, err := nextFire(e, ts("2025-01-01T02:59:00Z"))
	if err != nil {
		t.Fatalf("nextFire() error = %v", err)
	}
	if !next.Equal(ts("2025-01-01T03:00:00Z")) {
		t.Errorf("next = %v, want 2025-01-01T03:00:00Z", next)
	}

	next, err = nextFire(e, *next)
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(ts("2025-01-02T03:00:00Z")) {
		t.Errorf("next = %v, want 2025-01-02T03:00:00Z", next)
	}
}

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		from   string
		months int
		want   string
	}{
		// Leap year February keeps 29.
		{"2024-01-31T12:00:00Z", 1, "2024-02-29T12:00:00Z"},
		{"2023-01-31T12:00:00Z", 1, "2023-02-28T12:00:00Z"},
		{"2024-03-31T00:00:00Z", 1, "2024-04-30T00:00:00Z"},
		{"2024-01-15T08:30:00Z", 1, "2024-02-15T08:30:00Z"},
		{"2024-11-30T00:00:00Z", 3, "2025-02-28T00:00:00Z"},
	}

	for _, tt := range tests {
		got := addMonths(ts(tt.from), tt.months)
		if !got.Equal(ts(tt.want)) {
			t.Errorf("addMonths(%s, %d) = %v, want %s", tt.from, tt.months, got, tt.want)
		}
	}
}

func TestAddInterval(t *testing.T) {
	from := ts("2025-06-01T00:00:00Z")
	tests := []struct {
		unit   IntervalUnit
		amount int
		want   string
	}{
		{UnitMinutes, 90, "2025-06-01T01:30:00Z"},
		{UnitHours, 6, "2025-06-01T06:00:00Z"},
		{UnitDays, 10, "2025-06-11T00:00:00Z"},
		{UnitWeeks, 2, "2025-06-15T00:00:00Z"},
		{UnitMonths, 1, "2025-07-01T00:00:00Z"},
	}

	for _, tt := range tests {
		got := addInterval(from, tt.unit, tt.amount)
		if !got.Equal(ts(tt.want)) {
			t.Errorf("addInterval(%s, %d) = %v, want %s", tt.unit, tt.amount, got, tt.want)
		}
	}
}

func TestAdvancePastCountsSkippedWindows(t *testing.T) {
	fire := ts("2025-01-01T00:00:00Z")
	e := &Event{
		TriggerKind:    TriggerInterval,
		IntervalUnit:   UnitHours,
		IntervalAmount: 1,
		NextFireAt:     &fire,
		Recurring:      true,
	}

	// Three whole windows fall between the stale fire time and now.
	next, skipped, err := advancePast(e, ts("2025-01-01T03:30:00Z"))
	if err != nil {
		t.Fatalf("advancePast() error = %v", err)
	}
	if !next.Equal(ts("2025-01-01T04:00:00Z")) {
		t.Errorf("next = %v, want 04:00", next)
	}
	if skipped != 4 {
		t.Errorf("skipped = %d, want 4", skipped)
	}
}

func TestAdvancePastFutureFireUnchanged(t *testing.T) {
	fire := ts("2025-01-01T05:00:00Z")
	e := &Event{
		TriggerKind:    TriggerInterval,
		IntervalUnit:   UnitHours,
		IntervalAmount: 1,
		NextFireAt:     &fire,
		Recurring:      true,
	}

	next, skipped, err := advancePast(e, ts("2025-01-01T03:30:00Z"))
	if err != nil {
		t.Fatal(err)
	}
	if !next.Equal(fire) || skipped != 0 {
		t.Errorf("next = %v skipped = %d, want unchanged fire and 0", next, skipped)
	}
}

func TestValidateTrigger(t *testing.T) {
	tests := []struct {
		name    string
		kind    TriggerKind
		unit    IntervalUnit
		amount  int
		cron    string
		wantErr bool
	}{
		{"once clean", TriggerOnce, "", 0, "", false},
		{"once with interval fields", TriggerOnce, UnitDays, 1, "", true},
		{"interval clean", TriggerInterval, UnitDays, 1, "", false},
		{"interval zero amount", TriggerInterval, UnitDays, 0, "", true},
		{"interval bad unit", TriggerInterval, "fortnights", 1, "", true},
		{"interval with cron", TriggerInterval, UnitDays, 1, "* * * * *", true},
		{"cron clean", TriggerCron, "", 0, "0 3 * * *", false},
		{"cron invalid expression", TriggerCron, "", 0, "99 99 * *", true},
		{"cron with interval fields", TriggerCron, UnitDays, 1, "0 3 * * *", true},
		{"unknown kind", TriggerKind("WHENEVER"), "", 0, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTrigger(tt.kind, tt.unit, tt.amount, tt.cron)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateTrigger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
