package scheduler

import (
	"testing"
	"time"
)

func TestNormalizeSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "cron", raw: "*/15 * * * *", want: "*/15 * * * *"},
		{name: "hourly cron", raw: "0 * * * *", want: "0 * * * *"},
		{name: "prefixed cron", raw: "cron:30 2 * * *", want: "30 2 * * *"},
		{name: "descriptor", raw: "@hourly", want: "@hourly"},
		{name: "duration", raw: "10m", want: "@every 10m0s"},
		{name: "prefixed interval", raw: "every:45s", want: "@every 45s"},
		{name: "hhmm", raw: "01:30", want: "@every 1h30m0s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeSchedule(tt.raw)
			if err != nil {
				t.Fatalf("NormalizeSchedule(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("NormalizeSchedule(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "61 * * * *", "* * * *", "0 0 * * * *", "00:75", "-5m"} {
		if _, err := NormalizeSchedule(raw); err == nil {
			t.Fatalf("NormalizeSchedule(%q) expected error", raw)
		}
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()
	from := time.Date(2024, 3, 1, 10, 7, 0, 0, time.UTC)
	got, err := NextRuns("*/15 * * * *", from, 3)
	if err != nil {
		t.Fatalf("NextRuns error: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 10, 45, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("NextRuns len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("NextRuns[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
