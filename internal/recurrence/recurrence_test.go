package recurrence

import (
	"testing"
	"time"

	"github.com/jholhewres/scrapesched/internal/model"
)

func mustParse(t *testing.T, layout, value string) time.Time {
	t.Helper()
	tm, err := time.Parse(layout, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return tm
}

func TestBuildCronSpecAndNextFire(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		job      *model.ScheduledJob
		ref      string
		wantCron string
		wantNext string
	}{
		{
			name: "daily schedule",
			job: &model.ScheduledJob{
				ScheduleType:   model.ScheduleDaily,
				ScheduleConfig: model.ScheduleConfig{Time: "09:30"},
				Timezone:       "America/New_York",
			},
			ref:      "2024-01-01T08:00:00-05:00",
			wantCron: "30 9 * * *",
			wantNext: "2024-01-01T14:30:00Z",
		},
		{
			name: "weekly multiple days",
			job: &model.ScheduledJob{
				ScheduleType:   model.ScheduleWeekly,
				ScheduleConfig: model.ScheduleConfig{Time: "09:00", Days: []int{1, 3, 5}},
				Timezone:       "UTC",
			},
			ref:      "2024-01-07T12:00:00Z",
			wantCron: "0 9 * * 1,3,5",
			wantNext: "2024-01-08T09:00:00Z",
		},
		{
			name: "interval 15 minutes",
			job: &model.ScheduledJob{
				ScheduleType:   model.ScheduleInterval,
				ScheduleConfig: model.ScheduleConfig{Interval: 15, Unit: "minutes"},
				Timezone:       "UTC",
			},
			ref:      "2024-01-01T12:07:00Z",
			wantCron: "*/15 * * * *",
			wantNext: "2024-01-01T12:15:00Z",
		},
		{
			name: "hourly",
			job: &model.ScheduledJob{
				ScheduleType: model.ScheduleHourly,
				Timezone:     "UTC",
			},
			ref:      "2024-01-01T12:07:00Z",
			wantCron: "0 * * * *",
			wantNext: "2024-01-01T13:00:00Z",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			spec, err := BuildCronSpec(tc.job)
			if err != nil {
				t.Fatalf("BuildCronSpec: %v", err)
			}
			if spec != tc.wantCron {
				t.Fatalf("BuildCronSpec = %q, want %q", spec, tc.wantCron)
			}

			ref := mustParse(t, time.RFC3339, tc.ref)
			next, err := NextFireAfter(tc.job, ref)
			if err != nil {
				t.Fatalf("NextFireAfter: %v", err)
			}
			want := mustParse(t, time.RFC3339, tc.wantNext)
			if !next.Equal(want) {
				t.Fatalf("NextFireAfter = %s, want %s", next.Format(time.RFC3339), want.Format(time.RFC3339))
			}
		})
	}
}

// TestMonthlyNonexistentDateSkipsNotClamps verifies that date=31 fires
// only in months that have 31 days; it is never clamped to month-end.
func TestMonthlyNonexistentDateSkipsNotClamps(t *testing.T) {
	t.Parallel()

	job := &model.ScheduledJob{
		ScheduleType:   model.ScheduleMonthly,
		ScheduleConfig: model.ScheduleConfig{Time: "00:00", Date: 31},
		Timezone:       "UTC",
	}

	spec, err := BuildCronSpec(job)
	if err != nil {
		t.Fatalf("BuildCronSpec: %v", err)
	}
	if spec != "0 0 31 * *" {
		t.Fatalf("BuildCronSpec = %q, want %q", spec, "0 0 31 * *")
	}

	ref := mustParse(t, time.RFC3339, "2024-01-15T00:00:00Z")
	wantFires := []string{
		"2024-01-31T00:00:00Z",
		"2024-03-31T00:00:00Z",
		"2024-05-31T00:00:00Z",
		"2024-07-31T00:00:00Z",
		"2024-08-31T00:00:00Z",
	}

	cur := ref
	for i, want := range wantFires {
		next, err := NextFireAfter(job, cur)
		if err != nil {
			t.Fatalf("NextFireAfter[%d]: %v", i, err)
		}
		wantTime := mustParse(t, time.RFC3339, want)
		if !next.Equal(wantTime) {
			t.Fatalf("fire[%d] = %s, want %s", i, next.Format(time.RFC3339), want)
		}
		cur = next
	}
}

func TestBuildCronSpecInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  *model.ScheduledJob
	}{
		{"missing daily time", &model.ScheduledJob{ScheduleType: model.ScheduleDaily}},
		{"weekly no days", &model.ScheduledJob{ScheduleType: model.ScheduleWeekly, ScheduleConfig: model.ScheduleConfig{Time: "09:00"}}},
		{"interval zero", &model.ScheduledJob{ScheduleType: model.ScheduleInterval, ScheduleConfig: model.ScheduleConfig{Interval: 0, Unit: "minutes"}}},
		{"interval bad unit", &model.ScheduledJob{ScheduleType: model.ScheduleInterval, ScheduleConfig: model.ScheduleConfig{Interval: 5, Unit: "fortnights"}}},
		{"monthly date out of range", &model.ScheduledJob{ScheduleType: model.ScheduleMonthly, ScheduleConfig: model.ScheduleConfig{Time: "00:00", Date: 32}}},
		{"unknown schedule type", &model.ScheduledJob{ScheduleType: "yearly"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := BuildCronSpec(tc.job); err == nil {
				t.Fatalf("expected error, got nil")
			}
		})
	}
}
