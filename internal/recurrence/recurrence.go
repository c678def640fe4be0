// Package recurrence implements two pure functions: BuildCronSpec derives
// a 5-field cron expression from a ScheduledJob's schedule_type/
// schedule_config, and NextFireAfter computes the next fire instant after
// a reference time, in the job's timezone, converted to UTC for storage.
//
// NextFireAfter delegates cron-field matching to robfig/cron/v3's
// standard parser rather than reimplementing day-of-month/day-of-week
// scanning, so the same library code that drives the live dispatcher also
// derives the next-fire prediction used for storage and display.
package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/scrapesched/internal/errs"
	"github.com/jholhewres/scrapesched/internal/model"
)

// BuildCronSpec maps (schedule_type, schedule_config) to a 5-field cron
// expression.
func BuildCronSpec(job *model.ScheduledJob) (string, error) {
	cfg := job.ScheduleConfig
	switch job.ScheduleType {
	case model.ScheduleInterval:
		return buildInterval(cfg)
	case model.ScheduleHourly:
		return "0 * * * *", nil
	case model.ScheduleDaily:
		mm, hh, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %d * * *", mm, hh), nil
	case model.ScheduleWeekly:
		mm, hh, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		if len(cfg.Days) == 0 {
			return "", errs.New(errs.KindScheduleConfigInvalid, "weekly schedule requires non-empty days")
		}
		days := make([]int, len(cfg.Days))
		copy(days, cfg.Days)
		sort.Ints(days)
		parts := make([]string, 0, len(days))
		for _, d := range days {
			if d < 0 || d > 6 {
				return "", errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("weekly day %d out of range 0..6", d))
			}
			parts = append(parts, strconv.Itoa(d))
		}
		return fmt.Sprintf("%d %d * * %s", mm, hh, strings.Join(parts, ",")), nil
	case model.ScheduleMonthly:
		mm, hh, err := parseHHMM(cfg.Time)
		if err != nil {
			return "", err
		}
		if cfg.Date < 1 || cfg.Date > 31 {
			return "", errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("monthly date %d out of range 1..31", cfg.Date))
		}
		return fmt.Sprintf("%d %d %d * *", mm, hh, cfg.Date), nil
	default:
		return "", errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("unknown schedule_type %q", job.ScheduleType))
	}
}

func buildInterval(cfg model.ScheduleConfig) (string, error) {
	if cfg.Interval < 1 {
		return "", errs.New(errs.KindScheduleConfigInvalid, "interval must be >= 1")
	}
	switch cfg.Unit {
	case "minutes":
		return fmt.Sprintf("*/%d * * * *", cfg.Interval), nil
	case "hours":
		return fmt.Sprintf("0 */%d * * *", cfg.Interval), nil
	case "days":
		return fmt.Sprintf("0 0 */%d * *", cfg.Interval), nil
	default:
		return "", errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("interval unit %q must be one of minutes, hours, days", cfg.Unit))
	}
}

func parseHHMM(s string) (minute, hour int, err error) {
	if s == "" {
		return 0, 0, errs.New(errs.KindScheduleConfigInvalid, "time (HH:MM) is required")
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("time %q must be HH:MM", s))
	}
	hour, errH := strconv.Atoi(parts[0])
	minute, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errs.New(errs.KindScheduleConfigInvalid, fmt.Sprintf("time %q must be HH:MM in range", s))
	}
	return minute, hour, nil
}

// NextFireAfter computes the smallest instant strictly greater than ref,
// interpreted in the job's timezone, satisfying the job's recurrence,
// converted back to UTC for storage.
func NextFireAfter(job *model.ScheduledJob, ref time.Time) (time.Time, error) {
	spec, err := BuildCronSpec(job)
	if err != nil {
		return time.Time{}, err
	}

	loc, err := loadLocation(job.Timezone)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindScheduleConfigInvalid, fmt.Sprintf("unknown timezone %q", job.Timezone), err)
	}

	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindScheduleConfigInvalid, fmt.Sprintf("invalid cron spec %q", spec), err)
	}

	next := schedule.Next(ref.In(loc))
	return next.UTC(), nil
}

func loadLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(tz)
}
