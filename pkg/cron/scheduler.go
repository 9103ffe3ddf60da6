package cron

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var exprParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a schedule without computing a run time.
func ValidateSchedule(schedule Schedule) error {
	switch schedule.Kind {
	case ScheduleKindAt:
		if schedule.AtMs <= 0 {
			return fmt.Errorf("%w: 'at' schedule requires 'atMs'", ErrInvalidSchedule)
		}
	case ScheduleKindEvery:
		if schedule.EveryMs <= 0 {
			return fmt.Errorf("%w: 'every' schedule requires positive 'everyMs' value", ErrInvalidSchedule)
		}
	case ScheduleKindCron:
		if schedule.Expr == "" {
			return fmt.Errorf("%w: 'cron' schedule requires 'expr' field", ErrInvalidSchedule)
		}
		if _, err := exprParser.Parse(schedule.Expr); err != nil {
			return fmt.Errorf("%w: invalid cron expression: %v", ErrInvalidSchedule, err)
		}
		if schedule.TZ != "" {
			if _, err := time.LoadLocation(schedule.TZ); err != nil {
				return fmt.Errorf("%w: invalid timezone: %v", ErrInvalidSchedule, err)
			}
		}
	default:
		return fmt.Errorf("%w: unknown schedule kind: %q", ErrInvalidSchedule, schedule.Kind)
	}
	return nil
}

// NextRun returns the first boundary of schedule strictly after after.
// ok is false when the schedule has no further boundary.
func NextRun(schedule Schedule, after time.Time, loc *time.Location) (next int64, ok bool, err error) {
	if err := ValidateSchedule(schedule); err != nil {
		return 0, false, err
	}

	switch schedule.Kind {
	case ScheduleKindAt:
		if schedule.AtMs > after.UnixMilli() {
			return schedule.AtMs, true, nil
		}
		return 0, false, nil

	case ScheduleKindEvery:
		return after.UnixMilli() + schedule.EveryMs, true, nil

	default:
		sched, _ := exprParser.Parse(schedule.Expr)
		if schedule.TZ != "" {
			loc, _ = time.LoadLocation(schedule.TZ)
		}
		if loc == nil {
			loc = time.Local
		}
		t := sched.Next(after.In(loc))
		if t.IsZero() {
			return 0, false, nil
		}
		return t.UnixMilli(), true, nil
	}
}

// advance returns the boundary following a firing of scheduled at now. It
// is strictly after both; a job that missed several boundaries fires once
// and resumes on the next future boundary. Interval jobs keep their phase.
func advance(schedule Schedule, scheduledMs int64, now time.Time, loc *time.Location) (int64, bool, error) {
	nowMs := now.UnixMilli()
	if schedule.Kind == ScheduleKindEvery && schedule.EveryMs > 0 {
		if nowMs < scheduledMs {
			return scheduledMs + schedule.EveryMs, true, nil
		}
		periods := (nowMs-scheduledMs)/schedule.EveryMs + 1
		return scheduledMs + periods*schedule.EveryMs, true, nil
	}

	base := now
	if scheduledMs > nowMs {
		base = time.UnixMilli(scheduledMs)
	}
	return NextRun(schedule, base, loc)
}

// DedupeKey identifies one firing of a job across redeliveries.
func DedupeKey(jobID string, scheduledMs int64) string {
	return fmt.Sprintf("cron:%s:%d", jobID, scheduledMs)
}

// ParseDedupeKey splits a key built by DedupeKey. ok is false for keys of
// any other origin.
func ParseDedupeKey(key string) (jobID string, scheduledMs int64, ok bool) {
	rest, found := strings.CutPrefix(key, "cron:")
	if !found {
		return "", 0, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return "", 0, false
	}
	ms, err := strconv.ParseInt(rest[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:i], ms, true
}
