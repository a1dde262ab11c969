// schedule.go parses and validates schedule values and computes next
// occurrences. Uses robfig/cron for cron expressions (standard
// 5-field syntax, evaluated in local time).
package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/store"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSchedule rejects malformed schedule values before anything
// is persisted. Invalid input is an error, never silently coerced.
func ValidateSchedule(scheduleType, value string) error {
	switch scheduleType {
	case store.ScheduleCron:
		if _, err := cronParser.Parse(value); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid interval %q: must be an integer of milliseconds", value)
		}
		if ms <= 0 {
			return fmt.Errorf("invalid interval %q: must be positive", value)
		}
	case store.ScheduleOnce:
		if _, err := parseOnceTime(value, time.Now()); err != nil {
			return fmt.Errorf("invalid timestamp %q: %w", value, err)
		}
	default:
		return fmt.Errorf("unknown schedule type %q", scheduleType)
	}
	return nil
}

// FirstRun computes the initial next_run for a newly created task.
func FirstRun(scheduleType, value string, now time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now.Local())
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", value)
		}
		next := now.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		at, err := parseOnceTime(value, now)
		if err != nil {
			return nil, err
		}
		return &at, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
}

// NextAfterRun computes the occurrence following a run that completed
// at the given time. Nil means no further occurrence: a once task is
// done. Intervals reschedule from completion, not from the previous
// due time, so delayed executions stay deterministic.
func NextAfterRun(scheduleType, value string, completed time.Time) (*time.Time, error) {
	switch scheduleType {
	case store.ScheduleCron:
		sched, err := cronParser.Parse(value)
		if err != nil {
			return nil, err
		}
		next := sched.Next(completed.Local())
		return &next, nil
	case store.ScheduleInterval:
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("invalid interval %q", value)
		}
		next := completed.Add(time.Duration(ms) * time.Millisecond)
		return &next, nil
	case store.ScheduleOnce:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown schedule type %q", scheduleType)
}

// parseOnceTime parses the timestamp formats accepted for one-shot
// tasks: relative duration ("30m"), RFC3339, "2006-01-02 15:04", and
// "15:04" (today, or tomorrow if already past).
func parseOnceTime(value string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(value); err == nil {
		if d <= 0 {
			return time.Time{}, fmt.Errorf("duration must be positive")
		}
		return now.Add(d), nil
	}

	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}

	if t, err := time.ParseInLocation("2006-01-02 15:04", value, now.Location()); err == nil {
		return t, nil
	}

	if t, err := time.Parse("15:04", value); err == nil {
		target := time.Date(now.Year(), now.Month(), now.Day(),
			t.Hour(), t.Minute(), 0, 0, now.Location())
		if target.Before(now) {
			target = target.Add(24 * time.Hour)
		}
		return target, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized time format")
}
