package workflow

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CronDue reports whether a standard five-field cron expression has a
// fire time at or before now, measured from the last run (or the
// workflow's creation when it has never run).
func CronDue(expr string, lastRun *time.Time, createdAt, now time.Time) (bool, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	from := createdAt
	if lastRun != nil {
		from = *lastRun
	}
	next := sched.Next(from)
	return !next.After(now), nil
}

// RelativeDue reports whether a record's date field, shifted by the
// configured offset, has passed. Direction "before" fires ahead of the
// field date, "after" behind it. Records without a parseable field
// value are never due.
func RelativeDue(cfg TriggerConfig, record map[string]any, now time.Time) bool {
	if cfg.DateField == "" {
		return false
	}
	fieldTime, ok := parseTime(ResolvePath(record, cfg.DateField))
	if !ok {
		return false
	}
	offset := time.Duration(cfg.OffsetSeconds) * time.Second
	var due time.Time
	switch cfg.Direction {
	case "before":
		due = fieldTime.Add(-offset)
	default: // "after" or unset
		due = fieldTime.Add(offset)
	}
	return !due.After(now)
}
