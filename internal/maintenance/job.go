// Package maintenance runs the engine's background housekeeping: periodic
// archive persistence and health reporting, on interval or cron schedules.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule defines when a job runs.
type Schedule struct {
	Kind       string `json:"kind"` // "interval" or "cron"
	IntervalMs int64  `json:"intervalMs,omitempty"`
	Expr       string `json:"expr,omitempty"` // standard five-field cron
}

// Job is one recurring housekeeping task. The action is a plain function so
// jobs can close over engine internals.
type Job struct {
	ID       string   `json:"id"`
	Schedule Schedule `json:"schedule"`
	Run      func(ctx context.Context) error `json:"-"`
	State    JobState `json:"state"`
}

// JobState tracks execution bookkeeping for one job.
type JobState struct {
	LastRunAt    time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt    time.Time     `json:"nextRunAt,omitempty"`
	RunCount     int64         `json:"runCount"`
	ErrorCount   int64         `json:"errorCount"`
	LastError    string        `json:"lastError,omitempty"`
	LastDuration time.Duration `json:"lastDuration,omitempty"`
}

// Validate checks the job definition.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID required")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s: run function required", j.ID)
	}

	switch j.Schedule.Kind {
	case "interval":
		if j.Schedule.IntervalMs <= 0 {
			return fmt.Errorf("job %s: intervalMs must be positive", j.ID)
		}
	case "cron":
		if j.Schedule.Expr == "" {
			return fmt.Errorf("job %s: cron expression required", j.ID)
		}
		if _, err := cron.ParseStandard(j.Schedule.Expr); err != nil {
			return fmt.Errorf("job %s: invalid cron expression: %w", j.ID, err)
		}
	default:
		return fmt.Errorf("job %s: unknown schedule kind %q (use interval or cron)", j.ID, j.Schedule.Kind)
	}
	return nil
}

// NextRun calculates the next run time after from.
func (j *Job) NextRun(from time.Time) (time.Time, error) {
	switch j.Schedule.Kind {
	case "interval":
		return from.Add(time.Duration(j.Schedule.IntervalMs) * time.Millisecond), nil
	case "cron":
		schedule, err := cron.ParseStandard(j.Schedule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron: %w", err)
		}
		return schedule.Next(from), nil
	}
	return time.Time{}, fmt.Errorf("unknown schedule kind: %s", j.Schedule.Kind)
}

// ScheduleFor parses a config schedule string: "@every 5m" style durations
// become interval schedules, anything else is treated as a cron expression.
func ScheduleFor(expr string) (Schedule, error) {
	if rest, ok := strings.CutPrefix(expr, "@every "); ok {
		d, err := time.ParseDuration(rest)
		if err != nil {
			return Schedule{}, fmt.Errorf("parse @every duration: %w", err)
		}
		return Schedule{Kind: "interval", IntervalMs: d.Milliseconds()}, nil
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return Schedule{}, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return Schedule{Kind: "cron", Expr: expr}, nil
}
