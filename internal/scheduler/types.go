// Package scheduler fires proactive agent turns on cron schedules.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is a recurring background trigger. Jobs are mutated only by
// enable/disable and reschedule; they are never deleted during normal
// operation, so execution history always has a job to point at.
type Job struct {
	ID   string
	Name string // unique

	// Cron is a five-field cron expression, or one of the @-descriptors
	// ("@daily", "@every 4h").
	Cron string

	// Action names the proactive behavior to run; Params carries its
	// parameters opaquely.
	Action string
	Params map[string]any

	// Channel is where the resulting agent turn is delivered.
	Channel string

	Enabled   bool
	LastRun   *time.Time
	NextRun   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// nextAfter computes the job's next fire time strictly after t.
func (j *Job) nextAfter(t time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(j.Cron)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", j.Cron, err)
	}
	return sched.Next(t), nil
}

// ValidateCron rejects expressions the scheduler cannot parse.
func ValidateCron(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// Execution is one run of a job, recorded before the action starts so
// a crash mid-run leaves evidence.
type Execution struct {
	ID          string
	JobID       string
	ScheduledAt time.Time
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      Status

	// Detail is the action's output on success or the error text on
	// failure.
	Detail string
}

// Status is the state of an execution.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"

	// StatusSkipped marks a fire time that fell too far in the past
	// while the process was down to be worth catching up.
	StatusSkipped Status = "skipped"
)
