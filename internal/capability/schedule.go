package capability

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vesperhq/vesper/internal/scheduler"
)

// ScheduleTools lets the agent manage its own recurring jobs: set up a
// morning briefing, pause it, move it to a new time.
type ScheduleTools struct {
	sched *scheduler.Scheduler
}

// NewScheduleTools creates the scheduling capability provider.
func NewScheduleTools(sched *scheduler.Scheduler) *ScheduleTools {
	return &ScheduleTools{sched: sched}
}

// Register adds the job management capabilities.
func (s *ScheduleTools) Register(r *Registry) error {
	caps := []*Capability{
		{
			Name:        "schedule_job",
			Description: "Create a recurring background job that wakes you on a cron schedule to run a proactive action, like a daily briefing or a periodic check.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type":        "string",
						"description": "Unique job name, e.g. 'morning_briefing'",
					},
					"cron": map[string]any{
						"type":        "string",
						"description": "Five-field cron expression or descriptor like '@daily' or '@every 4h'",
					},
					"action": map[string]any{
						"type":        "string",
						"description": "Instruction to execute when the job fires, phrased as a message to yourself",
					},
					"channel": map[string]any{
						"type":        "string",
						"description": "Channel to deliver the result on (default: the current one)",
					},
				},
				"required": []string{"name", "cron", "action"},
			},
			Handler: s.handleSchedule,
		},
		{
			Name:        "list_jobs",
			Description: "List all scheduled jobs with their schedules, status and last run.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
			Handler: s.handleList,
		},
		{
			Name:        "set_job_enabled",
			Description: "Enable or disable a scheduled job by name. Disabling keeps the job and its history.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type": "string",
					},
					"enabled": map[string]any{
						"type": "boolean",
					},
				},
				"required": []string{"name", "enabled"},
			},
			Handler: s.handleSetEnabled,
		},
		{
			Name:        "reschedule_job",
			Description: "Change when a scheduled job fires.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name": map[string]any{
						"type": "string",
					},
					"cron": map[string]any{
						"type":        "string",
						"description": "New cron expression",
					},
				},
				"required": []string{"name", "cron"},
			},
			Handler: s.handleReschedule,
		},
	}

	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *ScheduleTools) handleSchedule(ctx context.Context, args map[string]any) (*Result, error) {
	job := &scheduler.Job{
		Name:    stringArg(args, "name"),
		Cron:    stringArg(args, "cron"),
		Action:  stringArg(args, "action"),
		Channel: stringArg(args, "channel"),
		Enabled: true,
	}
	if _, err := s.sched.Create(ctx, job); err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Scheduled %q (%s). Next run: %s.", job.Name, job.Cron, formatRun(job.NextRun)),
		SideEffects: []string{fmt.Sprintf("created scheduled job %s", job.Name)},
	}, nil
}

func (s *ScheduleTools) handleList(ctx context.Context, args map[string]any) (*Result, error) {
	jobs, err := s.sched.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return &Result{Output: "No scheduled jobs."}, nil
	}

	var sb strings.Builder
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(&sb, "- %s (%s, %s): %s | last run %s, next %s\n",
			j.Name, j.Cron, status, j.Action, formatRun(j.LastRun), formatRun(j.NextRun))
	}
	return &Result{Output: sb.String()}, nil
}

func (s *ScheduleTools) handleSetEnabled(ctx context.Context, args map[string]any) (*Result, error) {
	job, err := s.jobByName(ctx, stringArg(args, "name"))
	if err != nil {
		return nil, err
	}

	enabled := boolArg(args, "enabled")
	if enabled {
		err = s.sched.Enable(ctx, job.ID)
	} else {
		err = s.sched.Disable(ctx, job.ID)
	}
	if err != nil {
		return nil, err
	}

	verb := "Disabled"
	if enabled {
		verb = "Enabled"
	}
	return &Result{
		Output:      fmt.Sprintf("%s job %q.", verb, job.Name),
		SideEffects: []string{fmt.Sprintf("%s scheduled job %s", strings.ToLower(verb), job.Name)},
	}, nil
}

func (s *ScheduleTools) handleReschedule(ctx context.Context, args map[string]any) (*Result, error) {
	job, err := s.jobByName(ctx, stringArg(args, "name"))
	if err != nil {
		return nil, err
	}

	expr := stringArg(args, "cron")
	if err := s.sched.Reschedule(ctx, job.ID, expr); err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Rescheduled %q to %s.", job.Name, expr),
		SideEffects: []string{fmt.Sprintf("rescheduled job %s to %s", job.Name, expr)},
	}, nil
}

func (s *ScheduleTools) jobByName(ctx context.Context, name string) (*scheduler.Job, error) {
	jobs, err := s.sched.Jobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if jobs[i].Name == name {
			return &jobs[i], nil
		}
	}
	return nil, fmt.Errorf("no scheduled job named %q", name)
}

func formatRun(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format("2006-01-02 15:04")
}
