package capability

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/vesperhq/vesper/internal/scheduler"
)

func newScheduleRegistry(t *testing.T) *Registry {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := scheduler.NewStore(db)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(store, func(ctx context.Context, job *scheduler.Job) (string, error) {
		return "ok", nil
	}, logger)
	t.Cleanup(sched.Stop)

	r := NewRegistry(logger)
	if err := NewScheduleTools(sched).Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestScheduleJobLifecycle(t *testing.T) {
	r := newScheduleRegistry(t)
	ctx := context.Background()

	res, err := r.Invoke(ctx, "schedule_job", `{"name": "evening_review", "cron": "0 21 * * *", "action": "Summarize today's goal progress.", "channel": "web"}`)
	if err != nil {
		t.Fatalf("schedule_job: %v", err)
	}
	if !strings.Contains(res.Output, "evening_review") || !strings.Contains(res.Output, "Next run") {
		t.Errorf("Output = %q", res.Output)
	}
	if len(res.SideEffects) != 1 {
		t.Errorf("SideEffects = %v", res.SideEffects)
	}

	res, err = r.Invoke(ctx, "list_jobs", `{}`)
	if err != nil {
		t.Fatalf("list_jobs: %v", err)
	}
	if !strings.Contains(res.Output, "evening_review") || !strings.Contains(res.Output, "enabled") {
		t.Errorf("list output = %q", res.Output)
	}

	res, err = r.Invoke(ctx, "set_job_enabled", `{"name": "evening_review", "enabled": false}`)
	if err != nil {
		t.Fatalf("set_job_enabled: %v", err)
	}
	if !strings.Contains(res.Output, "Disabled") {
		t.Errorf("Output = %q", res.Output)
	}

	res, err = r.Invoke(ctx, "list_jobs", `{}`)
	if err != nil {
		t.Fatalf("list_jobs: %v", err)
	}
	if !strings.Contains(res.Output, "disabled") {
		t.Errorf("list output after disable = %q", res.Output)
	}

	if _, err := r.Invoke(ctx, "reschedule_job", `{"name": "evening_review", "cron": "30 20 * * *"}`); err != nil {
		t.Fatalf("reschedule_job: %v", err)
	}
	res, _ = r.Invoke(ctx, "list_jobs", `{}`)
	if !strings.Contains(res.Output, "30 20 * * *") {
		t.Errorf("list output after reschedule = %q", res.Output)
	}
}

func TestScheduleJobRejectsBadCron(t *testing.T) {
	r := newScheduleRegistry(t)

	_, err := r.Invoke(context.Background(), "schedule_job", `{"name": "x", "cron": "whenever", "action": "do it"}`)
	if err == nil {
		t.Fatal("invalid cron accepted")
	}
}

func TestScheduleUnknownJob(t *testing.T) {
	r := newScheduleRegistry(t)

	_, err := r.Invoke(context.Background(), "set_job_enabled", `{"name": "ghost", "enabled": true}`)
	if err == nil || !strings.Contains(err.Error(), "ghost") {
		t.Errorf("err = %v, want unknown job error naming it", err)
	}
}
