package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExecuteFunc runs a fired job. Implementations typically build a
// synthetic turn from the job's action and submit it to the agent
// loop; the returned text becomes the execution detail.
type ExecuteFunc func(ctx context.Context, job *Job) (string, error)

// Scheduler holds one timer per enabled job and fires ExecuteFunc when
// it elapses. Semantics are at-least-once: the execution record is
// written before the action runs, fire times are persisted, and runs
// missed while the process was down are caught up at startup when they
// are recent enough.
type Scheduler struct {
	store   *Store
	execute ExecuteFunc
	logger  *slog.Logger

	execTimeout   time.Duration
	catchUpWindow time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. Jobs run with a 5 minute timeout; fires
// missed by less than 24 hours are caught up, older ones are skipped.
func New(store *Store, execute ExecuteFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         store,
		execute:       execute,
		logger:        logger,
		execTimeout:   5 * time.Minute,
		catchUpWindow: 24 * time.Hour,
		timers:        make(map[string]*time.Timer),
	}
}

// Start loads enabled jobs, reconciles whatever the previous process
// left behind, and arms a timer per job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if n, err := s.store.FailInterrupted(ctx); err != nil {
		s.logger.Warn("failed to reconcile interrupted executions", "error", err)
	} else if n > 0 {
		s.logger.Warn("marked interrupted executions failed", "count", n)
	}

	jobs, err := s.store.ListJobs(ctx, true)
	if err != nil {
		return err
	}

	for i := range jobs {
		job := jobs[i]
		s.catchUp(ctx, &job)
		s.arm(&job)
	}

	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop cancels all timers and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Create validates, persists and arms a new job.
func (s *Scheduler) Create(ctx context.Context, job *Job) (string, error) {
	id, err := s.store.CreateJob(ctx, job)
	if err != nil {
		return "", err
	}
	if job.Enabled {
		s.arm(job)
	}
	s.logger.Info("job created", "job", job.Name, "cron", job.Cron, "action", job.Action)
	return id, nil
}

// Enable turns a job back on and arms its timer.
func (s *Scheduler) Enable(ctx context.Context, id string) error {
	if err := s.store.SetEnabled(ctx, id, true); err != nil {
		return err
	}
	job, err := s.store.JobByID(ctx, id)
	if err != nil {
		return err
	}
	s.arm(job)
	s.logger.Info("job enabled", "job", job.Name)
	return nil
}

// Disable turns a job off and cancels its timer. History is kept.
func (s *Scheduler) Disable(ctx context.Context, id string) error {
	if err := s.store.SetEnabled(ctx, id, false); err != nil {
		return err
	}
	s.disarm(id)
	s.logger.Info("job disabled", "job", id)
	return nil
}

// Reschedule replaces a job's cron expression and re-arms it.
func (s *Scheduler) Reschedule(ctx context.Context, id, expr string) error {
	if err := s.store.Reschedule(ctx, id, expr); err != nil {
		return err
	}
	s.disarm(id)
	job, err := s.store.JobByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Enabled {
		s.arm(job)
	}
	s.logger.Info("job rescheduled", "job", job.Name, "cron", expr)
	return nil
}

// Trigger runs a job immediately, bypassing its schedule. The regular
// timer is untouched.
func (s *Scheduler) Trigger(ctx context.Context, id string) (*Execution, error) {
	job, err := s.store.JobByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.runJob(ctx, job, time.Now().UTC())
}

// Jobs lists all jobs.
func (s *Scheduler) Jobs(ctx context.Context) ([]Job, error) {
	return s.store.ListJobs(ctx, false)
}

// History returns a job's recent executions.
func (s *Scheduler) History(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	return s.store.ListExecutions(ctx, jobID, limit)
}

// catchUp handles a fire time that passed while the process was down.
func (s *Scheduler) catchUp(ctx context.Context, job *Job) {
	if job.NextRun == nil || !job.NextRun.Before(time.Now().UTC()) {
		return
	}
	missed := *job.NextRun

	if time.Since(missed) > s.catchUpWindow {
		s.logger.Info("skipping stale missed run", "job", job.Name, "scheduled", missed)
		if err := s.store.RecordSkip(ctx, job.ID, missed, "missed fire older than catch-up window"); err != nil {
			s.logger.Warn("failed to record skip", "job", job.Name, "error", err)
		}
		return
	}

	s.logger.Info("catching up missed run", "job", job.Name, "scheduled", missed)
	runCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()
	if _, err := s.runJob(runCtx, job, missed); err != nil {
		s.logger.Error("catch-up run failed", "job", job.Name, "error", err)
	}
}

// arm sets the timer for the job's next fire.
func (s *Scheduler) arm(job *Job) {
	next, err := job.nextAfter(time.Now())
	if err != nil {
		s.logger.Error("cannot schedule job", "job", job.Name, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[job.ID]; ok {
		timer.Stop()
	}
	id := job.ID
	s.timers[id] = time.AfterFunc(time.Until(next), func() {
		s.onFire(id, next)
	})
	s.logger.Debug("job armed", "job", job.Name, "next", next)
}

func (s *Scheduler) disarm(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[jobID]; ok {
		timer.Stop()
		delete(s.timers, jobID)
	}
}

func (s *Scheduler) onFire(jobID string, scheduledAt time.Time) {
	// The Add must happen under the lock, after the running check.
	// Stop flips running before it calls Wait, so a fire observed
	// here either registers before the Wait or returns without
	// touching the group.
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	delete(s.timers, jobID)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.execTimeout)
	defer cancel()

	// Re-read: the job may have been disabled or rescheduled since
	// the timer was armed.
	job, err := s.store.JobByID(ctx, jobID)
	if err != nil {
		s.logger.Error("fired job vanished", "job", jobID, "error", err)
		return
	}
	if !job.Enabled {
		return
	}

	if _, err := s.runJob(ctx, job, scheduledAt); err != nil {
		s.logger.Error("job run failed", "job", job.Name, "error", err)
	}
	s.arm(job)
}

// runJob records the execution, runs the action, and persists the
// outcome and next fire time.
func (s *Scheduler) runJob(ctx context.Context, job *Job, scheduledAt time.Time) (*Execution, error) {
	exec, err := s.store.BeginExecution(ctx, job.ID, scheduledAt)
	if err != nil {
		return nil, err
	}

	s.logger.Info("running job", "job", job.Name, "action", job.Action, "execution", exec.ID)

	detail, runErr := s.execute(ctx, job)
	status := StatusCompleted
	if runErr != nil {
		status = StatusFailed
		detail = runErr.Error()
	}
	if err := s.store.FinishExecution(ctx, exec.ID, status, detail); err != nil {
		s.logger.Error("failed to record execution outcome", "execution", exec.ID, "error", err)
	}
	exec.Status = status
	exec.Detail = detail

	now := time.Now().UTC()
	if next, err := job.nextAfter(now); err == nil {
		if err := s.store.RecordRun(ctx, job.ID, now, next); err != nil {
			s.logger.Warn("failed to persist run times", "job", job.Name, "error", err)
		}
	}

	return exec, runErr
}
