package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists jobs and their execution history. It shares the
// application database handle; migration is idempotent.
type Store struct {
	db *sql.DB
}

// NewStore prepares the job tables on an open database.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate scheduler tables: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		cron       TEXT NOT NULL,
		action     TEXT NOT NULL,
		params     TEXT NOT NULL DEFAULT '{}',
		channel    TEXT NOT NULL DEFAULT '',
		enabled    INTEGER NOT NULL DEFAULT 1,
		last_run   TIMESTAMP,
		next_run   TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS job_executions (
		id           TEXT PRIMARY KEY,
		job_id       TEXT NOT NULL REFERENCES scheduled_jobs(id),
		scheduled_at TIMESTAMP NOT NULL,
		started_at   TIMESTAMP NOT NULL,
		finished_at  TIMESTAMP,
		status       TEXT NOT NULL,
		detail       TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_job_executions_job ON job_executions(job_id, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// CreateJob validates and inserts a job, computing its first fire
// time. The job's name must be unique.
func (s *Store) CreateJob(ctx context.Context, j *Job) (string, error) {
	if j.Name == "" {
		return "", errors.New("job name is required")
	}
	if j.Action == "" {
		return "", errors.New("job action is required")
	}
	if err := ValidateCron(j.Cron); err != nil {
		return "", err
	}

	j.ID = newID()
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.Enabled {
		next, err := j.nextAfter(now)
		if err != nil {
			return "", err
		}
		j.NextRun = &next
	}

	params, err := json.Marshal(orEmpty(j.Params))
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, name, cron, action, params, channel, enabled, last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, j.Cron, j.Action, string(params), j.Channel,
		boolInt(j.Enabled), j.LastRun, j.NextRun, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return j.ID, nil
}

// JobByID fetches one job.
func (s *Store) JobByID(ctx context.Context, id string) (*Job, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE id = ?`, id))
}

// JobByName fetches a job by its unique name. Returns nil, nil when no
// such job exists.
func (s *Store) JobByName(ctx context.Context, name string) (*Job, error) {
	j, err := s.scanJob(s.db.QueryRowContext(ctx, jobSelect+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// ListJobs returns jobs ordered by name, optionally only enabled ones.
func (s *Store) ListJobs(ctx context.Context, enabledOnly bool) ([]Job, error) {
	query := jobSelect
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// SetEnabled flips a job's enabled flag, recomputing the next fire
// time on enable and clearing it on disable.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	job, err := s.JobByID(ctx, id)
	if err != nil {
		return err
	}

	var next *time.Time
	if enabled {
		n, err := job.nextAfter(time.Now().UTC())
		if err != nil {
			return err
		}
		next = &n
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET enabled = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		boolInt(enabled), next, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// Reschedule replaces a job's cron expression and recomputes its next
// fire time.
func (s *Store) Reschedule(ctx context.Context, id, expr string) error {
	if err := ValidateCron(expr); err != nil {
		return err
	}
	job, err := s.JobByID(ctx, id)
	if err != nil {
		return err
	}

	job.Cron = expr
	var next *time.Time
	if job.Enabled {
		n, err := job.nextAfter(time.Now().UTC())
		if err != nil {
			return err
		}
		next = &n
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET cron = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		expr, next, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// RecordRun stores a job's completed fire time and the fire after it.
func (s *Store) RecordRun(ctx context.Context, id string, last, next time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		last, next, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update job run times: %w", err)
	}
	return nil
}

// BeginExecution writes the running record before the action starts.
func (s *Store) BeginExecution(ctx context.Context, jobID string, scheduledAt time.Time) (*Execution, error) {
	e := &Execution{
		ID:          newID(),
		JobID:       jobID,
		ScheduledAt: scheduledAt.UTC(),
		StartedAt:   time.Now().UTC(),
		Status:      StatusRunning,
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, scheduled_at, started_at, status, detail)
		VALUES (?, ?, ?, ?, ?, '')`,
		e.ID, e.JobID, e.ScheduledAt, e.StartedAt, e.Status,
	)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return e, nil
}

// FinishExecution closes an execution record.
func (s *Store) FinishExecution(ctx context.Context, id string, status Status, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		time.Now().UTC(), status, detail, id,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// RecordSkip notes a fire time that was deliberately not caught up.
func (s *Store) RecordSkip(ctx context.Context, jobID string, scheduledAt time.Time, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (id, job_id, scheduled_at, started_at, finished_at, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID(), jobID, scheduledAt.UTC(), now, now, StatusSkipped, reason,
	)
	if err != nil {
		return fmt.Errorf("insert skip record: %w", err)
	}
	return nil
}

// ListExecutions returns a job's run history, most recent first.
func (s *Store) ListExecutions(ctx context.Context, jobID string, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, scheduled_at, started_at, finished_at, status, detail
		FROM job_executions WHERE job_id = ?
		ORDER BY started_at DESC, id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []Execution
	for rows.Next() {
		var e Execution
		var finished sql.NullTime
		if err := rows.Scan(&e.ID, &e.JobID, &e.ScheduledAt, &e.StartedAt, &finished, &e.Status, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			e.FinishedAt = &t
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// FailInterrupted marks executions still "running" as failed. Called
// once at startup: anything running then belongs to a previous
// process that died mid-run.
func (s *Store) FailInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_executions SET finished_at = ?, status = ?, detail = 'interrupted by shutdown'
		WHERE status = ?`,
		time.Now().UTC(), StatusFailed, StatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted executions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const jobSelect = `
	SELECT id, name, cron, action, params, channel, enabled, last_run, next_run, created_at, updated_at
	FROM scheduled_jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanJob(row rowScanner) (*Job, error) {
	var j Job
	var params string
	var enabled int
	var last, next sql.NullTime

	err := row.Scan(&j.ID, &j.Name, &j.Cron, &j.Action, &params, &j.Channel,
		&enabled, &last, &next, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &j.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	j.Enabled = enabled == 1
	if last.Valid {
		t := last.Time
		j.LastRun = &t
	}
	if next.Valid {
		t := next.Time
		j.NextRun = &t
	}
	return &j, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
