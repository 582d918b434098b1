package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Goal statuses. Transitions are unrestricted; every mutation is
// recorded in the goal_updates audit log regardless.
const (
	GoalActive    = "active"
	GoalCompleted = "completed"
	GoalPaused    = "paused"
	GoalCancelled = "cancelled"
)

// ValidGoalStatus reports whether status is one of the goal statuses.
func ValidGoalStatus(status string) bool {
	switch status {
	case GoalActive, GoalCompleted, GoalPaused, GoalCancelled:
		return true
	}
	return false
}

// Goal is a tracked objective. ParentID allows one level of grouping
// under a broader goal, though nesting depth is not enforced.
type Goal struct {
	ID          string
	Project     string
	Title       string
	Description string
	Status      string
	Priority    int
	Progress    int
	ParentID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GoalUpdate is one immutable row of the per-goal audit log.
type GoalUpdate struct {
	ID        string
	GoalID    string
	Field     string
	OldValue  string
	NewValue  string
	Note      string
	CreatedAt time.Time
}

// GoalMutation describes an UpdateGoal request. Nil fields are left
// untouched.
type GoalMutation struct {
	Progress *int
	Status   *string
	Note     string
}

// CreateGoal inserts a new goal and returns its ID.
func (s *Store) CreateGoal(ctx context.Context, g *Goal) (string, error) {
	if g.Title == "" {
		return "", fmt.Errorf("goal requires a title")
	}
	if g.Status == "" {
		g.Status = GoalActive
	}
	if !ValidGoalStatus(g.Status) {
		return "", fmt.Errorf("invalid goal status %q", g.Status)
	}
	if g.Progress < 0 || g.Progress > 100 {
		return "", fmt.Errorf("progress %d out of range [0,100]", g.Progress)
	}
	if g.Priority == 0 {
		g.Priority = 2
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate goal id: %w", err)
	}

	now := time.Now().UTC()
	var parent sql.NullString
	if g.ParentID != "" {
		parent = sql.NullString{String: g.ParentID, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO goals (id, project, title, description, status, priority, progress, parent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), g.Project, g.Title, g.Description, g.Status, g.Priority, g.Progress, parent, now, now,
	)
	if err != nil {
		return "", storageErr("create goal", err)
	}

	g.ID = id.String()
	g.CreatedAt = now
	g.UpdatedAt = now
	return g.ID, nil
}

// ActiveGoals returns goals with status=active, highest priority tier
// first, most recently updated first within a tier. Pass an empty
// project to include all projects.
func (s *Store) ActiveGoals(ctx context.Context, project string) ([]Goal, error) {
	where := "status = ?"
	args := []any{GoalActive}
	if project != "" {
		where += " AND project = ?"
		args = append(args, project)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project, title, description, status, priority, progress, parent_id, created_at, updated_at
		FROM goals
		WHERE `+where+`
		ORDER BY priority ASC, updated_at DESC, id DESC`,
		args...,
	)
	if err != nil {
		return nil, storageErr("query goals", err)
	}
	defer rows.Close()

	var out []Goal
	for rows.Next() {
		var g Goal
		var parent sql.NullString
		if err := rows.Scan(&g.ID, &g.Project, &g.Title, &g.Description, &g.Status,
			&g.Priority, &g.Progress, &parent, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, storageErr("scan goal", err)
		}
		g.ParentID = parent.String
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate goals", err)
	}
	return out, nil
}

// GoalByID returns a goal by ID, or a NotFoundError.
func (s *Store) GoalByID(ctx context.Context, id string) (*Goal, error) {
	var g Goal
	var parent sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project, title, description, status, priority, progress, parent_id, created_at, updated_at
		FROM goals WHERE id = ?`,
		id,
	).Scan(&g.ID, &g.Project, &g.Title, &g.Description, &g.Status,
		&g.Priority, &g.Progress, &parent, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "goal", ID: id}
	}
	if err != nil {
		return nil, storageErr("goal by id", err)
	}
	g.ParentID = parent.String
	return &g, nil
}

// UpdateGoal applies a mutation to a goal and appends one audit row
// per touched field. Identical values still produce audit rows: the
// log records every mutation, not every change. Returns a
// NotFoundError for an unknown goal and validation errors for
// out-of-range progress or an unknown status.
func (s *Store) UpdateGoal(ctx context.Context, id string, mut GoalMutation) error {
	if mut.Progress != nil && (*mut.Progress < 0 || *mut.Progress > 100) {
		return fmt.Errorf("progress %d out of range [0,100]", *mut.Progress)
	}
	if mut.Status != nil && !ValidGoalStatus(*mut.Status) {
		return fmt.Errorf("invalid goal status %q", *mut.Status)
	}

	current, err := s.GoalByID(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin goal update", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	appendAudit := func(field, oldVal, newVal string) error {
		auditID, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO goal_updates (id, goal_id, field, old_value, new_value, note, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			auditID.String(), id, field, oldVal, newVal, mut.Note, now,
		)
		return err
	}

	if mut.Progress != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goals SET progress = ?, updated_at = ? WHERE id = ?`,
			*mut.Progress, now, id); err != nil {
			return storageErr("update goal progress", err)
		}
		if err := appendAudit("progress", strconv.Itoa(current.Progress), strconv.Itoa(*mut.Progress)); err != nil {
			return storageErr("append goal audit", err)
		}
	}

	if mut.Status != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goals SET status = ?, updated_at = ? WHERE id = ?`,
			*mut.Status, now, id); err != nil {
			return storageErr("update goal status", err)
		}
		if err := appendAudit("status", current.Status, *mut.Status); err != nil {
			return storageErr("append goal audit", err)
		}
	}

	// A bare note with no field changes still deserves an audit row.
	if mut.Progress == nil && mut.Status == nil && mut.Note != "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE goals SET updated_at = ? WHERE id = ?`, now, id); err != nil {
			return storageErr("touch goal", err)
		}
		if err := appendAudit("note", "", ""); err != nil {
			return storageErr("append goal audit", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit goal update", err)
	}
	return nil
}

// GoalUpdates returns the audit log for a goal, oldest first.
func (s *Store) GoalUpdates(ctx context.Context, goalID string) ([]GoalUpdate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal_id, field, old_value, new_value, note, created_at
		FROM goal_updates
		WHERE goal_id = ?
		ORDER BY created_at ASC, id ASC`,
		goalID,
	)
	if err != nil {
		return nil, storageErr("query goal updates", err)
	}
	defer rows.Close()

	var out []GoalUpdate
	for rows.Next() {
		var u GoalUpdate
		if err := rows.Scan(&u.ID, &u.GoalID, &u.Field, &u.OldValue, &u.NewValue, &u.Note, &u.CreatedAt); err != nil {
			return nil, storageErr("scan goal update", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate goal updates", err)
	}
	return out, nil
}
