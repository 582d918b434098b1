package memory

import (
	"context"
	"errors"
	"testing"
)

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func createTestGoal(t *testing.T, s *Store, title string, priority int) string {
	t.Helper()
	id, err := s.CreateGoal(context.Background(), &Goal{
		Project:  "vesper",
		Title:    title,
		Priority: priority,
	})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	return id
}

func TestActiveGoals_Ordering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createTestGoal(t, s, "low priority", 3)
	hi := createTestGoal(t, s, "high priority", 1)
	createTestGoal(t, s, "mid priority", 2)

	goals, err := s.ActiveGoals(ctx, "")
	if err != nil {
		t.Fatalf("active goals: %v", err)
	}
	if len(goals) != 3 {
		t.Fatalf("got %d goals, want 3", len(goals))
	}
	if goals[0].ID != hi {
		t.Errorf("first goal = %q, want the priority-1 goal", goals[0].Title)
	}
}

func TestActiveGoals_ExcludesNonActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := createTestGoal(t, s, "to be paused", 2)
	createTestGoal(t, s, "still active", 2)

	if err := s.UpdateGoal(ctx, id, GoalMutation{Status: strPtr(GoalPaused)}); err != nil {
		t.Fatalf("update: %v", err)
	}

	goals, err := s.ActiveGoals(ctx, "")
	if err != nil {
		t.Fatalf("active goals: %v", err)
	}
	if len(goals) != 1 || goals[0].Title != "still active" {
		t.Errorf("paused goal leaked into active list: %+v", goals)
	}
}

func TestUpdateGoal_AppendsAuditRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := createTestGoal(t, s, "audit me", 2)

	// Two identical updates still append two audit rows.
	if err := s.UpdateGoal(ctx, id, GoalMutation{Progress: intPtr(50)}); err != nil {
		t.Fatalf("update 1: %v", err)
	}
	if err := s.UpdateGoal(ctx, id, GoalMutation{Progress: intPtr(50), Note: "still halfway"}); err != nil {
		t.Fatalf("update 2: %v", err)
	}

	updates, err := s.GoalUpdates(ctx, id)
	if err != nil {
		t.Fatalf("goal updates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("got %d audit rows, want 2 (no implicit dedup)", len(updates))
	}
	if updates[0].Field != "progress" || updates[0].OldValue != "0" || updates[0].NewValue != "50" {
		t.Errorf("first audit row = %+v", updates[0])
	}
	if updates[1].OldValue != "50" || updates[1].Note != "still halfway" {
		t.Errorf("second audit row = %+v", updates[1])
	}
}

func TestUpdateGoal_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createTestGoal(t, s, "bounds", 2)

	if err := s.UpdateGoal(ctx, id, GoalMutation{Progress: intPtr(101)}); err == nil {
		t.Error("expected error for progress > 100")
	}
	if err := s.UpdateGoal(ctx, id, GoalMutation{Progress: intPtr(-1)}); err == nil {
		t.Error("expected error for negative progress")
	}
	if err := s.UpdateGoal(ctx, id, GoalMutation{Status: strPtr("abandoned")}); err == nil {
		t.Error("expected error for unknown status")
	}

	// Failed validation must not leave audit rows behind.
	updates, err := s.GoalUpdates(ctx, id)
	if err != nil {
		t.Fatalf("goal updates: %v", err)
	}
	if len(updates) != 0 {
		t.Errorf("validation failures wrote %d audit rows", len(updates))
	}
}

func TestUpdateGoal_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateGoal(context.Background(), "missing", GoalMutation{Progress: intPtr(10)})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestUpdateGoal_CombinedMutation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := createTestGoal(t, s, "combined", 2)

	err := s.UpdateGoal(ctx, id, GoalMutation{
		Progress: intPtr(100),
		Status:   strPtr(GoalCompleted),
		Note:     "shipped",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	g, err := s.GoalByID(ctx, id)
	if err != nil {
		t.Fatalf("goal by id: %v", err)
	}
	if g.Progress != 100 || g.Status != GoalCompleted {
		t.Errorf("goal = %+v, want progress 100 completed", g)
	}

	updates, err := s.GoalUpdates(ctx, id)
	if err != nil {
		t.Fatalf("goal updates: %v", err)
	}
	if len(updates) != 2 {
		t.Errorf("got %d audit rows, want 2 (one per field)", len(updates))
	}
}
