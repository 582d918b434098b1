package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/vesperhq/vesper/internal/memory"
)

// MemoryTools exposes the fact and goal stores to the reasoning
// engine, so the agent can remember, correct and recall on request.
type MemoryTools struct {
	store *memory.Store
}

// NewMemoryTools creates the memory capability provider.
func NewMemoryTools(store *memory.Store) *MemoryTools {
	return &MemoryTools{store: store}
}

// Register adds the remember/recall/forget and goal capabilities.
func (m *MemoryTools) Register(r *Registry) error {
	caps := []*Capability{
		{
			Name:        "remember_fact",
			Description: "Store a durable fact about the user or the world. Use when told to remember something, or when a stable preference or detail emerges.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"category": map[string]any{
						"type":        "string",
						"description": "One of: identity, preference, project, context, lesson",
					},
					"subject": map[string]any{
						"type":        "string",
						"description": "Short topic key, e.g. 'coffee' or 'deploy process'",
					},
					"content": map[string]any{
						"type":        "string",
						"description": "The fact itself, one or two sentences",
					},
					"confidence": map[string]any{
						"type":        "number",
						"description": "How certain this is, 0.0 to 1.0 (default 0.8)",
					},
				},
				"required": []string{"subject", "content"},
			},
			Handler: m.handleRemember,
		},
		{
			Name:        "recall_facts",
			Description: "Search stored facts by keyword. Returns active facts ordered by confidence.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Keyword to match against fact subjects and content",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum facts to return (default 10)",
					},
				},
				"required": []string{"query"},
			},
			Handler: m.handleRecall,
		},
		{
			Name:        "forget_fact",
			Description: "Deactivate a stored fact by its ID, typically because it is wrong or superseded. The fact is retained for audit but never surfaced again.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"fact_id": map[string]any{
						"type":        "string",
						"description": "ID of the fact to deactivate (from recall_facts)",
					},
				},
				"required": []string{"fact_id"},
			},
			Handler: m.handleForget,
		},
		{
			Name:        "create_goal",
			Description: "Create a tracked goal with a priority tier (1 = highest).",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{
						"type":        "string",
						"description": "Short goal title",
					},
					"description": map[string]any{
						"type":        "string",
						"description": "What done looks like",
					},
					"project": map[string]any{
						"type":        "string",
						"description": "Project grouping (optional)",
					},
					"priority": map[string]any{
						"type":        "integer",
						"description": "Priority tier, 1-3 (default 2)",
					},
				},
				"required": []string{"title"},
			},
			Handler: m.handleCreateGoal,
		},
		{
			Name:        "update_goal",
			Description: "Update a goal's progress percentage or status. Every update is recorded in the goal's audit log.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"goal_id": map[string]any{
						"type":        "string",
						"description": "ID of the goal (from list_goals)",
					},
					"progress": map[string]any{
						"type":        "integer",
						"description": "New progress, 0-100",
					},
					"status": map[string]any{
						"type":        "string",
						"description": "New status: active, completed, paused, cancelled",
					},
					"note": map[string]any{
						"type":        "string",
						"description": "Why this update happened",
					},
				},
				"required": []string{"goal_id"},
			},
			Handler: m.handleUpdateGoal,
		},
		{
			Name:        "list_goals",
			Description: "List active goals with their IDs, progress and priority.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"project": map[string]any{
						"type":        "string",
						"description": "Filter to one project (optional)",
					},
				},
			},
			Handler: m.handleListGoals,
		},
	}

	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryTools) handleRemember(ctx context.Context, args map[string]any) (*Result, error) {
	fact := &memory.Fact{
		Category:   stringArg(args, "category"),
		Subject:    stringArg(args, "subject"),
		Content:    stringArg(args, "content"),
		Confidence: floatArg(args, "confidence", 0.8),
		Source:     memory.SourceManual,
	}
	id, err := m.store.RecordFact(ctx, fact)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Remembered (%s): %s", id, fact.Content),
		SideEffects: []string{fmt.Sprintf("recorded fact %s", id)},
	}, nil
}

func (m *MemoryTools) handleRecall(ctx context.Context, args map[string]any) (*Result, error) {
	facts, err := m.store.SearchFacts(ctx, stringArg(args, "query"), intArg(args, "limit", 10))
	if err != nil {
		return nil, err
	}
	if len(facts) == 0 {
		return &Result{Output: "No matching facts."}, nil
	}

	var sb strings.Builder
	for _, f := range facts {
		fmt.Fprintf(&sb, "[%s] (%s, %.0f%%) %s: %s\n", f.ID, f.Category, f.Confidence*100, f.Subject, f.Content)
	}
	return &Result{Output: sb.String()}, nil
}

func (m *MemoryTools) handleForget(ctx context.Context, args map[string]any) (*Result, error) {
	id := stringArg(args, "fact_id")
	if err := m.store.DeactivateFact(ctx, id); err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Fact %s deactivated.", id),
		SideEffects: []string{fmt.Sprintf("deactivated fact %s", id)},
	}, nil
}

func (m *MemoryTools) handleCreateGoal(ctx context.Context, args map[string]any) (*Result, error) {
	goal := &memory.Goal{
		Title:       stringArg(args, "title"),
		Description: stringArg(args, "description"),
		Project:     stringArg(args, "project"),
		Priority:    intArg(args, "priority", 2),
	}
	id, err := m.store.CreateGoal(ctx, goal)
	if err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Created goal %s: %s", id, goal.Title),
		SideEffects: []string{fmt.Sprintf("created goal %s", id)},
	}, nil
}

func (m *MemoryTools) handleUpdateGoal(ctx context.Context, args map[string]any) (*Result, error) {
	mut := memory.GoalMutation{Note: stringArg(args, "note")}
	if _, ok := args["progress"]; ok {
		p := intArg(args, "progress", 0)
		mut.Progress = &p
	}
	if _, ok := args["status"]; ok {
		s := stringArg(args, "status")
		mut.Status = &s
	}

	id := stringArg(args, "goal_id")
	if err := m.store.UpdateGoal(ctx, id, mut); err != nil {
		return nil, err
	}
	return &Result{
		Output:      fmt.Sprintf("Goal %s updated.", id),
		SideEffects: []string{fmt.Sprintf("updated goal %s", id)},
	}, nil
}

func (m *MemoryTools) handleListGoals(ctx context.Context, args map[string]any) (*Result, error) {
	goals, err := m.store.ActiveGoals(ctx, stringArg(args, "project"))
	if err != nil {
		return nil, err
	}
	if len(goals) == 0 {
		return &Result{Output: "No active goals."}, nil
	}

	var sb strings.Builder
	for _, g := range goals {
		fmt.Fprintf(&sb, "[%s] P%d %d%% %s", g.ID, g.Priority, g.Progress, g.Title)
		if g.Project != "" {
			fmt.Fprintf(&sb, " (%s)", g.Project)
		}
		sb.WriteString("\n")
	}
	return &Result{Output: sb.String()}, nil
}
