package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/vesperhq/vesper/internal/capability"
	"github.com/vesperhq/vesper/internal/memory"
)

// fakeMemory is a scripted memoryReader. Any err field makes the
// corresponding read fail.
type fakeMemory struct {
	facts    []memory.Fact
	factsErr error

	lessons    []memory.Fact
	lessonsErr error

	goals    []memory.Goal
	goalsErr error

	window    []memory.Message
	windowErr error

	summary    string
	summaryErr error

	searchQuery string
}

func (f *fakeMemory) SearchFacts(ctx context.Context, query string, limit int) ([]memory.Fact, error) {
	f.searchQuery = query
	return f.facts, f.factsErr
}

func (f *fakeMemory) FactsByCategory(ctx context.Context, category string, limit int) ([]memory.Fact, error) {
	return f.lessons, f.lessonsErr
}

func (f *fakeMemory) ActiveGoals(ctx context.Context, project string) ([]memory.Goal, error) {
	return f.goals, f.goalsErr
}

func (f *fakeMemory) RecentUncompacted(ctx context.Context, sessionID string, limit int) ([]memory.Message, error) {
	return f.window, f.windowErr
}

func (f *fakeMemory) LatestSummary(ctx context.Context, sessionID string) (string, error) {
	return f.summary, f.summaryErr
}

func newTestBuilder(store memoryReader, health HealthFunc) *Builder {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBuilder(store, "You are Vesper.", 10, 30, health, logger)
	b.now = func() time.Time {
		return time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	}
	return b
}

func testSession() *memory.Session {
	return &memory.Session{
		ID:        "sess-1",
		Channel:   "web",
		StartedAt: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestBuildSectionOrder(t *testing.T) {
	store := &fakeMemory{
		facts: []memory.Fact{
			{Category: "preference", Subject: "coffee", Content: "Drinks flat whites."},
		},
		goals: []memory.Goal{
			{Title: "Ship the garden planner", Project: "garden", Priority: 1, Progress: 40},
		},
		lessons: []memory.Fact{
			{Category: memory.CategoryLesson, Content: "Confirm before sending email."},
		},
	}
	b := newTestBuilder(store, func() string { return "all systems nominal" })

	defs := []capability.Definition{
		{Name: "echo", Description: "Repeats text."},
	}
	built := b.Build(context.Background(), testSession(), "plan the garden", defs)

	sections := []string{
		"You are Vesper.",
		"## What you know",
		"## Active goals",
		"## Lessons learned",
		"## Capabilities",
		"## Right now",
	}
	pos := -1
	for _, s := range sections {
		i := strings.Index(built.System, s)
		if i < 0 {
			t.Fatalf("system prompt missing %q:\n%s", s, built.System)
		}
		if i < pos {
			t.Errorf("section %q out of order", s)
		}
		pos = i
	}

	if !strings.Contains(built.System, "- (P1, 40%) Ship the garden planner [garden]") {
		t.Errorf("goal line missing:\n%s", built.System)
	}
	if !strings.Contains(built.System, "- [preference] coffee: Drinks flat whites.") {
		t.Errorf("fact line missing:\n%s", built.System)
	}
	if !strings.Contains(built.System, "- echo: Repeats text.") {
		t.Errorf("capability line missing:\n%s", built.System)
	}
	if !strings.Contains(built.System, "all systems nominal") {
		t.Errorf("health line missing:\n%s", built.System)
	}
	if !strings.Contains(built.System, "Session age: 30m0s on web") {
		t.Errorf("session age missing:\n%s", built.System)
	}
}

func TestBuildDegradesOnFactFailure(t *testing.T) {
	store := &fakeMemory{
		factsErr: errors.New("disk on fire"),
		goals: []memory.Goal{
			{Title: "Stay alive", Priority: 1},
		},
	}
	b := newTestBuilder(store, nil)

	built := b.Build(context.Background(), testSession(), "how are the goals", nil)

	if strings.Contains(built.System, "## What you know") {
		t.Error("failed facts query still produced a facts section")
	}
	if !strings.Contains(built.System, "## Active goals") {
		t.Error("goals section lost to an unrelated failure")
	}
	if !strings.Contains(built.System, "## Right now") {
		t.Error("ambient section lost to an unrelated failure")
	}
}

func TestBuildNeverFails(t *testing.T) {
	store := &fakeMemory{
		factsErr:   errors.New("down"),
		goalsErr:   errors.New("down"),
		lessonsErr: errors.New("down"),
		windowErr:  errors.New("down"),
		summaryErr: errors.New("down"),
	}
	b := newTestBuilder(store, nil)

	built := b.Build(context.Background(), testSession(), "hello", nil)
	if !strings.Contains(built.System, "You are Vesper.") {
		t.Error("identity missing")
	}
	if len(built.Window) != 0 {
		t.Errorf("window = %d messages, want 0", len(built.Window))
	}
}

func TestBuildWindow(t *testing.T) {
	store := &fakeMemory{
		summary: "Earlier: discussed the garden layout.",
		window: []memory.Message{
			{Role: memory.RoleUser, Content: "what next?"},
			{Role: "tool", Content: "raw tool output"},
			{Role: memory.RoleAssistant, Content: "Plant the beans."},
		},
	}
	b := newTestBuilder(store, nil)

	built := b.Build(context.Background(), testSession(), "hello", nil)

	if len(built.Window) != 3 {
		t.Fatalf("window = %d messages, want 3", len(built.Window))
	}
	if built.Window[0].Role != "system" || !strings.Contains(built.Window[0].Content, "garden layout") {
		t.Errorf("window[0] = %+v, want summary first", built.Window[0])
	}
	if built.Window[1].Content != "what next?" || built.Window[2].Content != "Plant the beans." {
		t.Errorf("tool message not filtered: %+v", built.Window[1:])
	}
}

func TestBuildSearchesByKeyword(t *testing.T) {
	store := &fakeMemory{}
	b := newTestBuilder(store, nil)

	b.Build(context.Background(), testSession(), "Remind me about the greenhouse, please.", nil)
	if store.searchQuery != "greenhouse" {
		t.Errorf("search query = %q, want %q", store.searchQuery, "greenhouse")
	}
}

func TestKeyword(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"plan the garden", "garden"},
		{"Remind me about the GREENHOUSE.", "greenhouse"},
		{"hi", "hi"},
		{"a an it to", "a an it to"},
		{"what's the weather?", "weather"},
	}
	for _, tt := range tests {
		if got := keyword(tt.text); got != tt.want {
			t.Errorf("keyword(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
