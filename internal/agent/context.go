// Package agent implements the core loop: build context, call the
// reasoning engine, execute requested capabilities, persist the turn.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vesperhq/vesper/internal/capability"
	"github.com/vesperhq/vesper/internal/memory"
	"github.com/vesperhq/vesper/internal/reasoning"
)

// memoryReader is the read-only slice of the memory store the context
// builder needs. Building context never writes.
type memoryReader interface {
	SearchFacts(ctx context.Context, query string, limit int) ([]memory.Fact, error)
	FactsByCategory(ctx context.Context, category string, limit int) ([]memory.Fact, error)
	ActiveGoals(ctx context.Context, project string) ([]memory.Goal, error)
	RecentUncompacted(ctx context.Context, sessionID string, limit int) ([]memory.Message, error)
	LatestSummary(ctx context.Context, sessionID string) (string, error)
}

// HealthFunc supplies an externally maintained operational status line
// for the ambient section. Nil means no health reporting.
type HealthFunc func() string

// Builder assembles the bounded input for one reasoning call. Section
// order is fixed; each section may independently be empty. Any read
// failure degrades to an empty section, logged, never fatal: a turn
// with partial context beats no turn.
type Builder struct {
	store    memoryReader
	identity string
	maxFacts int
	window   int
	health   HealthFunc
	now      func() time.Time
	logger   *slog.Logger
}

// NewBuilder creates a context builder. identity is the static
// instruction block, loaded once at startup.
func NewBuilder(store memoryReader, identity string, maxFacts, window int, health HealthFunc, logger *slog.Logger) *Builder {
	if maxFacts <= 0 {
		maxFacts = 10
	}
	if window <= 0 {
		window = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		store:    store,
		identity: identity,
		maxFacts: maxFacts,
		window:   window,
		health:   health,
		now:      time.Now,
		logger:   logger,
	}
}

// Context is the assembled input for a reasoning call.
type Context struct {
	// System is the full system prompt: identity, facts, goals,
	// lessons, capability summary, ambient state.
	System string

	// Window is the recent conversation, oldest first, with older
	// history represented by a summary when compaction has run.
	Window []reasoning.Message
}

// Build assembles the context for a turn. It is a pure read and
// always returns a usable context.
func (b *Builder) Build(ctx context.Context, session *memory.Session, turnText string, defs []capability.Definition) *Context {
	var sb strings.Builder

	sb.WriteString(b.identity)

	b.writeFacts(ctx, &sb, turnText)
	b.writeGoals(ctx, &sb)
	b.writeLessons(ctx, &sb)
	b.writeCapabilities(&sb, defs)
	b.writeAmbient(&sb, session)

	return &Context{
		System: sb.String(),
		Window: b.buildWindow(ctx, session.ID),
	}
}

func (b *Builder) writeFacts(ctx context.Context, sb *strings.Builder, turnText string) {
	facts, err := b.store.SearchFacts(ctx, keyword(turnText), b.maxFacts)
	if err != nil {
		b.logger.Warn("facts query failed, continuing without facts", "error", err)
		return
	}
	if len(facts) == 0 {
		return
	}

	sb.WriteString("\n\n## What you know\n")
	for _, f := range facts {
		fmt.Fprintf(sb, "- [%s] %s: %s\n", f.Category, f.Subject, f.Content)
	}
}

func (b *Builder) writeGoals(ctx context.Context, sb *strings.Builder) {
	goals, err := b.store.ActiveGoals(ctx, "")
	if err != nil {
		b.logger.Warn("goals query failed, continuing without goals", "error", err)
		return
	}
	if len(goals) == 0 {
		return
	}

	sb.WriteString("\n\n## Active goals\n")
	for _, g := range goals {
		fmt.Fprintf(sb, "- (P%d, %d%%) %s", g.Priority, g.Progress, g.Title)
		if g.Project != "" {
			fmt.Fprintf(sb, " [%s]", g.Project)
		}
		sb.WriteString("\n")
	}
}

func (b *Builder) writeLessons(ctx context.Context, sb *strings.Builder) {
	lessons, err := b.store.FactsByCategory(ctx, memory.CategoryLesson, 5)
	if err != nil {
		b.logger.Warn("lessons query failed, continuing without lessons", "error", err)
		return
	}
	if len(lessons) == 0 {
		return
	}

	sb.WriteString("\n\n## Lessons learned\n")
	for _, l := range lessons {
		fmt.Fprintf(sb, "- %s\n", l.Content)
	}
}

func (b *Builder) writeCapabilities(sb *strings.Builder, defs []capability.Definition) {
	if len(defs) == 0 {
		return
	}
	sb.WriteString("\n\n## Capabilities\nYou can call these tools when they help:\n")
	for _, d := range defs {
		fmt.Fprintf(sb, "- %s: %s\n", d.Name, d.Description)
	}
}

func (b *Builder) writeAmbient(sb *strings.Builder, session *memory.Session) {
	now := b.now()
	sb.WriteString("\n\n## Right now\n")
	fmt.Fprintf(sb, "Current time: %s\n", now.Format("Monday, 2 January 2006 15:04 MST"))
	if session != nil && !session.StartedAt.IsZero() {
		fmt.Fprintf(sb, "Session age: %s on %s\n",
			now.Sub(session.StartedAt).Round(time.Second), session.Channel)
	}
	if b.health != nil {
		if status := b.health(); status != "" {
			fmt.Fprintf(sb, "System status: %s\n", status)
		}
	}
}

// buildWindow returns the conversation view: the latest compaction
// summary (when one exists) followed by the recent uncompacted
// messages converted to neutral form. Raw history is never touched.
func (b *Builder) buildWindow(ctx context.Context, sessionID string) []reasoning.Message {
	var window []reasoning.Message

	summary, err := b.store.LatestSummary(ctx, sessionID)
	if err != nil {
		b.logger.Warn("summary lookup failed, continuing without it", "error", err)
	} else if summary != "" {
		window = append(window, reasoning.Message{Role: "system", Content: summary})
	}

	msgs, err := b.store.RecentUncompacted(ctx, sessionID, b.window)
	if err != nil {
		b.logger.Warn("history query failed, continuing with empty window", "error", err)
		return window
	}
	for _, m := range msgs {
		if m.Role != memory.RoleUser && m.Role != memory.RoleAssistant {
			continue
		}
		window = append(window, reasoning.Message{Role: m.Role, Content: m.Content})
	}
	return window
}

// keyword reduces the turn text to a cheap search key: the longest
// word over three characters, which beats matching the whole sentence
// against fact subjects.
func keyword(text string) string {
	best := ""
	for _, w := range strings.Fields(text) {
		w = strings.Trim(strings.ToLower(w), ".,!?;:\"'")
		if len(w) > len(best) && len(w) > 3 {
			best = w
		}
	}
	if best == "" {
		return text
	}
	return best
}
