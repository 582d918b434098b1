package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CompactionConfig bounds the conversation window. When a session
// accumulates more than Threshold uncompacted messages, or the window
// exceeds TokenBudget estimated tokens, the oldest are folded into a
// summary, keeping KeepRecent verbatim. A zero TokenBudget disables
// the token trigger.
type CompactionConfig struct {
	Threshold   int
	KeepRecent  int
	TokenBudget int
}

// DefaultCompactionConfig matches a ~30 message context window.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		Threshold:   60,
		KeepRecent:  30,
		TokenBudget: 24000,
	}
}

// Summarizer condenses a run of messages into a short prose summary.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []Message) (string, error)
}

// Compactor folds old conversation history into summaries. It runs
// after a turn completes, never during context assembly, so reads stay
// pure. Raw messages are only flagged, never rewritten or deleted.
type Compactor struct {
	store      *Store
	summarizer Summarizer
	cfg        CompactionConfig
	logger     *slog.Logger
}

// NewCompactor creates a compactor. A nil summarizer falls back to
// SimpleSummarizer.
func NewCompactor(store *Store, summarizer Summarizer, cfg CompactionConfig, logger *slog.Logger) *Compactor {
	if summarizer == nil {
		summarizer = SimpleSummarizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg = DefaultCompactionConfig()
	}
	return &Compactor{store: store, summarizer: summarizer, cfg: cfg, logger: logger}
}

// MaybeCompact compacts the session if its uncompacted window exceeds
// the message threshold or the token budget. Returns the number of
// messages compacted.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) (int, error) {
	count, err := c.store.uncompactedCount(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if count <= c.cfg.KeepRecent {
		return 0, nil
	}

	over := count > c.cfg.Threshold
	if !over && c.cfg.TokenBudget > 0 {
		// A few very large messages can blow the window long before
		// the message count does.
		window, err := c.store.oldestUncompacted(ctx, sessionID, count)
		if err != nil {
			return 0, err
		}
		tokens := 0
		for _, m := range window {
			tokens += estimateTokens(m.Content)
		}
		over = tokens > c.cfg.TokenBudget
	}
	if !over {
		return 0, nil
	}

	victims, err := c.store.oldestUncompacted(ctx, sessionID, count-c.cfg.KeepRecent)
	if err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, nil
	}

	summary, err := c.summarizer.Summarize(ctx, victims)
	if err != nil {
		// Summarization is best-effort enrichment. Fall back to the
		// structural summary rather than failing the compaction.
		c.logger.Warn("summarizer failed, using fallback", "session", sessionID, "error", err)
		summary, _ = SimpleSummarizer{}.Summarize(ctx, victims)
	}

	last := victims[len(victims)-1]
	if err := c.store.applyCompaction(ctx, sessionID, victims, last.ID, summary); err != nil {
		return 0, err
	}

	c.logger.Info("compacted session history",
		"session", sessionID,
		"messages", len(victims),
		"summary_chars", len(summary),
	)
	return len(victims), nil
}

// uncompactedCount returns the number of messages in the session's
// live window.
func (s *Store) uncompactedCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ? AND compacted = FALSE`,
		sessionID,
	).Scan(&n)
	if err != nil {
		return 0, storageErr("count uncompacted", err)
	}
	return n, nil
}

// oldestUncompacted returns the oldest n uncompacted messages for the
// session, oldest first.
func (s *Store) oldestUncompacted(ctx context.Context, sessionID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, channel, role, content, metadata, input_tokens, output_tokens, compacted, created_at
		FROM messages
		WHERE session_id = ? AND compacted = FALSE
		ORDER BY created_at ASC, id ASC
		LIMIT ?`,
		sessionID, n,
	)
	if err != nil {
		return nil, storageErr("query oldest uncompacted", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// applyCompaction stores the summary and flags the folded messages in
// one transaction so a crash cannot leave a summary without its flags
// or vice versa.
func (s *Store) applyCompaction(ctx context.Context, sessionID string, victims []Message, throughID, summary string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate summary id: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin compaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO compaction_summaries (id, session_id, through_message_id, summary, message_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id.String(), sessionID, throughID, summary, len(victims), time.Now().UTC(),
	)
	if err != nil {
		return storageErr("insert summary", err)
	}

	for _, m := range victims {
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET compacted = TRUE WHERE id = ?`, m.ID); err != nil {
			return storageErr("flag compacted", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("commit compaction", err)
	}
	return nil
}

// LatestSummary returns the most recent compaction summary for a
// session, or "" when the session has never been compacted.
func (s *Store) LatestSummary(ctx context.Context, sessionID string) (string, error) {
	var summary string
	err := s.db.QueryRowContext(ctx, `
		SELECT summary FROM compaction_summaries
		WHERE session_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		sessionID,
	).Scan(&summary)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr("latest summary", err)
	}
	return summary, nil
}

// SimpleSummarizer produces a structural summary without calling the
// reasoning engine. Used as the fallback when the engine is
// unavailable.
type SimpleSummarizer struct{}

// Summarize lists turn counts and the first line of each user message.
func (SimpleSummarizer) Summarize(_ context.Context, msgs []Message) (string, error) {
	var users, assistants int
	var topics []string
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			users++
			line := m.Content
			if i := strings.IndexByte(line, '\n'); i >= 0 {
				line = line[:i]
			}
			if len(line) > 80 {
				line = line[:80] + "..."
			}
			if line != "" && len(topics) < 10 {
				topics = append(topics, line)
			}
		case RoleAssistant:
			assistants++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Earlier in this conversation (%d user and %d assistant messages, condensed):\n", users, assistants)
	for _, t := range topics {
		fmt.Fprintf(&sb, "- %s\n", t)
	}
	return sb.String(), nil
}
