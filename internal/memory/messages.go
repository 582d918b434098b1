package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message roles. Every stored message carries exactly one of these.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ValidRole reports whether role is one of the four message roles.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// Message is one turn in a conversation. Messages are append-only and
// totally ordered within a session by (created_at, id); IDs are UUIDv7
// so the tie-break follows insertion order.
type Message struct {
	ID           string
	SessionID    string
	Channel      string
	Role         string
	Content      string
	Metadata     map[string]any
	InputTokens  int
	OutputTokens int
	Compacted    bool
	CreatedAt    time.Time
}

// AppendMessage stores a new message and returns its ID. The ID and
// creation time are assigned here; callers must not set them. Fails
// with a StorageError if the write cannot be durably applied.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (string, error) {
	if !ValidRole(msg.Role) {
		return "", fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.SessionID == "" {
		return "", fmt.Errorf("message requires a session id")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}

	var metadata sql.NullString
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return "", fmt.Errorf("encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, channel, role, content, metadata, input_tokens, output_tokens, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), msg.SessionID, msg.Channel, msg.Role, msg.Content,
		metadata, msg.InputTokens, msg.OutputTokens, now,
	)
	if err != nil {
		return "", storageErr("append message", err)
	}

	msg.ID = id.String()
	msg.CreatedAt = now
	return msg.ID, nil
}

// RecentMessages returns the most recent limit messages for a session,
// oldest first.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT id, session_id, channel, role, content, metadata, input_tokens, output_tokens, compacted, created_at
			FROM messages
			WHERE session_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentUncompacted returns the most recent limit messages for a
// session that have not been folded into a compaction summary, oldest
// first. This is the conversation window the context builder uses.
func (s *Store) RecentUncompacted(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT id, session_id, channel, role, content, metadata, input_tokens, output_tokens, compacted, created_at
			FROM messages
			WHERE session_id = ? AND compacted = FALSE
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, storageErr("query messages", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// RecentMessagesByChannel returns all messages seen on a channel within
// the time window, oldest first. Used for cross-session proactive
// summaries.
func (s *Store) RecentMessagesByChannel(ctx context.Context, channel string, window time.Duration) ([]Message, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, channel, role, content, metadata, input_tokens, output_tokens, compacted, created_at
		FROM messages
		WHERE channel = ? AND created_at >= ?
		ORDER BY created_at ASC, id ASC`,
		channel, cutoff,
	)
	if err != nil {
		return nil, storageErr("query messages by channel", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// TokenUsage aggregates token counts across all messages created within
// the window.
func (s *Store) TokenUsage(ctx context.Context, window time.Duration) (TokenTotals, error) {
	cutoff := time.Now().UTC().Add(-window)
	var t TokenTotals
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM messages
		WHERE created_at >= ?`,
		cutoff,
	).Scan(&t.Messages, &t.InputTokens, &t.OutputTokens)
	if err != nil {
		return TokenTotals{}, storageErr("aggregate token usage", err)
	}
	return t, nil
}

// TokenTotals is an aggregate of token consumption over a window.
type TokenTotals struct {
	Messages     int
	InputTokens  int
	OutputTokens int
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var metadata sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Channel, &m.Role, &m.Content,
			&metadata, &m.InputTokens, &m.OutputTokens, &m.Compacted, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		if metadata.Valid && metadata.String != "" {
			// Metadata decode failures degrade to a nil map rather than
			// losing the message itself.
			_ = json.Unmarshal([]byte(metadata.String), &m.Metadata)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate messages", err)
	}
	return out, nil
}
