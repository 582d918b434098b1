package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session is a bounded unit of interaction on one channel.
type Session struct {
	ID        string
	Channel   string
	StartedAt time.Time
	EndedAt   *time.Time
	Summary   string
	HeavyUse  bool
}

// Duration returns the session length, measured to now while the
// session is still open.
func (s Session) Duration() time.Duration {
	end := time.Now().UTC()
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(s.StartedAt)
}

// StartSession creates a new open session on the channel.
func (s *Store) StartSession(ctx context.Context, channel string) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, channel, started_at) VALUES (?, ?, ?)`,
		id.String(), channel, now,
	)
	if err != nil {
		return nil, storageErr("start session", err)
	}

	return &Session{ID: id.String(), Channel: channel, StartedAt: now}, nil
}

// SessionByID returns a session, or a NotFoundError.
func (s *Store) SessionByID(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, started_at, ended_at, summary, heavy_use
		FROM sessions WHERE id = ?`,
		id,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, storageErr("session by id", err)
	}
	return sess, nil
}

// EndSession closes a session and records its summary. Ending an
// already-ended session overwrites the end time and summary.
func (s *Store) EndSession(ctx context.Context, id, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, summary = ? WHERE id = ?`,
		time.Now().UTC(), summary, id,
	)
	if err != nil {
		return storageErr("end session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("end session", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "session", ID: id}
	}
	return nil
}

// LastOpenSession returns the most recent open session on a channel
// started within maxAge, or a NotFoundError when none qualifies.
// Channels use this to resume a recent conversation instead of
// starting cold.
func (s *Store) LastOpenSession(ctx context.Context, channel string, maxAge time.Duration) (*Session, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, started_at, ended_at, summary, heavy_use
		FROM sessions
		WHERE channel = ? AND ended_at IS NULL AND started_at >= ?
		ORDER BY started_at DESC
		LIMIT 1`,
		channel, cutoff,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "session", ID: channel}
	}
	if err != nil {
		return nil, storageErr("last open session", err)
	}
	return sess, nil
}

// CloseStale ends open sessions on a channel whose start is older
// than maxAge. Abandoned conversations would otherwise stay open
// forever. Returns how many sessions were closed.
func (s *Store) CloseStale(ctx context.Context, channel string, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = ?, summary = ?
		WHERE channel = ? AND ended_at IS NULL AND started_at < ?`,
		time.Now().UTC(), "closed after inactivity", channel, cutoff,
	)
	if err != nil {
		return 0, storageErr("close stale sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("close stale sessions", err)
	}
	return int(n), nil
}

// ResolveSession returns the session with the given ID, or when id is
// empty, resumes the channel's last open session within maxAge or
// starts a fresh one. Stale open sessions on the channel are closed
// before a fresh one starts.
func (s *Store) ResolveSession(ctx context.Context, id, channel string, maxAge time.Duration) (*Session, error) {
	if id != "" {
		return s.SessionByID(ctx, id)
	}
	sess, err := s.LastOpenSession(ctx, channel, maxAge)
	if err == nil {
		return sess, nil
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return nil, err
	}
	if _, err := s.CloseStale(ctx, channel, maxAge); err != nil {
		return nil, err
	}
	return s.StartSession(ctx, channel)
}

// MarkHeavyUse flags a session as having consumed significant
// resources (long tool chains, large completions). Used for usage
// reporting.
func (s *Store) MarkHeavyUse(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET heavy_use = TRUE WHERE id = ?`, id)
	return storageErr("mark heavy use", err)
}

func scanSession(row factScanner) (*Session, error) {
	var sess Session
	var ended sql.NullTime
	err := row.Scan(&sess.ID, &sess.Channel, &sess.StartedAt, &ended, &sess.Summary, &sess.HeavyUse)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		sess.EndedAt = &ended.Time
	}
	return &sess, nil
}
