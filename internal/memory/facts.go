package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fact categories. Lessons are facts the agent records about its own
// mistakes and corrections; they get their own context section.
const (
	CategoryIdentity   = "identity"
	CategoryPreference = "preference"
	CategoryProject    = "project"
	CategoryContext    = "context"
	CategoryLesson     = "lesson"
)

// Fact provenance values.
const (
	SourceManual   = "manual"
	SourceInferred = "inferred"
)

// Fact is a durable piece of extracted knowledge. Facts are soft
// deleted: Deactivate flips Active to false and the row stays for the
// audit trail.
type Fact struct {
	ID         string
	Category   string
	Subject    string
	Content    string
	Confidence float64
	// Source is "manual", "inferred", or a message ID reference.
	Source    string
	Active    bool
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RecordFact inserts a new active fact and returns its ID. It does not
// deduplicate; correcting a stale fact is the caller's job via
// DeactivateFact.
func (s *Store) RecordFact(ctx context.Context, f *Fact) (string, error) {
	if f.Confidence < 0 || f.Confidence > 1 {
		return "", fmt.Errorf("confidence %.2f out of range [0,1]", f.Confidence)
	}
	if f.Subject == "" || f.Content == "" {
		return "", fmt.Errorf("fact requires subject and content")
	}
	if f.Category == "" {
		f.Category = CategoryContext
	}
	if f.Source == "" {
		f.Source = SourceManual
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate fact id: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO facts (id, category, subject, content, confidence, source, active, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, TRUE, ?, ?, ?)`,
		id.String(), f.Category, f.Subject, f.Content, f.Confidence, f.Source, f.ExpiresAt, now, now,
	)
	if err != nil {
		return "", storageErr("record fact", err)
	}

	f.ID = id.String()
	f.Active = true
	f.CreatedAt = now
	f.UpdatedAt = now
	return f.ID, nil
}

// SearchFacts returns active, unexpired facts matching the query,
// ordered by confidence descending, then recency, then ID. The match
// is a case-insensitive substring match over subject and content; an
// empty query returns the highest-confidence facts overall.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 10
	}

	where := "active = TRUE AND (expires_at IS NULL OR expires_at > ?)"
	args := []any{time.Now().UTC()}

	if q := strings.TrimSpace(query); q != "" {
		where += " AND (subject LIKE ? OR content LIKE ?)"
		pattern := "%" + q + "%"
		args = append(args, pattern, pattern)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, subject, content, confidence, source, active, expires_at, created_at, updated_at
		FROM facts
		WHERE `+where+`
		ORDER BY confidence DESC, created_at DESC, id DESC
		LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, storageErr("search facts", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactsByCategory returns active facts in a category, highest
// confidence first. The lessons context section uses this.
func (s *Store) FactsByCategory(ctx context.Context, category string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, subject, content, confidence, source, active, expires_at, created_at, updated_at
		FROM facts
		WHERE active = TRUE AND category = ? AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY confidence DESC, created_at DESC, id DESC
		LIMIT ?`,
		category, time.Now().UTC(), limit,
	)
	if err != nil {
		return nil, storageErr("facts by category", err)
	}
	defer rows.Close()
	return scanFacts(rows)
}

// FactByID returns a fact regardless of its active flag, preserving
// the audit trail for deactivated facts. Returns a NotFoundError for
// an unknown ID.
func (s *Store) FactByID(ctx context.Context, id string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, subject, content, confidence, source, active, expires_at, created_at, updated_at
		FROM facts WHERE id = ?`,
		id,
	)
	f, err := scanFact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "fact", ID: id}
	}
	if err != nil {
		return nil, storageErr("fact by id", err)
	}
	return f, nil
}

// DeactivateFact soft-deletes a fact. The row is never removed; it
// simply stops surfacing in searches and context. Returns a
// NotFoundError for an unknown ID.
func (s *Store) DeactivateFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET active = FALSE, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return storageErr("deactivate fact", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("deactivate fact", err)
	}
	if n == 0 {
		return &NotFoundError{Kind: "fact", ID: id}
	}
	return nil
}

type factScanner interface {
	Scan(dest ...any) error
}

func scanFact(row factScanner) (*Fact, error) {
	var f Fact
	var expires sql.NullTime
	err := row.Scan(&f.ID, &f.Category, &f.Subject, &f.Content, &f.Confidence,
		&f.Source, &f.Active, &expires, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		f.ExpiresAt = &expires.Time
	}
	return &f, nil
}

func scanFacts(rows *sql.Rows) ([]Fact, error) {
	var out []Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, storageErr("scan fact", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate facts", err)
	}
	return out, nil
}
