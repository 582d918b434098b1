// Package memory is the sole durable record of conversation history,
// extracted facts, goals, and sessions. All persistent mutation in the
// agent goes through this package's operations; raw database handles
// are never handed to callers.
package memory

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed memory store. Methods are safe for
// concurrent use; per-session write ordering is preserved by the
// single writer connection plus time-ordered IDs.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenDB opens the SQLite database file with WAL journaling and a busy
// timeout, which together allow concurrent readers alongside a writer.
// The handle is shared with sibling stores (scheduler, usage) that keep
// their own tables in the same file.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewStore creates a memory store on an open database handle and runs
// migrations. The caller retains ownership of db.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Conversation turns, append-only.
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		compacted BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_compacted ON messages(session_id, compacted);

	-- Extracted knowledge. Rows are never deleted, only deactivated.
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		category TEXT NOT NULL,
		subject TEXT NOT NULL,
		content TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0.8,
		source TEXT NOT NULL DEFAULT 'manual',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_facts_active ON facts(active, category);

	-- Tracked objectives.
	CREATE TABLE IF NOT EXISTS goals (
		id TEXT PRIMARY KEY,
		project TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		priority INTEGER NOT NULL DEFAULT 2,
		progress INTEGER NOT NULL DEFAULT 0,
		parent_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_goals_status ON goals(status, priority);

	-- Append-only audit log of goal mutations.
	CREATE TABLE IF NOT EXISTS goal_updates (
		id TEXT PRIMARY KEY,
		goal_id TEXT NOT NULL,
		field TEXT NOT NULL,
		old_value TEXT NOT NULL,
		new_value TEXT NOT NULL,
		note TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (goal_id) REFERENCES goals(id)
	);
	CREATE INDEX IF NOT EXISTS idx_goal_updates_goal ON goal_updates(goal_id, created_at);

	-- Bounded units of interaction.
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		summary TEXT NOT NULL DEFAULT '',
		heavy_use BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_channel ON sessions(channel, started_at);

	-- Context-view summaries of compacted history. Raw messages are
	-- never rewritten; the summary substitutes for them at read time.
	CREATE TABLE IF NOT EXISTS compaction_summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		through_message_id TEXT NOT NULL,
		summary TEXT NOT NULL,
		message_count INTEGER NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_summaries_session ON compaction_summaries(session_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// estimateTokens gives a rough token count for budgeting purposes.
// Four characters per token is close enough for window math.
func estimateTokens(text string) int {
	return len(text) / 4
}
