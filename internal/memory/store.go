package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Schema is the SQL DDL for the memory tables. Applied idempotently by
// [Store.Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS memory_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    profile_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_messages_session ON memory_messages(session_id, id);

CREATE TABLE IF NOT EXISTS memory_facts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    profile_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    tags TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_facts_scope ON memory_facts(profile_id, user_id, id);

CREATE TABLE IF NOT EXISTS memory_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    profile_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_summaries_scope ON memory_summaries(profile_id, user_id, id);

CREATE TABLE IF NOT EXISTS memory_candidates (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    profile_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    content TEXT NOT NULL,
    reason TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_candidates_scope ON memory_candidates(profile_id, user_id, id);
CREATE INDEX IF NOT EXISTS idx_memory_candidates_status ON memory_candidates(status, id);
`

// Store is the SQLite-backed persistence layer. All operations are narrow
// CRUD scoped by (profile_id, user_id); messages and summaries are
// additionally keyed by session_id.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path, creates
// parent directories, and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "data/memory.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("memory: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %q: %w", path, err)
	}
	// The file engine serialises writers; a single connection avoids
	// SQLITE_BUSY churn under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-open database. The caller is responsible for
// calling [Store.Migrate].
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate applies [Schema]. Safe to call repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("memory: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddMessage inserts one conversation turn.
func (s *Store) AddMessage(ctx context.Context, scope Scope, role, content string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_messages (session_id, profile_id, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scope.SessionID, scope.ProfileID, scope.UserID, role, content, createdAt)
	if err != nil {
		return fmt.Errorf("memory: add message: %w", err)
	}
	return nil
}

// ListMessages returns up to limit messages of a session ordered by id.
// ascending selects oldest-first; otherwise newest-first.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int, ascending bool) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM memory_messages
		WHERE session_id = ?
		ORDER BY id `+order+`
		LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of messages recorded for a session.
func (s *Store) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_messages WHERE session_id = ?`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("memory: count messages: %w", err)
	}
	return count, nil
}

// TrimMessages deletes all but the newest keep messages of a session and
// returns the removed rows oldest-first.
func (s *Store) TrimMessages(ctx context.Context, sessionID string, keep int) ([]Message, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: trim messages: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_messages WHERE session_id = ?`, sessionID).Scan(&total); err != nil {
		return nil, fmt.Errorf("memory: trim messages: %w", err)
	}
	overflow := total - keep
	if overflow <= 0 {
		return nil, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM memory_messages
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?`,
		sessionID, overflow)
	if err != nil {
		return nil, fmt.Errorf("memory: trim messages: %w", err)
	}
	var removed []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("memory: scan message: %w", err)
		}
		removed = append(removed, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("memory: trim messages: %w", err)
	}
	rows.Close()

	if len(removed) > 0 {
		ids := make([]string, len(removed))
		args := make([]any, len(removed))
		for i, m := range removed {
			ids[i] = "?"
			args[i] = m.ID
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM memory_messages WHERE id IN (`+strings.Join(ids, ",")+`)`, args...); err != nil {
			return nil, fmt.Errorf("memory: trim messages: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory: trim messages: %w", err)
	}
	return removed, nil
}

// AddFact inserts a fact with the given tags.
func (s *Store) AddFact(ctx context.Context, scope Scope, content string, tags []string, createdAt int64) error {
	if tags == nil {
		tags = []string{}
	}
	payload, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("memory: marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_facts (profile_id, user_id, content, tags, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		scope.ProfileID, scope.UserID, content, string(payload), createdAt)
	if err != nil {
		return fmt.Errorf("memory: add fact: %w", err)
	}
	return nil
}

// DeleteFact removes a fact by id within the scope. It reports whether a
// row was deleted.
func (s *Store) DeleteFact(ctx context.Context, scope Scope, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_facts
		WHERE id = ? AND profile_id = ? AND user_id = ?`,
		id, scope.ProfileID, scope.UserID)
	if err != nil {
		return false, fmt.Errorf("memory: delete fact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("memory: delete fact: %w", err)
	}
	return n > 0, nil
}

// FactExists reports whether a fact with exactly this content exists in
// the scope.
func (s *Store) FactExists(ctx context.Context, scope Scope, content string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM memory_facts
		WHERE profile_id = ? AND user_id = ? AND content = ?
		LIMIT 1`,
		scope.ProfileID, scope.UserID, content).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: fact exists: %w", err)
	}
	return true, nil
}

// FactByContent returns the fact with exactly this content, or nil.
func (s *Store) FactByContent(ctx context.Context, scope Scope, content string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, user_id, content, tags, created_at
		FROM memory_facts
		WHERE profile_id = ? AND user_id = ? AND content = ?
		LIMIT 1`,
		scope.ProfileID, scope.UserID, content)
	fact, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: fact by content: %w", err)
	}
	return fact, nil
}

// ListFacts returns up to limit facts newest-first.
func (s *Store) ListFacts(ctx context.Context, scope Scope, limit int) ([]Fact, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, user_id, content, tags, created_at
		FROM memory_facts
		WHERE profile_id = ? AND user_id = ?
		ORDER BY id DESC
		LIMIT ?`,
		scope.ProfileID, scope.UserID, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		fact, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("memory: scan fact: %w", err)
		}
		out = append(out, *fact)
	}
	return out, rows.Err()
}

// AddSummary inserts a summary row for the scope's session.
func (s *Store) AddSummary(ctx context.Context, scope Scope, content string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_summaries (session_id, profile_id, user_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		scope.SessionID, scope.ProfileID, scope.UserID, content, createdAt)
	if err != nil {
		return fmt.Errorf("memory: add summary: %w", err)
	}
	return nil
}

// ListSummaries returns up to limit summaries newest-first for the
// (profile, user) pair, skipping excludeSessionID when non-empty.
func (s *Store) ListSummaries(ctx context.Context, scope Scope, limit int, excludeSessionID string) ([]Summary, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT id, session_id, profile_id, user_id, content, created_at
		FROM memory_summaries
		WHERE profile_id = ? AND user_id = ?`
	args := []any{scope.ProfileID, scope.UserID}
	if excludeSessionID != "" {
		query += ` AND session_id != ?`
		args = append(args, excludeSessionID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("memory: list summaries: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.ProfileID, &sum.UserID, &sum.Content, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// DeleteSummary removes a summary by id within the scope. It reports
// whether a row was deleted.
func (s *Store) DeleteSummary(ctx context.Context, scope Scope, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_summaries
		WHERE id = ? AND profile_id = ? AND user_id = ?`,
		id, scope.ProfileID, scope.UserID)
	if err != nil {
		return false, fmt.Errorf("memory: delete summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("memory: delete summary: %w", err)
	}
	return n > 0, nil
}

// AddCandidate inserts a pending candidate.
func (s *Store) AddCandidate(ctx context.Context, scope Scope, content, reason string, createdAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_candidates (profile_id, user_id, content, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		scope.ProfileID, scope.UserID, content, reason, StatusPending, createdAt)
	if err != nil {
		return fmt.Errorf("memory: add candidate: %w", err)
	}
	return nil
}

// CandidateExists reports whether a pending candidate with exactly this
// content exists in the scope.
func (s *Store) CandidateExists(ctx context.Context, scope Scope, content string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM memory_candidates
		WHERE profile_id = ? AND user_id = ? AND content = ? AND status = ?
		LIMIT 1`,
		scope.ProfileID, scope.UserID, content, StatusPending).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("memory: candidate exists: %w", err)
	}
	return true, nil
}

// ListCandidates returns up to limit candidates with the given status,
// newest-first.
func (s *Store) ListCandidates(ctx context.Context, scope Scope, status string, limit int) ([]Candidate, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, user_id, content, reason, status, created_at
		FROM memory_candidates
		WHERE profile_id = ? AND user_id = ? AND status = ?
		ORDER BY id DESC
		LIMIT ?`,
		scope.ProfileID, scope.UserID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("memory: list candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.ProfileID, &c.UserID, &c.Content, &c.Reason, &c.Status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCandidate returns a candidate by id within the scope, or nil.
func (s *Store) GetCandidate(ctx context.Context, scope Scope, id int64) (*Candidate, error) {
	var c Candidate
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile_id, user_id, content, reason, status, created_at
		FROM memory_candidates
		WHERE id = ? AND profile_id = ? AND user_id = ?`,
		id, scope.ProfileID, scope.UserID).
		Scan(&c.ID, &c.ProfileID, &c.UserID, &c.Content, &c.Reason, &c.Status, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: get candidate: %w", err)
	}
	return &c, nil
}

// UpdateCandidateStatus moves a candidate to the given status. It reports
// whether a row was updated.
func (s *Store) UpdateCandidateStatus(ctx context.Context, scope Scope, id int64, status string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memory_candidates SET status = ?
		WHERE id = ? AND profile_id = ? AND user_id = ?`,
		status, id, scope.ProfileID, scope.UserID)
	if err != nil {
		return false, fmt.Errorf("memory: update candidate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("memory: update candidate: %w", err)
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFact(row scanner) (*Fact, error) {
	var f Fact
	var tags string
	if err := row.Scan(&f.ID, &f.ProfileID, &f.UserID, &f.Content, &tags, &f.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &f.Tags); err != nil {
		f.Tags = []string{}
	}
	return &f, nil
}
