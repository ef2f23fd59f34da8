package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session ID does not exist.
var ErrNotFound = errors.New("session not found")

// Store persists sessions and their turn logs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the session database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		token_usage INTEGER NOT NULL DEFAULT 0,
		compaction_marker INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls TEXT,
		tool_call_id TEXT,
		is_summary INTEGER NOT NULL DEFAULT 0,
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (session_id, seq),
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create persists a new session. A zero ID gets a generated one.
func (s *Store) Create(sess *Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.UpdatedAt = sess.CreatedAt

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, created_at, updated_at, token_usage, compaction_marker)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.Title,
		sess.CreatedAt.Format(time.RFC3339Nano), sess.UpdatedAt.Format(time.RFC3339Nano),
		sess.TokenUsage, sess.CompactionMarker)

	return err
}

// Get retrieves session metadata without turns.
func (s *Store) Get(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, title, created_at, updated_at, token_usage, compaction_marker
		FROM sessions WHERE id = ?
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// GetOrCreate returns the session with the given ID, creating it first
// when it does not exist. Used by scheduled fires targeting a dedicated
// session that may not have been opened interactively yet.
func (s *Store) GetOrCreate(id string) (*Session, error) {
	sess, err := s.Get(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sess = &Session{ID: id}
	if err := s.Create(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Append writes one turn to the session's log. Seq is assigned inside
// the transaction so concurrent appenders on different sessions never
// collide and appends within a session stay strictly monotonic. The
// session's token usage counter and updated_at advance in the same
// transaction.
func (s *Store) Append(sessionID string, t *Turn) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.TokenCount == 0 {
		t.TokenCount = estimateTokens(t.Content)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}

	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?
	`, sessionID).Scan(&t.Seq); err != nil {
		return fmt.Errorf("assign seq: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO turns (id, session_id, seq, role, content, tool_calls, tool_call_id, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, sessionID, t.Seq, t.Role, t.Content, t.ToolCalls, t.ToolCallID,
		t.TokenCount, t.CreatedAt.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET token_usage = token_usage + ?, updated_at = ? WHERE id = ?
	`, t.TokenCount, t.CreatedAt.Format(time.RFC3339Nano), sessionID); err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	return tx.Commit()
}

// Load returns the session with its replay view: every turn when the
// session was never compacted, otherwise the current summary turn
// followed by the turns after the compaction marker. Superseded
// summaries are filtered out; the newest one sorts first.
func (s *Store) Load(id string) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	turns, err := s.queryTurns(`
		WHERE session_id = ? AND seq > ?
		AND (is_summary = 0 OR seq = (SELECT MAX(seq) FROM turns WHERE session_id = ? AND is_summary = 1))
		ORDER BY is_summary DESC, seq ASC
	`, id, sess.CompactionMarker, id)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return sess, nil
}

// LoadAll returns the session with its complete turn log in append
// order, including summarized turns and old summaries. Used by
// inspection commands.
func (s *Store) LoadAll(id string) (*Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	turns, err := s.queryTurns(`
		WHERE session_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return sess, nil
}

func (s *Store) queryTurns(clause string, args ...any) ([]Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, seq, role, content, tool_calls, tool_call_id, is_summary, token_count, created_at
		FROM turns `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var toolCalls, toolCallID sql.NullString
		var isSummary int
		var createdAt string

		if err := rows.Scan(&t.ID, &t.Seq, &t.Role, &t.Content, &toolCalls, &toolCallID, &isSummary, &t.TokenCount, &createdAt); err != nil {
			return nil, err
		}
		t.ToolCalls = toolCalls.String
		t.ToolCallID = toolCallID.String
		t.IsSummary = isSummary == 1
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		turns = append(turns, t)
	}

	return turns, rows.Err()
}

// List returns all sessions ordered by most recent activity.
func (s *Store) List() ([]Summary, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.title, s.created_at, s.updated_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s
		ORDER BY s.updated_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sm Summary
		var createdAt, updatedAt string
		if err := rows.Scan(&sm.ID, &sm.Title, &createdAt, &updatedAt, &sm.TurnCount); err != nil {
			return nil, err
		}
		sm.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		sm.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, sm)
	}

	return out, rows.Err()
}

// Compact records a compaction: the summary turn stands in for every
// turn with seq <= marker. The summary is appended to the log, the
// marker advances, and the token usage counter is recomputed over the
// new replay view. One transaction: a crash leaves either the old
// history or the fully compacted one, never a summary without its
// marker. Calling with a marker at or below the current one is a
// no-op, which makes back-to-back compactions idempotent.
func (s *Store) Compact(sessionID, summary string, marker int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin compact: %w", err)
	}
	defer tx.Rollback()

	var current, maxSeq int64
	err = tx.QueryRow(`SELECT compaction_marker FROM sessions WHERE id = ?`, sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if marker <= current {
		return nil
	}

	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), 0) FROM turns WHERE session_id = ?
	`, sessionID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("read max seq: %w", err)
	}
	if marker > maxSeq {
		return fmt.Errorf("marker %d beyond last turn %d", marker, maxSeq)
	}

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO turns (id, session_id, seq, role, content, is_summary, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	`, NewID(), sessionID, maxSeq+1, RoleSystem, summary,
		estimateTokens(summary), now.Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("insert summary turn: %w", err)
	}

	if _, err := tx.Exec(`
		UPDATE sessions SET
			compaction_marker = ?,
			token_usage = (
				SELECT COALESCE(SUM(token_count), 0) FROM turns
				WHERE session_id = ? AND seq > ? AND (is_summary = 0 OR seq = ?)
			),
			updated_at = ?
		WHERE id = ?
	`, marker, sessionID, marker, maxSeq+1, now.Format(time.RFC3339Nano), sessionID); err != nil {
		return fmt.Errorf("advance marker: %w", err)
	}

	return tx.Commit()
}

// SetTitle renames a session.
func (s *Store) SetTitle(id, title string) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?
	`, title, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTokenUsage overwrites the session's usage counter with a
// provider-reported total, replacing the running append estimates.
func (s *Store) SetTokenUsage(id string, tokens int) error {
	res, err := s.db.Exec(`
		UPDATE sessions SET token_usage = ?, updated_at = ? WHERE id = ?
	`, tokens, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearTurns deletes a session's turn log and resets its counters
// while keeping the session row and title.
func (s *Store) ClearTurns(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`
		UPDATE sessions SET token_usage = 0, compaction_marker = 0, updated_at = ? WHERE id = ?
	`, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// Delete removes a session and its turns.
func (s *Store) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return err
	}

	return tx.Commit()
}

func scanSession(row *sql.Row) (*Session, error) {
	var sess Session
	var createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.Title, &createdAt, &updatedAt, &sess.TokenUsage, &sess.CompactionMarker)
	if err != nil {
		return nil, err
	}

	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &sess, nil
}
