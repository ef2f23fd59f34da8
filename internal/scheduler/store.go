package scheduler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is RFC3339 with fixed-width nanoseconds, always UTC.
// RFC3339Nano trims trailing fractional zeros, which breaks the
// lexicographic next_fire_at comparison in Due: "…T12:00:00Z" sorts
// after "…T12:00:00.9Z". The padded form keeps string order equal to
// time order. Reads still parse with RFC3339Nano, which accepts both.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Store handles task persistence. Every state transition goes through
// the database so the tick loop can recover after a restart.
type Store struct {
	db *sql.DB
}

// NewStore creates a scheduler store with SQLite backend.
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
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		schedule_json TEXT NOT NULL,
		payload TEXT NOT NULL,
		state TEXT NOT NULL,
		next_fire_at TEXT NOT NULL,
		last_fired_at TEXT,
		last_error TEXT,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_state_next ON tasks(state, next_fire_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateTask validates the schedule, computes the first fire time, and
// persists the task in the pending state.
func (s *Store) CreateTask(t *Task) error {
	if err := t.Schedule.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	t.State = StatePending

	next, ok := t.Schedule.NextAfter(t.CreatedAt)
	if !ok {
		return errors.New("schedule has no future fires")
	}
	t.NextFireAt = next

	scheduleJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, session_id, schedule_json, payload, state, next_fire_at, created_at, created_by, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, string(scheduleJSON), t.Payload, t.State,
		formatTime(t.NextFireAt),
		formatTime(t.CreatedAt), t.CreatedBy, formatTime(t.UpdatedAt))

	return err
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTasks returns all tasks, newest first. When states are given,
// only tasks in one of those states are returned.
func (s *Store) ListTasks(states ...State) ([]*Task, error) {
	query := taskSelect
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		query += ` WHERE state IN (?` + strings.Repeat(",?", len(states)-1) + `)`
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// Due returns pending tasks whose fire time has arrived, oldest first.
func (s *Store) Due(now time.Time) ([]*Task, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE state = ? AND next_fire_at <= ?
		ORDER BY next_fire_at ASC
	`, StatePending, formatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}

	return tasks, rows.Err()
}

// MarkFiring transitions a pending task to firing. Returns false when
// the task is no longer pending, which means another path already
// claimed or cancelled it.
func (s *Store) MarkFiring(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, StateFiring, formatTime(time.Now()), id, StatePending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishFire records the outcome of a fire. Recurring tasks return to
// pending with a recomputed next fire time; one-time tasks complete.
func (s *Store) FinishFire(t *Task, firedAt time.Time, fireErr error) error {
	t.LastFiredAt = &firedAt
	t.LastError = ""
	if fireErr != nil {
		t.LastError = fireErr.Error()
	}
	t.UpdatedAt = time.Now()

	if t.Recurring() {
		next, ok := t.Schedule.NextAfter(firedAt)
		if !ok {
			return errors.New("recurring schedule produced no next fire")
		}
		t.State = StatePending
		t.NextFireAt = next
	} else {
		t.State = StateCompleted
	}

	_, err := s.db.Exec(`
		UPDATE tasks SET state = ?, next_fire_at = ?, last_fired_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, t.State, formatTime(t.NextFireAt),
		formatTime(firedAt), t.LastError,
		formatTime(t.UpdatedAt), t.ID)

	return err
}

// CancelTask moves a task to the terminal cancelled state. Completed
// and already-cancelled tasks are left untouched.
func (s *Store) CancelTask(id string) error {
	res, err := s.db.Exec(`
		UPDATE tasks SET state = ?, updated_at = ? WHERE id = ? AND state IN (?, ?)
	`, StateCancelled, formatTime(time.Now()), id, StatePending, StateFiring)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already terminal.
		if _, err := s.GetTask(id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteTask removes a task entirely.
func (s *Store) DeleteTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverFiring resets tasks stuck in the firing state back to pending.
// Called once at startup: a task that was mid-fire when the process
// died fires again on the next tick. Delivery is at-least-once.
func (s *Store) RecoverFiring() (int, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET state = ?, updated_at = ? WHERE state = ?
	`, StatePending, formatTime(time.Now()), StateFiring)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const taskSelect = `
	SELECT id, session_id, schedule_json, payload, state, next_fire_at, last_fired_at, last_error, created_at, created_by, updated_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var scheduleJSON, nextFireAt, createdAt, updatedAt string
	var lastFiredAt, lastError sql.NullString

	err := row.Scan(&t.ID, &t.SessionID, &scheduleJSON, &t.Payload, &t.State,
		&nextFireAt, &lastFiredAt, &lastError, &createdAt, &t.CreatedBy, &updatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(scheduleJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("unmarshal schedule: %w", err)
	}

	t.NextFireAt, _ = time.Parse(time.RFC3339Nano, nextFireAt)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastFiredAt.Valid {
		ts, _ := time.Parse(time.RFC3339Nano, lastFiredAt.String)
		t.LastFiredAt = &ts
	}
	if lastError.Valid {
		t.LastError = lastError.String
	}

	return &t, nil
}
