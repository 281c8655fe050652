package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the durable Store implementation. Each session row and
// task row carries its full JSON document alongside the indexed status
// column the CAS runs against, so readers that predate a field never
// strip it on write.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the ledger database under dataDir.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "ledger.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS tasks (
		session_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		doc TEXT NOT NULL,
		PRIMARY KEY (session_id, task_id),
		FOREIGN KEY (session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(session_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the backing database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Create writes a new ledger in one transaction.
func (s *SQLiteStore) Create(ctx context.Context, session Session, tasks []Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM sessions WHERE session_id = ?`, session.SessionID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		return &ConflictError{SessionID: session.SessionID}
	}

	doc, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (session_id, status, created_at, updated_at, doc)
		VALUES (?, ?, ?, ?, ?)
	`, session.SessionID, session.Status, session.CreatedAt, session.UpdatedAt, doc)
	if err != nil {
		return err
	}

	for i := range tasks {
		taskDoc, err := json.Marshal(tasks[i])
		if err != nil {
			return fmt.Errorf("marshal task %s: %w", tasks[i].TaskID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (session_id, task_id, status, attempt_count, updated_at, doc)
			VALUES (?, ?, ?, ?, ?, ?)
		`, session.SessionID, tasks[i].TaskID, tasks[i].Status, tasks[i].AttemptCount, tasks[i].UpdatedAt, taskDoc)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Read returns the full current ledger state for a session.
func (s *SQLiteStore) Read(ctx context.Context, sessionID string) (*Ledger, error) {
	var sessionDoc string
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sessionDoc)
	if err == sql.ErrNoRows {
		return nil, NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return nil, err
	}

	var l Ledger
	if err := json.Unmarshal([]byte(sessionDoc), &l.Session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT doc FROM tasks WHERE session_id = ? ORDER BY rowid ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var taskDoc string
		if err := rows.Scan(&taskDoc); err != nil {
			return nil, err
		}
		var t Task
		if err := json.Unmarshal([]byte(taskDoc), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task: %w", err)
		}
		l.Tasks = append(l.Tasks, t)
	}
	return &l, rows.Err()
}

// UpdateTask CAS-writes one task. The status check and the document
// rewrite happen inside one transaction; SQLite serializes writers, so
// concurrent CAS calls on the same task resolve to exactly one winner.
func (s *SQLiteStore) UpdateTask(ctx context.Context, sessionID, taskID string, expected TaskStatus, update TaskUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var taskDoc string
	var current TaskStatus
	err = tx.QueryRowContext(ctx, `
		SELECT doc, status FROM tasks WHERE session_id = ? AND task_id = ?
	`, sessionID, taskID).Scan(&taskDoc, &current)
	if err == sql.ErrNoRows {
		return NewNotFoundError("task", taskID)
	}
	if err != nil {
		return err
	}
	if current != expected {
		return &StaleWriteError{
			Entity:   "task",
			ID:       taskID,
			Expected: string(expected),
			Actual:   string(current),
		}
	}

	var t Task
	if err := json.Unmarshal([]byte(taskDoc), &t); err != nil {
		return fmt.Errorf("unmarshal task: %w", err)
	}
	now := time.Now().UTC()
	applyTaskUpdate(&t, update, now)

	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, attempt_count = ?, updated_at = ?, doc = ?
		WHERE session_id = ? AND task_id = ? AND status = ?
	`, t.Status, t.AttemptCount, now, doc, sessionID, taskID, expected)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &StaleWriteError{
			Entity:   "task",
			ID:       taskID,
			Expected: string(expected),
			Actual:   "unknown",
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`, now, sessionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateSession CAS-writes the session header.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sessionID string, expected SessionStatus, update SessionUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var sessionDoc string
	var current SessionStatus
	err = tx.QueryRowContext(ctx, `
		SELECT doc, status FROM sessions WHERE session_id = ?
	`, sessionID).Scan(&sessionDoc, &current)
	if err == sql.ErrNoRows {
		return NewNotFoundError("session", sessionID)
	}
	if err != nil {
		return err
	}
	if current != expected {
		return &StaleWriteError{
			Entity:   "session",
			ID:       sessionID,
			Expected: string(expected),
			Actual:   string(current),
		}
	}

	var sess Session
	if err := json.Unmarshal([]byte(sessionDoc), &sess); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	now := time.Now().UTC()
	applySessionUpdate(&sess, update, now)

	doc, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions SET status = ?, updated_at = ?, doc = ?
		WHERE session_id = ? AND status = ?
	`, sess.Status, now, doc, sessionID, expected)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// ListOpen returns ids of sessions not yet terminal, oldest first.
func (s *SQLiteStore) ListOpen(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM sessions
		WHERE status NOT IN (?, ?)
		ORDER BY created_at ASC
	`, SessionComplete, SessionAbandoned)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
