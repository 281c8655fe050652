// Package history mirrors finished sessions into the graph database
// for `loom history` and `loom stats`. The mirror is best-effort and
// never load-bearing: the ledger stays authoritative, and a nil driver
// disables history entirely.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
)

// SessionSummary is one mirrored session as read back from the graph.
type SessionSummary struct {
	SessionID   string `json:"session_id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	TaskCount   int    `json:"task_count"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	CreatedAt   string `json:"created_at"`
	FinishedAt  string `json:"finished_at"`
}

// Stats aggregates across all mirrored sessions.
type Stats struct {
	TotalSessions     int     `json:"total_sessions"`
	CompletedSessions int     `json:"completed_sessions"`
	AbandonedSessions int     `json:"abandoned_sessions"`
	TotalTasks        int     `json:"total_tasks"`
	CompletedTasks    int     `json:"completed_tasks"`
	FailedTasks       int     `json:"failed_tasks"`
	AvgAttempts       float64 `json:"avg_attempts"`
}

// Mirror writes terminal sessions to the graph and answers history
// queries.
type Mirror struct {
	db  graph.Driver
	log *logging.Logger
}

// New creates a mirror over db. A nil db yields a disabled mirror whose
// methods are safe no-ops.
func New(db graph.Driver) *Mirror {
	return &Mirror{db: db, log: logging.New("history")}
}

// Enabled reports whether a graph backend is connected.
func (m *Mirror) Enabled() bool {
	return m != nil && m.db != nil
}

// Record mirrors a terminal session and its tasks. Errors are logged
// and swallowed; a history gap must never fail the session.
func (m *Mirror) Record(ctx context.Context, led *ledger.Ledger) {
	if !m.Enabled() || !led.Session.Status.Terminal() {
		return
	}

	s := led.Session
	completed, failed := 0, 0
	for _, t := range led.Tasks {
		switch t.Status {
		case ledger.TaskCompleted:
			completed++
		case ledger.TaskFailed:
			failed++
		}
	}

	err := m.db.ExecuteWrite(ctx, `
		MERGE (s:Session {session_id: $session_id})
		SET s.description = $description,
		    s.status = $status,
		    s.task_count = $task_count,
		    s.completed = $completed,
		    s.failed = $failed,
		    s.created_at = $created_at,
		    s.finished_at = $finished_at
	`, map[string]any{
		"session_id":  s.SessionID,
		"description": s.Description,
		"status":      string(s.Status),
		"task_count":  len(led.Tasks),
		"completed":   completed,
		"failed":      failed,
		"created_at":  s.CreatedAt.UTC().Format(time.RFC3339),
		"finished_at": s.UpdatedAt.UTC().Format(time.RFC3339),
	})
	metrics.Global().RecordGraphWrite(err == nil)
	if err != nil {
		m.log.WithSession(s.SessionID).Warn("history_session_write_failed", nil, err)
		return
	}

	for _, t := range led.Tasks {
		m.recordTask(ctx, s.SessionID, &t)
	}
	m.log.WithSession(s.SessionID).Debug("history_mirrored", nil)
}

func (m *Mirror) recordTask(ctx context.Context, sessionID string, t *ledger.Task) {
	output := t.Result.Text()
	if len(output) > 10240 {
		output = output[:10240] + "\n... (truncated)"
	}

	err := m.db.ExecuteWrite(ctx, `
		MATCH (s:Session {session_id: $session_id})
		MERGE (t:Task {session_id: $session_id, task_id: $task_id})
		SET t.description = $description,
		    t.status = $status,
		    t.attempts = $attempts,
		    t.worker_id = $worker_id,
		    t.output = $output,
		    t.failure_reason = $failure_reason,
		    t.updated_at = $updated_at
		MERGE (s)-[:HAS_TASK]->(t)
	`, map[string]any{
		"session_id":     sessionID,
		"task_id":        t.TaskID,
		"description":    t.Description,
		"status":         string(t.Status),
		"attempts":       t.AttemptCount,
		"worker_id":      t.AssignedWorkerID,
		"output":         output,
		"failure_reason": t.FailureReason,
		"updated_at":     t.UpdatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		m.log.WithSession(sessionID).WithTask(t.TaskID).Warn("history_task_write_failed", nil, err)
	}
}

// List returns recent mirrored sessions, newest first.
func (m *Mirror) List(ctx context.Context, limit int) ([]SessionSummary, error) {
	if !m.Enabled() {
		return nil, nil
	}

	records, err := m.db.Execute(ctx, `
		MATCH (s:Session)
		RETURN s.session_id as session_id,
		       s.description as description,
		       s.status as status,
		       s.task_count as task_count,
		       s.completed as completed,
		       s.failed as failed,
		       s.created_at as created_at,
		       s.finished_at as finished_at
		ORDER BY s.created_at DESC
		LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, SessionSummary{
			SessionID:   graph.GetString(r, "session_id"),
			Description: graph.GetString(r, "description"),
			Status:      graph.GetString(r, "status"),
			TaskCount:   graph.GetInt(r, "task_count"),
			Completed:   graph.GetInt(r, "completed"),
			Failed:      graph.GetInt(r, "failed"),
			CreatedAt:   graph.GetString(r, "created_at"),
			FinishedAt:  graph.GetString(r, "finished_at"),
		})
	}
	return summaries, nil
}

// GetStats aggregates mirrored sessions and tasks.
func (m *Mirror) GetStats(ctx context.Context) (*Stats, error) {
	if !m.Enabled() {
		return &Stats{}, nil
	}

	records, err := m.db.Execute(ctx, `
		MATCH (s:Session)
		OPTIONAL MATCH (s)-[:HAS_TASK]->(t:Task)
		RETURN count(DISTINCT s) as total_sessions,
		       count(DISTINCT CASE WHEN s.status = 'complete' THEN s END) as completed_sessions,
		       count(DISTINCT CASE WHEN s.status = 'abandoned' THEN s END) as abandoned_sessions,
		       count(t) as total_tasks,
		       sum(CASE WHEN t.status = 'completed' THEN 1 ELSE 0 END) as completed_tasks,
		       sum(CASE WHEN t.status = 'failed' THEN 1 ELSE 0 END) as failed_tasks,
		       avg(t.attempts) as avg_attempts
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("stats query: %w", err)
	}
	if len(records) == 0 {
		return &Stats{}, nil
	}

	r := records[0]
	return &Stats{
		TotalSessions:     graph.GetInt(r, "total_sessions"),
		CompletedSessions: graph.GetInt(r, "completed_sessions"),
		AbandonedSessions: graph.GetInt(r, "abandoned_sessions"),
		TotalTasks:        graph.GetInt(r, "total_tasks"),
		CompletedTasks:    graph.GetInt(r, "completed_tasks"),
		FailedTasks:       graph.GetInt(r, "failed_tasks"),
		AvgAttempts:       graph.GetFloat(r, "avg_attempts"),
	}, nil
}
