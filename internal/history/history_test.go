package history

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/graph"
	"github.com/loomworks/loom/internal/ledger"
)

// recordingDriver captures writes and serves canned reads.
type recordingDriver struct {
	writes  []string
	params  []map[string]any
	records []graph.Record
}

func (d *recordingDriver) Execute(ctx context.Context, query string, params map[string]any) ([]graph.Record, error) {
	return d.records, nil
}

func (d *recordingDriver) ExecuteWrite(ctx context.Context, query string, params map[string]any) error {
	d.writes = append(d.writes, query)
	d.params = append(d.params, params)
	return nil
}

func (d *recordingDriver) Close() error                   { return nil }
func (d *recordingDriver) Ping(ctx context.Context) error { return nil }

func terminalLedger() *ledger.Ledger {
	now := time.Now().UTC()
	return &ledger.Ledger{
		Session: ledger.Session{
			SessionID:   "sess-hist",
			Description: "mirror me",
			Status:      ledger.SessionComplete,
			CreatedAt:   now.Add(-time.Minute),
			UpdatedAt:   now,
		},
		Tasks: []ledger.Task{
			{TaskID: "a", Status: ledger.TaskCompleted, AttemptCount: 1, Result: ledger.TextPayload("text", "out-a")},
			{TaskID: "b", Status: ledger.TaskFailed, AttemptCount: 3, FailureReason: "gave up"},
		},
	}
}

func TestRecordMirrorsSessionAndTasks(t *testing.T) {
	d := &recordingDriver{}
	m := New(d)

	m.Record(context.Background(), terminalLedger())

	// One session write plus one write per task.
	require.Len(t, d.writes, 3)
	assert.Contains(t, d.writes[0], "MERGE (s:Session")
	assert.Equal(t, "sess-hist", d.params[0]["session_id"])
	assert.Equal(t, 1, d.params[0]["completed"])
	assert.Equal(t, 1, d.params[0]["failed"])

	assert.Equal(t, "a", d.params[1]["task_id"])
	assert.Equal(t, "out-a", d.params[1]["output"])
	assert.Equal(t, "gave up", d.params[2]["failure_reason"])
}

func TestRecordSkipsOpenSessions(t *testing.T) {
	d := &recordingDriver{}
	m := New(d)

	led := terminalLedger()
	led.Session.Status = ledger.SessionActive
	m.Record(context.Background(), led)

	assert.Empty(t, d.writes, "only terminal sessions are mirrored")
}

func TestRecordTruncatesLargeOutput(t *testing.T) {
	d := &recordingDriver{}
	m := New(d)

	led := terminalLedger()
	led.Tasks[0].Result = ledger.TextPayload("text", strings.Repeat("x", 20000))
	m.Record(context.Background(), led)

	out := d.params[1]["output"].(string)
	assert.Less(t, len(out), 11000)
	assert.Contains(t, out, "truncated")
}

func TestDisabledMirrorIsNoOp(t *testing.T) {
	m := New(nil)
	assert.False(t, m.Enabled())

	m.Record(context.Background(), terminalLedger())

	list, err := m.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Nil(t, list)

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Stats{}, stats)
}

func TestListAndStats(t *testing.T) {
	d := &recordingDriver{records: []graph.Record{{
		"session_id":  "sess-1",
		"description": "demo",
		"status":      "complete",
		"task_count":  int64(2),
		"completed":   int64(2),
		"failed":      int64(0),
	}}}
	m := New(d)

	list, err := m.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].SessionID)
	assert.Equal(t, 2, list[0].TaskCount)

	d.records = []graph.Record{{
		"total_sessions": int64(4),
		"failed_tasks":   int64(1),
		"avg_attempts":   1.5,
	}}
	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalSessions)
	assert.Equal(t, 1, stats.FailedTasks)
	assert.Equal(t, 1.5, stats.AvgAttempts)
}
