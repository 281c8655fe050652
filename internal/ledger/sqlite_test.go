package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteCreateReadUpdate(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	id := newTestLedger(t, store)

	l, err := store.Read(ctx, id)
	require.NoError(t, err)
	require.Len(t, l.Tasks, 3)
	assert.Equal(t, SessionActive, l.Session.Status)
	assert.Equal(t, []string{"task-a", "task-b"}, l.Task("task-c").DependsOn)

	worker := "worker-9"
	attempts := 1
	deadline := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.UpdateTask(ctx, id, "task-a", TaskPending, TaskUpdate{
		Status:           TaskAssigned,
		AssignedWorkerID: &worker,
		AttemptCount:     &attempts,
		Deadline:         &deadline,
	}))

	err = store.UpdateTask(ctx, id, "task-a", TaskPending, TaskUpdate{Status: TaskAssigned})
	require.Error(t, err)
	assert.True(t, IsStaleWrite(err))

	l, err = store.Read(ctx, id)
	require.NoError(t, err)
	task := l.Task("task-a")
	assert.Equal(t, TaskAssigned, task.Status)
	assert.Equal(t, "worker-9", task.AssignedWorkerID)
	require.NotNil(t, task.Deadline)
	assert.WithinDuration(t, deadline, *task.Deadline, time.Second)
}

func TestSQLiteConflictAndNotFound(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	id := newTestLedger(t, store)

	err := store.Create(ctx, Session{SessionID: id, Status: SessionInitiated}, nil)
	assert.True(t, IsConflict(err))

	_, err = store.Read(ctx, "nope")
	assert.True(t, IsNotFound(err))

	err = store.UpdateTask(ctx, id, "nope", TaskPending, TaskUpdate{Status: TaskAssigned})
	assert.True(t, IsNotFound(err))
}

func TestSQLiteClearAssignment(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	id := newTestLedger(t, store)

	worker := "worker-1"
	deadline := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.UpdateTask(ctx, id, "task-a", TaskPending, TaskUpdate{
		Status:           TaskAssigned,
		AssignedWorkerID: &worker,
		Deadline:         &deadline,
	}))
	reason := "timeout"
	require.NoError(t, store.UpdateTask(ctx, id, "task-a", TaskAssigned, TaskUpdate{
		Status:          TaskFailed,
		FailureReason:   &reason,
		ClearAssignment: true,
	}))

	l, err := store.Read(ctx, id)
	require.NoError(t, err)
	task := l.Task("task-a")
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, "timeout", task.FailureReason)
	assert.Empty(t, task.AssignedWorkerID)
	assert.Nil(t, task.Deadline)
}

func TestSQLiteListOpenSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	require.NoError(t, err)

	id := newTestLedger(t, store)
	require.NoError(t, store.Close())

	// A fresh store over the same file sees the open session: the ledger,
	// not process memory, is the source of truth across restarts.
	reopened, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	open, err := reopened.ListOpen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{id}, open)
}
