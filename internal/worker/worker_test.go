package worker

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/exec"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/protocol"
)

func assignedLedger(t *testing.T, store ledger.Store, workerID string) (sessionID, taskID string) {
	t.Helper()
	sessionID, taskID = "sess-1", "task-1"

	now := time.Now().UTC()
	session := ledger.Session{
		SessionID:   sessionID,
		Description: "test session",
		Status:      ledger.SessionActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tasks := []ledger.Task{{
		TaskID:      taskID,
		Description: "do the thing",
		Status:      ledger.TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	require.NoError(t, store.Create(context.Background(), session, tasks))

	attempt := 1
	require.NoError(t, store.UpdateTask(context.Background(), sessionID, taskID, ledger.TaskPending, ledger.TaskUpdate{
		Status:           ledger.TaskAssigned,
		AssignedWorkerID: &workerID,
		AttemptCount:     &attempt,
	}))
	return sessionID, taskID
}

func TestClaimMovesTaskToInProgress(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	client := NewClient(store, "worker-1")
	task, err := client.Claim(context.Background(), sessionID, taskID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskInProgress, task.Status)

	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskInProgress, led.Task(taskID).Status)
}

func TestClaimRejectedForWrongWorker(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	client := NewClient(store, "worker-2")
	_, err := client.Claim(context.Background(), sessionID, taskID)
	require.Error(t, err)
	assert.True(t, ledger.IsStaleWrite(err))

	// No side effects: the task is still assigned to worker-1.
	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskAssigned, led.Task(taskID).Status)
}

func TestCompleteIsSingleShot(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	client := NewClient(store, "worker-1")
	_, err := client.Claim(context.Background(), sessionID, taskID)
	require.NoError(t, err)

	result := ledger.TextPayload("text", "done")
	require.NoError(t, client.Complete(context.Background(), sessionID, taskID, result))

	// A second terminal write for the same attempt must lose the CAS.
	err = client.Complete(context.Background(), sessionID, taskID, result)
	assert.True(t, ledger.IsStaleWrite(err))

	err = client.Fail(context.Background(), sessionID, taskID, "too late")
	assert.True(t, ledger.IsStaleWrite(err))
}

func TestRunnerExecutesHandoff(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		return ledger.TextPayload("text", "result for "+h.TaskID), nil
	}

	var buf bytes.Buffer
	enc := protocol.NewEncoder(&buf)
	require.NoError(t, enc.Send(protocol.MsgHandoff, &protocol.HandoffPayload{
		SessionID:   sessionID,
		TaskID:      taskID,
		Description: "do the thing",
	}))

	r := NewRunner(NewClient(store, "worker-1"), handler)
	require.NoError(t, r.Run(context.Background(), &buf))

	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	task := led.Task(taskID)
	assert.Equal(t, ledger.TaskCompleted, task.Status)
	assert.Equal(t, "result for task-1", task.Result.Text())
}

func TestRunnerReportsHandlerFailure(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		return nil, errors.New("no can do")
	}

	r := NewRunner(NewClient(store, "worker-1"), handler)
	require.NoError(t, r.Execute(context.Background(), &protocol.HandoffPayload{
		SessionID: sessionID,
		TaskID:    taskID,
	}))

	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	task := led.Task(taskID)
	assert.Equal(t, ledger.TaskFailed, task.Status)
	assert.Equal(t, "no can do", task.FailureReason)
}

func TestRunnerContainsHandlerPanic(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		panic("handler blew up")
	}

	r := NewRunner(NewClient(store, "worker-1"), handler)
	require.NoError(t, r.Execute(context.Background(), &protocol.HandoffPayload{
		SessionID: sessionID,
		TaskID:    taskID,
	}))

	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	task := led.Task(taskID)
	assert.Equal(t, ledger.TaskFailed, task.Status)
	assert.Contains(t, task.FailureReason, "handler blew up")
}

func TestRunnerExitsCleanlyWhenClaimLost(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	// Another worker already claimed and finished the task.
	other := NewClient(store, "worker-1")
	_, err := other.Claim(context.Background(), sessionID, taskID)
	require.NoError(t, err)
	require.NoError(t, other.Complete(context.Background(), sessionID, taskID, nil))

	called := false
	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		called = true
		return nil, nil
	}

	r := NewRunner(NewClient(store, "worker-1"), handler)
	require.NoError(t, r.Execute(context.Background(), &protocol.HandoffPayload{
		SessionID: sessionID,
		TaskID:    taskID,
	}))
	assert.False(t, called, "handler must not run after a lost claim")
}

func TestRunnerShutdownBeforeClaim(t *testing.T) {
	store := ledger.NewMemoryStore()
	sessionID, taskID := assignedLedger(t, store, "worker-1")

	var buf bytes.Buffer
	require.NoError(t, protocol.NewEncoder(&buf).Send(protocol.MsgShutdown, nil))

	r := NewRunner(NewClient(store, "worker-1"), func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		t.Fatal("handler must not run on shutdown")
		return nil, nil
	})
	require.NoError(t, r.Run(context.Background(), &buf))

	led, err := store.Read(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.TaskAssigned, led.Task(taskID).Status)
}

func TestShellHandler(t *testing.T) {
	mock := exec.NewMockRunner()
	mock.AddResponse("sh", exec.MockResponse{Output: []byte("hello\n")})

	handler := ShellHandler(mock)
	result, err := handler(context.Background(), &protocol.HandoffPayload{
		Description:  "echo hello",
		ContextSlice: "some context",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Text())
	require.Len(t, mock.Calls, 1)
	assert.Equal(t, "sh -c echo hello", mock.Calls[0])
}

func TestShellHandlerError(t *testing.T) {
	mock := exec.NewMockRunner()
	mock.AddResponse("sh", exec.MockResponse{
		Output: []byte("command not found"),
		Err:    errors.New("exit status 127"),
	})

	handler := ShellHandler(mock)
	_, err := handler(context.Background(), &protocol.HandoffPayload{Description: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command not found")
}
