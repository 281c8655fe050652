package runtime

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/protocol"
)

func TestInlineSpawnAndLiveness(t *testing.T) {
	release := make(chan struct{})
	rt := NewInlineRuntime(func(ctx context.Context, workerID string, h *protocol.HandoffPayload) {
		select {
		case <-release:
		case <-ctx.Done():
		}
	})

	handle, err := rt.Spawn(context.Background(), NewWorkerID(), &protocol.HandoffPayload{
		SessionID: "sess-1",
		TaskID:    "task-1",
	}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, handle.WorkerID)
	assert.Equal(t, "task-1", handle.TaskID)
	assert.True(t, rt.IsAlive(handle.WorkerID))

	close(release)
	assert.Eventually(t, func() bool {
		return !rt.IsAlive(handle.WorkerID)
	}, time.Second, 10*time.Millisecond)
}

func TestInlineTerminateCancelsWorker(t *testing.T) {
	var cancelled atomic.Bool
	rt := NewInlineRuntime(func(ctx context.Context, workerID string, h *protocol.HandoffPayload) {
		<-ctx.Done()
		cancelled.Store(true)
	})

	handle, err := rt.Spawn(context.Background(), NewWorkerID(), &protocol.HandoffPayload{TaskID: "task-1"}, time.Time{})
	require.NoError(t, err)

	require.NoError(t, rt.Terminate(handle.WorkerID))
	assert.True(t, cancelled.Load())
	assert.False(t, rt.IsAlive(handle.WorkerID))

	// Terminate is idempotent.
	require.NoError(t, rt.Terminate(handle.WorkerID))
}

func TestInlineShutdownTerminatesAll(t *testing.T) {
	rt := NewInlineRuntime(func(ctx context.Context, workerID string, h *protocol.HandoffPayload) {
		<-ctx.Done()
	})

	var handles []*WorkerHandle
	for i := 0; i < 3; i++ {
		h, err := rt.Spawn(context.Background(), NewWorkerID(), &protocol.HandoffPayload{TaskID: "task"}, time.Time{})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, rt.Shutdown())
	for _, h := range handles {
		assert.False(t, rt.IsAlive(h.WorkerID))
	}
}

func TestUnknownWorkerIsDead(t *testing.T) {
	rt := NewInlineRuntime(func(ctx context.Context, workerID string, h *protocol.HandoffPayload) {})
	assert.False(t, rt.IsAlive("worker-nope"))
	assert.NoError(t, rt.Terminate("worker-nope"))
}
