package weaver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/loom"
	"github.com/loomworks/loom/internal/protocol"
	rt "github.com/loomworks/loom/internal/runtime"
	"github.com/loomworks/loom/internal/worker"
)

func newTestWeaver(t *testing.T, store ledger.Store, handler worker.Handler) *Weaver {
	t.Helper()
	inline := rt.NewInlineRuntime(func(ctx context.Context, workerID string, handoff *protocol.HandoffPayload) {
		r := worker.NewRunner(worker.NewClient(store, workerID), handler)
		r.Execute(ctx, handoff)
	})
	limits := config.Limits{
		MaxAttempts:    3,
		PollInterval:   5 * time.Millisecond,
		TaskDeadline:   2 * time.Second,
		MaxLiveWorkers: 4,
	}
	orch := loom.New(store, inline, limits)
	return New(orch, store, 5*time.Millisecond)
}

func TestShouldDelegate(t *testing.T) {
	multi := "a: step one\nb: step two"
	single := "just one thing"

	assert.True(t, ShouldDelegate(multi, Capacity{}))
	assert.False(t, ShouldDelegate(single, Capacity{}))
	assert.False(t, ShouldDelegate("", Capacity{}))
	assert.False(t, ShouldDelegate("# only comments\n\n", Capacity{}))

	// Single-step work is shed under context pressure.
	assert.True(t, ShouldDelegate(single, Capacity{ContextBudget: 100, ContextUsed: 90}))
	assert.False(t, ShouldDelegate(single, Capacity{ContextBudget: 100, ContextUsed: 20}))
}

func TestDelegateAndAwait(t *testing.T) {
	store := ledger.NewMemoryStore()
	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		return ledger.TextPayload("text", "finished "+h.TaskID), nil
	}

	w := newTestWeaver(t, store, handler)
	sessionID, err := w.Delegate(context.Background(), context.Background(), "a: first\nb[a]: second", "")
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)

	result, err := w.AwaitResult(context.Background(), sessionID, 5*time.Second)
	require.NoError(t, err)
	assert.Contains(t, result.Text(), "finished a")
	assert.Contains(t, result.Text(), "finished b")
}

func TestAwaitTimeoutIsResumable(t *testing.T) {
	store := ledger.NewMemoryStore()

	release := make(chan struct{})
	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		select {
		case <-release:
			return ledger.TextPayload("text", "slow but done"), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	w := newTestWeaver(t, store, handler)
	sessionID, err := w.Delegate(context.Background(), context.Background(), "a: slow work", "")
	require.NoError(t, err)

	_, err = w.AwaitResult(context.Background(), sessionID, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAwaitTimeout))

	// The session kept running; a second await picks it back up.
	close(release)
	result, err := w.AwaitResult(context.Background(), sessionID, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "slow but done", result.Text())
}

func TestAwaitReportsAbandonment(t *testing.T) {
	store := ledger.NewMemoryStore()
	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		return nil, errors.New("hopeless")
	}

	w := newTestWeaver(t, store, handler)
	sessionID, err := w.Delegate(context.Background(), context.Background(), "a: doomed work", "")
	require.NoError(t, err)

	_, err = w.AwaitResult(context.Background(), sessionID, 5*time.Second)
	require.Error(t, err)

	var failed *SessionFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, sessionID, failed.SessionID)
	assert.Equal(t, []string{"a"}, failed.FailedTasks)
}

func TestCancelDelegation(t *testing.T) {
	store := ledger.NewMemoryStore()

	started := make(chan struct{}, 4)
	handler := func(ctx context.Context, h *protocol.HandoffPayload) (*ledger.Payload, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	w := newTestWeaver(t, store, handler)
	sessionID, err := w.Delegate(context.Background(), context.Background(), "a: endless", "")
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never started")
	}
	require.NoError(t, w.Cancel(context.Background(), sessionID))

	_, err = w.AwaitResult(context.Background(), sessionID, 5*time.Second)
	var failed *SessionFailedError
	require.True(t, errors.As(err, &failed))
}
