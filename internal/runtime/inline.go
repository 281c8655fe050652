package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/protocol"
)

// InlineWorker runs a handoff in-process. Used by the inline runtime to
// execute workers as goroutines instead of subprocesses, which is how
// the orchestrator is embedded and tested.
type InlineWorker func(ctx context.Context, workerID string, handoff *protocol.HandoffPayload)

// InlineRuntime runs workers as goroutines inside the orchestrator
// process. Cancellation is cooperative through the worker's context.
type InlineRuntime struct {
	run InlineWorker

	mu      sync.Mutex
	workers map[string]*inlineWorker
}

type inlineWorker struct {
	handle WorkerHandle
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInlineRuntime creates a runtime executing workers via run.
func NewInlineRuntime(run InlineWorker) *InlineRuntime {
	return &InlineRuntime{
		run:     run,
		workers: make(map[string]*inlineWorker),
	}
}

func (r *InlineRuntime) Spawn(ctx context.Context, workerID string, handoff *protocol.HandoffPayload, deadline time.Time) (*WorkerHandle, error) {
	wctx, cancel := context.WithCancel(context.Background())

	w := &inlineWorker{
		handle: WorkerHandle{
			WorkerID:  workerID,
			SessionID: handoff.SessionID,
			TaskID:    handoff.TaskID,
			StartedAt: time.Now(),
			Deadline:  deadline,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.workers[workerID] = w
	r.mu.Unlock()

	go func() {
		defer close(w.done)
		defer cancel()
		r.run(wctx, workerID, handoff)
	}()

	return &w.handle, nil
}

func (r *InlineRuntime) IsAlive(workerID string) bool {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (r *InlineRuntime) Terminate(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	w.cancel()
	<-w.done
	return nil
}

func (r *InlineRuntime) Shutdown() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Terminate(id)
	}
	return nil
}

var _ Runtime = (*InlineRuntime)(nil)
