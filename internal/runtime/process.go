package runtime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/protocol"
)

// ProcessRuntime runs each worker as a child process of the orchestrator.
type ProcessRuntime struct {
	// Binary is the executable to spawn. Defaults to the current binary,
	// which re-enters through the worker subcommand.
	Binary string

	// Args are the arguments passed to the binary.
	Args []string

	// LoomHome is exported to workers as LOOM_DATA_DIR so they resolve
	// the same home (and therefore the same ledger) as the orchestrator.
	LoomHome string

	mu      sync.Mutex
	workers map[string]*processWorker
	log     *logging.Logger
}

type processWorker struct {
	handle WorkerHandle
	cmd    *exec.Cmd
	done   chan struct{}
	killed bool
}

// NewProcessRuntime creates a runtime spawning workers via the given
// binary. An empty binary means the orchestrator's own executable.
func NewProcessRuntime(binary, loomHome string) *ProcessRuntime {
	if binary == "" {
		binary, _ = os.Executable()
	}
	return &ProcessRuntime{
		Binary:   binary,
		Args:     []string{"worker", "run"},
		LoomHome: loomHome,
		workers:  make(map[string]*processWorker),
		log:      logging.New("runtime"),
	}
}

// Spawn starts a worker process and writes the handoff envelope to its
// stdin.
func (r *ProcessRuntime) Spawn(ctx context.Context, workerID string, handoff *protocol.HandoffPayload, deadline time.Time) (*WorkerHandle, error) {
	start := time.Now()

	cmd := exec.CommandContext(ctx, r.Binary, r.Args...)
	cmd.Env = append(os.Environ(),
		"LOOM_SESSION_ID="+handoff.SessionID,
		"LOOM_TASK_ID="+handoff.TaskID,
		"LOOM_WORKER_ID="+workerID,
		"LOOM_DATA_DIR="+r.LoomHome,
	)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		logging.SpawnEvent(workerID, handoff.SessionID, handoff.TaskID, false, time.Since(start), err)
		return nil, fmt.Errorf("start worker: %w", err)
	}

	enc := protocol.NewEncoder(stdin)
	if err := enc.Send(protocol.MsgHandoff, handoff); err != nil {
		cmd.Process.Kill()
		return nil, fmt.Errorf("send handoff: %w", err)
	}
	stdin.Close()

	w := &processWorker{
		handle: WorkerHandle{
			WorkerID:  workerID,
			SessionID: handoff.SessionID,
			TaskID:    handoff.TaskID,
			StartedAt: start,
			Deadline:  deadline,
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.workers[workerID] = w
	r.mu.Unlock()

	go func() {
		cmd.Wait()
		close(w.done)
	}()

	logging.SpawnEvent(workerID, handoff.SessionID, handoff.TaskID, true, time.Since(start), nil)
	return &w.handle, nil
}

// IsAlive reports whether the worker process is still running.
func (r *ProcessRuntime) IsAlive(workerID string) bool {
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

// Terminate kills the worker process. Already-exited workers are a no-op.
func (r *ProcessRuntime) Terminate(workerID string) error {
	r.mu.Lock()
	w, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-w.done:
		return nil
	default:
	}

	if err := w.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill worker %s: %w", workerID, err)
	}
	r.log.WithWorker(workerID).Info("worker_terminated", nil)
	return nil
}

// Shutdown terminates all live workers.
func (r *ProcessRuntime) Shutdown() error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.workers))
	for id := range r.workers {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.Terminate(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ Runtime = (*ProcessRuntime)(nil)
