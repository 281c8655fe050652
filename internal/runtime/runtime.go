// Package runtime spawns and tracks worker processes. The runtime is
// deliberately dumb: it starts workers, answers liveness queries, and
// kills them on request. All task state lives in the ledger, so a lost
// runtime loses nothing but live process handles.
package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/protocol"
)

// NewWorkerID mints a worker identity. The orchestrator writes it into
// the ledger assignment before spawning, so the process and the ledger
// row agree on who owns the task.
func NewWorkerID() string {
	return "worker-" + uuid.NewString()[:8]
}

// WorkerHandle tracks one live worker.
type WorkerHandle struct {
	WorkerID  string
	SessionID string
	TaskID    string
	StartedAt time.Time
	Deadline  time.Time
}

// Runtime starts and stops workers.
type Runtime interface {
	// Spawn starts a worker under the given identity. The ledger
	// assignment for workerID is written before Spawn is called; the
	// handoff envelope is delivered before Spawn returns, and the
	// worker's claim and result go through the ledger, not through
	// the returned handle.
	Spawn(ctx context.Context, workerID string, handoff *protocol.HandoffPayload, deadline time.Time) (*WorkerHandle, error)

	// IsAlive reports whether the worker is still running. Never blocks.
	IsAlive(workerID string) bool

	// Terminate kills the worker if it is still running. Idempotent.
	Terminate(workerID string) error

	// Shutdown terminates every live worker.
	Shutdown() error
}
