package ledger

import (
	"context"
	"time"
)

// TaskUpdate carries the fields a CAS task write may set. Status is the
// new status; pointer fields are applied only when non-nil. Callers stay
// inside the fields they own: the orchestrator writes assignment fields,
// the assigned worker writes result and failure fields.
type TaskUpdate struct {
	Status           TaskStatus
	AssignedWorkerID *string
	AttemptCount     *int
	Deadline         *time.Time
	ContextRef       *string
	Result           *Payload
	FailureReason    *string

	// ClearAssignment drops assigned_worker_id and deadline, used when a
	// task fails or goes back to pending for retry.
	ClearAssignment bool
}

// SessionUpdate carries the fields a CAS session write may set.
type SessionUpdate struct {
	Status      SessionStatus
	Synthesis   *Payload
	FailedTasks []string
}

// Store is the durable ledger. Every mutation is a compare-and-swap on the
// current status: the write succeeds only if the status still equals
// expected at write time, otherwise the caller gets a StaleWriteError and
// decides for itself what that means. The store never retries.
type Store interface {
	// Create writes a new ledger. Fails with a ConflictError if one
	// already exists for the session id.
	Create(ctx context.Context, session Session, tasks []Task) error

	// Read returns the full current state of a session's ledger.
	Read(ctx context.Context, sessionID string) (*Ledger, error)

	// UpdateTask CAS-writes one task, scoped to the fields in update.
	UpdateTask(ctx context.Context, sessionID, taskID string, expected TaskStatus, update TaskUpdate) error

	// UpdateSession CAS-writes the session header.
	UpdateSession(ctx context.Context, sessionID string, expected SessionStatus, update SessionUpdate) error

	// ListOpen returns ids of sessions not yet complete or abandoned,
	// oldest first. Used for restart recovery.
	ListOpen(ctx context.Context) ([]string, error)

	// Close releases store resources.
	Close() error
}

// applyTaskUpdate mutates t in place per the update. The status precondition
// has already been checked by the store under its write lock.
func applyTaskUpdate(t *Task, update TaskUpdate, now time.Time) {
	t.Status = update.Status
	t.UpdatedAt = now
	if update.AssignedWorkerID != nil {
		t.AssignedWorkerID = *update.AssignedWorkerID
	}
	if update.AttemptCount != nil {
		t.AttemptCount = *update.AttemptCount
	}
	if update.Deadline != nil {
		t.Deadline = update.Deadline
	}
	if update.ContextRef != nil {
		t.ContextRef = *update.ContextRef
	}
	if update.Result != nil {
		t.Result = update.Result
	}
	if update.FailureReason != nil {
		t.FailureReason = *update.FailureReason
	}
	if update.ClearAssignment {
		t.AssignedWorkerID = ""
		t.Deadline = nil
	}
}

// applySessionUpdate mutates s in place per the update.
func applySessionUpdate(s *Session, update SessionUpdate, now time.Time) {
	s.Status = update.Status
	s.UpdatedAt = now
	if update.Synthesis != nil {
		s.Synthesis = update.Synthesis
	}
	if update.FailedTasks != nil {
		s.FailedTasks = update.FailedTasks
	}
}
