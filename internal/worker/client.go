// Package worker implements the worker side of the ledger contract. A
// worker claims exactly the task it was spawned for, performs it, and
// writes exactly one terminal result. If the claim fails the worker must
// exit without side effects; the orchestrator has already moved on.
package worker

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/logging"
)

// Client performs a worker's ledger writes.
type Client struct {
	store    ledger.Store
	workerID string
	log      *logging.Logger
}

// NewClient creates a ledger client scoped to one worker identity.
func NewClient(store ledger.Store, workerID string) *Client {
	return &Client{
		store:    store,
		workerID: workerID,
		log:      logging.New("worker").WithWorker(workerID),
	}
}

// Claim moves the task from assigned to in_progress, but only if it is
// still assigned to this worker. A StaleWriteError means another actor
// got there first and the caller must exit without doing the work.
func (c *Client) Claim(ctx context.Context, sessionID, taskID string) (*ledger.Task, error) {
	led, err := c.store.Read(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	task := led.Task(taskID)
	if task == nil {
		return nil, &ledger.NotFoundError{Entity: "task", ID: taskID}
	}
	if task.AssignedWorkerID != c.workerID {
		return nil, fmt.Errorf("task %s assigned to %q, not %q: %w",
			taskID, task.AssignedWorkerID, c.workerID, ledger.ErrStaleWrite)
	}

	err = c.store.UpdateTask(ctx, sessionID, taskID, ledger.TaskAssigned, ledger.TaskUpdate{
		Status: ledger.TaskInProgress,
	})
	if err != nil {
		return nil, err
	}

	c.log.WithSession(sessionID).WithTask(taskID).Info("task_claimed", nil)
	task.Status = ledger.TaskInProgress
	return task, nil
}

// Complete writes the task's result and moves it to completed. Succeeds
// at most once per attempt; a retry of an already reported task gets a
// StaleWriteError.
func (c *Client) Complete(ctx context.Context, sessionID, taskID string, result *ledger.Payload) error {
	err := c.store.UpdateTask(ctx, sessionID, taskID, ledger.TaskInProgress, ledger.TaskUpdate{
		Status: ledger.TaskCompleted,
		Result: result,
	})
	if err != nil {
		return err
	}

	c.log.WithSession(sessionID).WithTask(taskID).Info("task_completed", nil)
	return nil
}

// Fail records the failure reason and moves the task to failed.
func (c *Client) Fail(ctx context.Context, sessionID, taskID, reason string) error {
	err := c.store.UpdateTask(ctx, sessionID, taskID, ledger.TaskInProgress, ledger.TaskUpdate{
		Status:        ledger.TaskFailed,
		FailureReason: &reason,
	})
	if err != nil {
		return err
	}

	c.log.WithSession(sessionID).WithTask(taskID).Warn("task_failed", map[string]interface{}{
		"reason": reason,
	}, nil)
	return nil
}
