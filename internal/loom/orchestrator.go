package loom

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/contextpack"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/protocol"
	rt "github.com/loomworks/loom/internal/runtime"
)

// Orchestrator drives delegation sessions. Every scheduling decision is
// a compare-and-swap against the ledger, so two orchestrators (or an
// orchestrator and a half-dead worker) can race without corrupting
// state: the loser's write bounces and it re-reads.
type Orchestrator struct {
	// Decomposer and Synthesizer may be replaced before the first
	// CreateSession call.
	Decomposer  Decomposer
	Synthesizer Synthesizer

	// History mirrors terminal sessions to the graph when set.
	History *history.Mirror

	store   ledger.Store
	runtime rt.Runtime
	limits  config.Limits
	log     *logging.Logger

	mu      sync.Mutex
	handles map[string]*rt.WorkerHandle // sessionID/taskID -> live worker
}

// New creates an orchestrator over the given store and worker runtime.
func New(store ledger.Store, runtime rt.Runtime, limits config.Limits) *Orchestrator {
	return &Orchestrator{
		Decomposer:  ScriptDecomposer{},
		Synthesizer: ConcatSynthesizer{},
		store:       store,
		runtime:     runtime,
		limits:      limits,
		log:         logging.New("loom"),
		handles:     make(map[string]*rt.WorkerHandle),
	}
}

// NewSessionID mints a sortable session identifier.
func NewSessionID() string {
	return "sess-" + ulid.Make().String()
}

// CreateSession decomposes the request and writes the initial ledger.
// The session is activated before CreateSession returns; call Run to
// drive it to completion.
func (o *Orchestrator) CreateSession(ctx context.Context, description, masterContextRef string) (string, error) {
	sessionID := NewSessionID()
	now := time.Now().UTC()

	tasks, err := o.Decomposer.Decompose(ctx, description)
	if err != nil {
		return "", fmt.Errorf("decompose: %w", err)
	}
	if err := ValidatePlan(tasks); err != nil {
		return "", fmt.Errorf("invalid plan: %w", err)
	}

	session := ledger.Session{
		SessionID:        sessionID,
		Description:      description,
		Status:           ledger.SessionInitiated,
		MasterContextRef: masterContextRef,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := o.store.Create(ctx, session, tasks); err != nil {
		return "", err
	}

	// Walk the session through its opening states so observers always
	// see the same lifecycle, however fast decomposition was.
	if err := o.store.UpdateSession(ctx, sessionID, ledger.SessionInitiated, ledger.SessionUpdate{
		Status: ledger.SessionDecomposing,
	}); err != nil {
		return "", err
	}
	if err := o.store.UpdateSession(ctx, sessionID, ledger.SessionDecomposing, ledger.SessionUpdate{
		Status: ledger.SessionActive,
	}); err != nil {
		return "", err
	}

	o.log.WithSession(sessionID).Info("session_created", map[string]interface{}{
		"tasks": len(tasks),
	})
	return sessionID, nil
}

// Run drives the session's scheduling loop until it reaches a terminal
// state. Safe to call on a session recovered after a restart: nothing
// the loop needs lives outside the ledger except live process handles,
// and tasks whose handles were lost fail over via their persisted
// deadlines.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	log := o.log.WithSession(sessionID)
	ticker := time.NewTicker(o.limits.PollInterval)
	defer ticker.Stop()

	for {
		done, err := o.step(ctx, sessionID)
		if err != nil {
			return err
		}
		if done {
			log.Info("session_finished", nil)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// step performs one scheduling pass. Returns done=true once the session
// is terminal.
func (o *Orchestrator) step(ctx context.Context, sessionID string) (bool, error) {
	led, err := o.store.Read(ctx, sessionID)
	if err != nil {
		return false, err
	}

	switch led.Session.Status {
	case ledger.SessionComplete:
		metrics.Global().RecordSessionEnd(true)
		o.History.Record(ctx, led)
		return true, nil
	case ledger.SessionAbandoned:
		o.terminateSession(sessionID)
		metrics.Global().RecordSessionEnd(false)
		o.History.Record(ctx, led)
		return true, nil
	case ledger.SessionSynthesizing:
		return false, o.synthesize(ctx, led)
	case ledger.SessionInitiated, ledger.SessionDecomposing:
		// Creation was interrupted before activation; tasks are already
		// in the ledger, so just reactivate and keep going.
		err := o.store.UpdateSession(ctx, sessionID, led.Session.Status, ledger.SessionUpdate{
			Status: ledger.SessionActive,
		})
		if err != nil && !ledger.IsStaleWrite(err) {
			return false, err
		}
		return false, nil
	}

	o.reapOrphans(ctx, led)
	o.retryFailed(ctx, led)

	if done, err := o.checkTermination(ctx, led); done || err != nil {
		return false, err
	}

	o.assignReady(ctx, led)
	return false, nil
}

// reapOrphans fails tasks whose worker is gone or whose deadline has
// passed. Losing the CAS here means the worker reported after all,
// which is exactly the right outcome.
func (o *Orchestrator) reapOrphans(ctx context.Context, led *ledger.Ledger) {
	now := time.Now().UTC()
	for i := range led.Tasks {
		t := &led.Tasks[i]
		if t.Status != ledger.TaskAssigned && t.Status != ledger.TaskInProgress {
			continue
		}

		var reason string
		switch {
		case t.Deadline != nil && now.After(*t.Deadline):
			reason = "deadline exceeded"
		case o.handleDead(led.Session.SessionID, t.TaskID):
			reason = "worker exited without reporting"
		default:
			continue
		}

		err := o.store.UpdateTask(ctx, led.Session.SessionID, t.TaskID, t.Status, ledger.TaskUpdate{
			Status:        ledger.TaskFailed,
			FailureReason: &reason,
		})
		if err != nil {
			if !ledger.IsStaleWrite(err) {
				o.log.WithSession(led.Session.SessionID).WithTask(t.TaskID).Error("orphan_reap_failed", nil, err)
			}
			continue
		}

		t.Status = ledger.TaskFailed
		o.dropHandle(led.Session.SessionID, t.TaskID, true)
		metrics.Global().RecordReap()
		o.log.WithSession(led.Session.SessionID).WithTask(t.TaskID).Warn("task_orphaned", map[string]interface{}{
			"reason":  reason,
			"attempt": t.AttemptCount,
		}, nil)
	}
}

// handleDead reports whether we hold a handle for the task and its
// worker is no longer running. Tasks with no handle (orchestrator
// restarted) are judged by deadline alone.
func (o *Orchestrator) handleDead(sessionID, taskID string) bool {
	o.mu.Lock()
	h, ok := o.handles[sessionID+"/"+taskID]
	o.mu.Unlock()
	return ok && !o.runtime.IsAlive(h.WorkerID)
}

// retryFailed sends failed tasks with attempts to spare back to pending.
func (o *Orchestrator) retryFailed(ctx context.Context, led *ledger.Ledger) {
	for i := range led.Tasks {
		t := &led.Tasks[i]
		if t.Status != ledger.TaskFailed || t.AttemptCount >= o.limits.MaxAttempts {
			continue
		}

		err := o.store.UpdateTask(ctx, led.Session.SessionID, t.TaskID, ledger.TaskFailed, ledger.TaskUpdate{
			Status:          ledger.TaskPending,
			ClearAssignment: true,
		})
		if err != nil {
			continue
		}

		t.Status = ledger.TaskPending
		metrics.Global().RecordRetry()
		o.log.WithSession(led.Session.SessionID).WithTask(t.TaskID).Info("task_retry", map[string]interface{}{
			"attempt": t.AttemptCount,
		})
	}
}

// checkTermination moves the session out of active once no task can
// make further progress. A critical task out of attempts abandons the
// session; otherwise all-settled means synthesis. Pending tasks behind
// a terminally failed dependency count as settled: they can never run,
// so they must not keep the session spinning in active.
func (o *Orchestrator) checkTermination(ctx context.Context, led *ledger.Ledger) (bool, error) {
	sessionID := led.Session.SessionID
	blocked := blockedPending(led)

	var failed []string
	criticalExhausted := false
	allSettled := true

	for i := range led.Tasks {
		t := &led.Tasks[i]
		switch {
		case t.Status == ledger.TaskCompleted:
		case t.Status == ledger.TaskFailed:
			// Still failed after the retry pass means attempts are gone.
			failed = append(failed, t.TaskID)
			if t.IsCritical() {
				criticalExhausted = true
			}
		case t.Status == ledger.TaskPending && blocked[t.TaskID] != "":
			failed = append(failed, t.TaskID)
			if t.IsCritical() {
				criticalExhausted = true
			}
		default:
			allSettled = false
		}
	}

	if criticalExhausted || allSettled {
		o.failBlocked(ctx, sessionID, led, blocked)
	}

	if criticalExhausted {
		err := o.store.UpdateSession(ctx, sessionID, ledger.SessionActive, ledger.SessionUpdate{
			Status:      ledger.SessionAbandoned,
			FailedTasks: failed,
		})
		if err != nil && !ledger.IsStaleWrite(err) {
			return false, err
		}
		o.terminateSession(sessionID)
		o.log.WithSession(sessionID).Warn("session_abandoned", map[string]interface{}{
			"failed_tasks": failed,
		}, nil)
		return true, nil
	}

	if allSettled {
		err := o.store.UpdateSession(ctx, sessionID, ledger.SessionActive, ledger.SessionUpdate{
			Status:      ledger.SessionSynthesizing,
			FailedTasks: failed,
		})
		if err != nil && !ledger.IsStaleWrite(err) {
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// blockedPending maps each pending task that can never run to the
// terminally failed task it traces to, following dependency chains
// (a pending task behind a blocked task is itself blocked). Statuses
// are read after the retry pass, so a failed task here has no attempts
// left.
func blockedPending(led *ledger.Ledger) map[string]string {
	root := make(map[string]string)
	for i := range led.Tasks {
		if led.Tasks[i].Status == ledger.TaskFailed {
			root[led.Tasks[i].TaskID] = led.Tasks[i].TaskID
		}
	}

	for changed := true; changed; {
		changed = false
		for i := range led.Tasks {
			t := &led.Tasks[i]
			if t.Status != ledger.TaskPending || root[t.TaskID] != "" {
				continue
			}
			for _, dep := range t.DependsOn {
				if r := root[dep]; r != "" {
					root[t.TaskID] = r
					changed = true
					break
				}
			}
		}
	}

	blocked := make(map[string]string)
	for i := range led.Tasks {
		t := &led.Tasks[i]
		if t.Status == ledger.TaskPending && root[t.TaskID] != "" {
			blocked[t.TaskID] = root[t.TaskID]
		}
	}
	return blocked
}

// failBlocked records blocked tasks as failed in the ledger so the
// terminal state and the synthesis name them. Runs only once the
// session is leaving active, so the retry pass never requeues them.
func (o *Orchestrator) failBlocked(ctx context.Context, sessionID string, led *ledger.Ledger, blocked map[string]string) {
	for taskID, cause := range blocked {
		reason := fmt.Sprintf("dependency %s failed", cause)
		err := o.store.UpdateTask(ctx, sessionID, taskID, ledger.TaskPending, ledger.TaskUpdate{
			Status:        ledger.TaskFailed,
			FailureReason: &reason,
		})
		if err != nil && !ledger.IsStaleWrite(err) {
			o.log.WithSession(sessionID).WithTask(taskID).Error("blocked_task_write_failed", nil, err)
			continue
		}
		if t := led.Task(taskID); t != nil {
			t.Status = ledger.TaskFailed
			t.FailureReason = reason
		}
	}
}

// assignReady hands pending tasks with satisfied dependencies to new
// workers, up to the live worker cap.
func (o *Orchestrator) assignReady(ctx context.Context, led *ledger.Ledger) {
	sessionID := led.Session.SessionID
	live := o.liveWorkers()

	for i := range led.Tasks {
		if o.limits.MaxLiveWorkers > 0 && live >= o.limits.MaxLiveWorkers {
			return
		}
		t := &led.Tasks[i]
		if t.Status != ledger.TaskPending || !led.DepsCompleted(t) {
			continue
		}

		workerID := rt.NewWorkerID()
		attempt := t.AttemptCount + 1
		deadline := time.Now().UTC().Add(o.limits.TaskDeadline)

		err := o.store.UpdateTask(ctx, sessionID, t.TaskID, ledger.TaskPending, ledger.TaskUpdate{
			Status:           ledger.TaskAssigned,
			AssignedWorkerID: &workerID,
			AttemptCount:     &attempt,
			Deadline:         &deadline,
		})
		if err != nil {
			continue
		}

		if err := o.spawn(ctx, &led.Session, t, workerID, deadline); err != nil {
			reason := err.Error()
			o.store.UpdateTask(ctx, sessionID, t.TaskID, ledger.TaskAssigned, ledger.TaskUpdate{
				Status:        ledger.TaskFailed,
				FailureReason: &reason,
			})
			continue
		}
		live++
	}
}

// spawn builds the handoff (including the bounded context slice) and
// starts the worker.
func (o *Orchestrator) spawn(ctx context.Context, session *ledger.Session, t *ledger.Task, workerID string, deadline time.Time) error {
	handoff := &protocol.HandoffPayload{
		SessionID:   session.SessionID,
		TaskID:      t.TaskID,
		Description: t.Description,
		ContextRef:  t.ContextRef,
		Deadline:    deadline.Format(time.RFC3339),
	}

	if session.MasterContextRef != "" && t.ContextRef != "" {
		packer := contextpack.NewPacker(session.MasterContextRef, o.limits.SliceBudget)
		slice, err := packer.Pack(t.ContextRef)
		if err != nil {
			return fmt.Errorf("pack context: %w", err)
		}
		handoff.ContextSlice = slice.Content
		handoff.ContextFiles = slice.Files
	}

	started := time.Now()
	handle, err := o.runtime.Spawn(ctx, workerID, handoff, deadline)
	metrics.Global().RecordSpawn(err == nil, time.Since(started).Milliseconds())
	if err != nil {
		return fmt.Errorf("spawn worker: %w", err)
	}

	o.mu.Lock()
	o.handles[session.SessionID+"/"+t.TaskID] = handle
	o.mu.Unlock()
	return nil
}

// synthesize combines terminal task results and completes the session.
func (o *Orchestrator) synthesize(ctx context.Context, led *ledger.Ledger) error {
	result, err := o.Synthesizer.Synthesize(ctx, &led.Session, led.Tasks)
	if err != nil {
		return fmt.Errorf("synthesize: %w", err)
	}

	err = o.store.UpdateSession(ctx, led.Session.SessionID, ledger.SessionSynthesizing, ledger.SessionUpdate{
		Status:      ledger.SessionComplete,
		Synthesis:   result,
		FailedTasks: led.Session.FailedTasks,
	})
	if err != nil && !ledger.IsStaleWrite(err) {
		return err
	}
	return nil
}

// Cancel abandons the session from whatever non-terminal state it is
// in and terminates its live workers. Cancelling a finished session is
// a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < 5; attempt++ {
		led, err := o.store.Read(ctx, sessionID)
		if err != nil {
			return err
		}
		if led.Session.Status.Terminal() {
			o.terminateSession(sessionID)
			return nil
		}

		err = o.store.UpdateSession(ctx, sessionID, led.Session.Status, ledger.SessionUpdate{
			Status: ledger.SessionAbandoned,
		})
		if err == nil {
			o.terminateSession(sessionID)
			o.log.WithSession(sessionID).Info("session_cancelled", nil)
			return nil
		}
		if !ledger.IsStaleWrite(err) {
			return err
		}
	}
	return fmt.Errorf("cancel %s: too many concurrent status changes", sessionID)
}

// ListOpen returns sessions needing recovery, oldest first.
func (o *Orchestrator) ListOpen(ctx context.Context) ([]string, error) {
	return o.store.ListOpen(ctx)
}

// Shutdown terminates every live worker. Task state stays in the ledger
// and recovers on the next Run.
func (o *Orchestrator) Shutdown() error {
	o.mu.Lock()
	o.handles = make(map[string]*rt.WorkerHandle)
	o.mu.Unlock()
	return o.runtime.Shutdown()
}

func (o *Orchestrator) liveWorkers() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	live := 0
	for key, h := range o.handles {
		if o.runtime.IsAlive(h.WorkerID) {
			live++
		} else {
			delete(o.handles, key)
		}
	}
	return live
}

// terminateSession kills the session's live workers.
func (o *Orchestrator) terminateSession(sessionID string) {
	o.mu.Lock()
	var victims []string
	for key, h := range o.handles {
		if h.SessionID == sessionID {
			victims = append(victims, h.WorkerID)
			delete(o.handles, key)
		}
	}
	o.mu.Unlock()

	for _, id := range victims {
		o.runtime.Terminate(id)
	}
}

// dropHandle forgets the task's handle, optionally killing the worker.
func (o *Orchestrator) dropHandle(sessionID, taskID string, kill bool) {
	key := sessionID + "/" + taskID
	o.mu.Lock()
	h, ok := o.handles[key]
	if ok {
		delete(o.handles, key)
	}
	o.mu.Unlock()

	if ok && kill {
		o.runtime.Terminate(h.WorkerID)
	}
}
