// Package weaver is the initiating side of a delegation: it decides
// when a request is worth farming out, starts the session, and waits
// on the ledger for the synthesized result. Awaiting is resumable; a
// timed-out await can simply be called again because all progress
// lives in the ledger, not in the waiter.
package weaver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/loom"
)

// ErrAwaitTimeout means the session was still running when the wait
// budget ran out. The session keeps going; await again to keep waiting.
var ErrAwaitTimeout = errors.New("session still running")

// SessionFailedError reports an abandoned session.
type SessionFailedError struct {
	SessionID   string
	FailedTasks []string
}

func (e *SessionFailedError) Error() string {
	return fmt.Sprintf("session %s abandoned, failed tasks: %s",
		e.SessionID, strings.Join(e.FailedTasks, ", "))
}

// Capacity describes the initiator's current working headroom.
type Capacity struct {
	ContextBudget int // total context bytes available
	ContextUsed   int // context bytes already committed
}

// Weaver initiates and tracks delegation sessions.
type Weaver struct {
	orch  *loom.Orchestrator
	store ledger.Store
	poll  time.Duration
	log   *logging.Logger
}

// New creates a weaver over the orchestrator and its store. poll is the
// ledger polling cadence for AwaitResult.
func New(orch *loom.Orchestrator, store ledger.Store, poll time.Duration) *Weaver {
	return &Weaver{
		orch:  orch,
		store: store,
		poll:  poll,
		log:   logging.New("weaver"),
	}
}

// ShouldDelegate reports whether the request is worth a delegation
// session. Multi-step plans are delegated outright; single-step work is
// delegated only under context pressure, where shedding it buys the
// initiator room.
func ShouldDelegate(description string, capacity Capacity) bool {
	steps := 0
	for _, line := range strings.Split(description, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			steps++
		}
	}
	if steps > 1 {
		return true
	}
	if steps == 0 {
		return false
	}

	if capacity.ContextBudget > 0 {
		used := float64(capacity.ContextUsed) / float64(capacity.ContextBudget)
		return used > 0.8
	}
	return false
}

// Delegate starts a session and returns without waiting for it. The
// scheduling loop runs in the background until the session is terminal
// or runCtx is cancelled.
func (w *Weaver) Delegate(ctx, runCtx context.Context, description, contextRef string) (string, error) {
	sessionID, err := w.orch.CreateSession(ctx, description, contextRef)
	if err != nil {
		return "", err
	}

	go func() {
		if err := w.orch.Run(runCtx, sessionID); err != nil && !errors.Is(err, context.Canceled) {
			w.log.WithSession(sessionID).Error("session_run_failed", nil, err)
		}
	}()

	w.log.WithSession(sessionID).Info("delegated", nil)
	return sessionID, nil
}

// AwaitResult polls the ledger until the session is terminal or maxWait
// elapses. A complete session yields its synthesis; an abandoned one a
// SessionFailedError; a timeout ErrAwaitTimeout with the session still
// making progress.
func (w *Weaver) AwaitResult(ctx context.Context, sessionID string, maxWait time.Duration) (*ledger.Payload, error) {
	deadline := time.Now().Add(maxWait)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		led, err := w.store.Read(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		switch led.Session.Status {
		case ledger.SessionComplete:
			return led.Session.Synthesis, nil
		case ledger.SessionAbandoned:
			return nil, &SessionFailedError{
				SessionID:   sessionID,
				FailedTasks: led.Session.FailedTasks,
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("await %s: %w", sessionID, ErrAwaitTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel abandons the session.
func (w *Weaver) Cancel(ctx context.Context, sessionID string) error {
	return w.orch.Cancel(ctx, sessionID)
}
