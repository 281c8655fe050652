package worker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/exec"
	"github.com/loomworks/loom/internal/ledger"
	"github.com/loomworks/loom/internal/logging"
	"github.com/loomworks/loom/internal/protocol"
)

// Handler performs the actual work for a claimed task. It gets the
// handoff payload (description plus bounded context slice) and returns
// a result payload or an error.
type Handler func(ctx context.Context, handoff *protocol.HandoffPayload) (*ledger.Payload, error)

// Runner drives one worker process from handoff to terminal write.
type Runner struct {
	client  *Client
	handler Handler
	log     *logging.Logger
}

// NewRunner creates a runner over the given client and handler.
func NewRunner(client *Client, handler Handler) *Runner {
	return &Runner{
		client:  client,
		handler: handler,
		log:     logging.New("worker").WithWorker(client.workerID),
	}
}

// Run reads a single handoff envelope from r and executes it. The
// claim-first contract holds throughout: if the claim CAS loses, Run
// returns without touching the ledger or running the handler, and if
// the handler panics or errors the task gets exactly one failed write.
func (r *Runner) Run(ctx context.Context, in io.Reader) error {
	dec := protocol.NewDecoder(in)
	env, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("read handoff: %w", err)
	}
	if env.Type == protocol.MsgShutdown {
		r.log.Info("shutdown_before_claim", nil)
		return nil
	}

	handoff, err := env.AsHandoff()
	if err != nil {
		return err
	}
	return r.Execute(ctx, handoff)
}

// Execute claims the handoff's task, runs the handler, and writes the
// terminal status.
func (r *Runner) Execute(ctx context.Context, handoff *protocol.HandoffPayload) error {
	log := r.log.WithSession(handoff.SessionID).WithTask(handoff.TaskID)

	if _, err := r.client.Claim(ctx, handoff.SessionID, handoff.TaskID); err != nil {
		if ledger.IsStaleWrite(err) {
			// Someone else owns the task now. Exit with no side effects.
			log.Info("claim_lost", nil)
			return nil
		}
		return fmt.Errorf("claim task: %w", err)
	}

	start := time.Now()
	result, err := r.invoke(ctx, handoff)
	if err != nil {
		log.Warn("handler_failed", nil, err)
		if ferr := r.client.Fail(ctx, handoff.SessionID, handoff.TaskID, err.Error()); ferr != nil {
			return fmt.Errorf("report failure: %w", ferr)
		}
		return nil
	}

	log.TimedEvent("handler_done", start, nil)
	if cerr := r.client.Complete(ctx, handoff.SessionID, handoff.TaskID, result); cerr != nil {
		return fmt.Errorf("report result: %w", cerr)
	}
	return nil
}

// invoke runs the handler with panic containment so a crashing handler
// still produces a failed write rather than a vanished worker.
func (r *Runner) invoke(ctx context.Context, handoff *protocol.HandoffPayload) (result *ledger.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return r.handler(ctx, handoff)
}

// ShellHandler returns a handler that treats the task description as a
// shell command. The context slice, when present, is piped to stdin.
func ShellHandler(runner exec.Runner) Handler {
	return func(ctx context.Context, handoff *protocol.HandoffPayload) (*ledger.Payload, error) {
		var stdin io.Reader
		if handoff.ContextSlice != "" {
			stdin = strings.NewReader(handoff.ContextSlice)
		}

		out, err := runner.RunWithStdin(ctx, stdin, "sh", "-c", handoff.Description)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return ledger.TextPayload("shell_output", string(out)), nil
	}
}
