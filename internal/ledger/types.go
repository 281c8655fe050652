// Package ledger implements the durable task ledger coordinating a
// delegation session. The ledger is the only channel between the
// orchestrator and its workers: the orchestrator owns pending/assigned
// transitions, the assigned worker owns in_progress and terminal
// transitions for its own task, and every mutation is a compare-and-swap
// on the current status. There is no direct RPC between the parties.
package ledger

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the state of a delegation session.
type SessionStatus string

const (
	SessionInitiated    SessionStatus = "initiated"
	SessionDecomposing  SessionStatus = "decomposing"
	SessionActive       SessionStatus = "active"
	SessionSynthesizing SessionStatus = "synthesizing"
	SessionComplete     SessionStatus = "complete"
	SessionAbandoned    SessionStatus = "abandoned"
)

// Terminal reports whether no further session transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionComplete || s == SessionAbandoned
}

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// CanTransition reports whether moving from s to next is a legal step.
// pending→assigned→in_progress→{completed|failed}; assigned→failed covers
// workers that vanish before claiming, failed→pending is the retry path.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskAssigned
	case TaskAssigned:
		return next == TaskInProgress || next == TaskFailed
	case TaskInProgress:
		return next == TaskCompleted || next == TaskFailed
	case TaskFailed:
		return next == TaskPending
	}
	return false
}

// Payload is an open, schema-versioned structured value. Consumers
// interpret Kind; unknown schemas are carried through untouched.
type Payload struct {
	Schema string          `json:"schema"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// TextPayload builds a v1 text payload.
func TextPayload(kind, text string) *Payload {
	data, _ := json.Marshal(map[string]string{"text": text})
	return &Payload{Schema: "v1", Kind: kind, Data: data}
}

// Text extracts the text field from a v1 payload, if present.
func (p *Payload) Text() string {
	if p == nil || len(p.Data) == 0 {
		return ""
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(p.Data, &body); err != nil {
		return ""
	}
	return body.Text
}

// Session is one invocation of the orchestration mechanism. Status
// transitions are owned exclusively by the orchestrator; workers read only.
type Session struct {
	SessionID        string        `json:"session_id"`
	Description      string        `json:"description"`
	Status           SessionStatus `json:"status"`
	MasterContextRef string        `json:"master_context_ref,omitempty"`
	Synthesis        *Payload      `json:"synthesis,omitempty"`
	FailedTasks      []string      `json:"failed_tasks,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`

	// Extra holds fields written by newer readers; preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// Task is one decomposed unit of work within a session. Description plus
// the referenced context slice must be self-contained for a worker.
type Task struct {
	TaskID           string     `json:"task_id"`
	Description      string     `json:"description"`
	DependsOn        []string   `json:"depends_on,omitempty"`
	Status           TaskStatus `json:"status"`
	AssignedWorkerID string     `json:"assigned_worker_id,omitempty"`
	AttemptCount     int        `json:"attempt_count"`
	Deadline         *time.Time `json:"deadline,omitempty"`
	Critical         *bool      `json:"critical,omitempty"`
	ContextRef       string     `json:"context_ref,omitempty"`
	Result           *Payload   `json:"result,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	// Extra holds fields written by newer readers; preserved verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// IsCritical reports whether failing this task terminally should count
// against overall session success. Absent means critical.
func (t *Task) IsCritical() bool {
	return t.Critical == nil || *t.Critical
}

// Terminal reports whether the task has reached a final state for the
// current attempt.
func (t *Task) Terminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed
}

// Ledger is the full serialized state of one session and its tasks.
type Ledger struct {
	Session Session `json:"session"`
	Tasks   []Task  `json:"tasks"`
}

// Task returns the task with the given id, or nil.
func (l *Ledger) Task(taskID string) *Task {
	for i := range l.Tasks {
		if l.Tasks[i].TaskID == taskID {
			return &l.Tasks[i]
		}
	}
	return nil
}

// DepsCompleted reports whether every dependency of the task is completed.
func (l *Ledger) DepsCompleted(t *Task) bool {
	for _, dep := range t.DependsOn {
		d := l.Task(dep)
		if d == nil || d.Status != TaskCompleted {
			return false
		}
	}
	return true
}
