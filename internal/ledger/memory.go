package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. It backs embedded use and tests;
// durability comes from the SQLite store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Ledger
	closed   bool
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Ledger)}
}

// Create writes a new ledger.
func (m *MemoryStore) Create(ctx context.Context, session Session, tasks []Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[session.SessionID]; ok {
		return &ConflictError{SessionID: session.SessionID}
	}

	l := &Ledger{Session: session, Tasks: make([]Task, len(tasks))}
	copy(l.Tasks, tasks)
	m.sessions[session.SessionID] = l
	return nil
}

// Read returns a deep copy of the current ledger state.
func (m *MemoryStore) Read(ctx context.Context, sessionID string) (*Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	l, ok := m.sessions[sessionID]
	if !ok {
		return nil, NewNotFoundError("session", sessionID)
	}
	return copyLedger(l), nil
}

// UpdateTask CAS-writes one task.
func (m *MemoryStore) UpdateTask(ctx context.Context, sessionID, taskID string, expected TaskStatus, update TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	l, ok := m.sessions[sessionID]
	if !ok {
		return NewNotFoundError("session", sessionID)
	}
	t := l.Task(taskID)
	if t == nil {
		return NewNotFoundError("task", taskID)
	}
	if t.Status != expected {
		return &StaleWriteError{
			Entity:   "task",
			ID:       taskID,
			Expected: string(expected),
			Actual:   string(t.Status),
		}
	}

	applyTaskUpdate(t, update, time.Now().UTC())
	l.Session.UpdatedAt = t.UpdatedAt
	return nil
}

// UpdateSession CAS-writes the session header.
func (m *MemoryStore) UpdateSession(ctx context.Context, sessionID string, expected SessionStatus, update SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	l, ok := m.sessions[sessionID]
	if !ok {
		return NewNotFoundError("session", sessionID)
	}
	if l.Session.Status != expected {
		return &StaleWriteError{
			Entity:   "session",
			ID:       sessionID,
			Expected: string(expected),
			Actual:   string(l.Session.Status),
		}
	}

	applySessionUpdate(&l.Session, update, time.Now().UTC())
	return nil
}

// ListOpen returns ids of sessions not yet terminal, oldest first.
func (m *MemoryStore) ListOpen(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	var ids []string
	for id, l := range m.sessions {
		if !l.Session.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return m.sessions[ids[i]].Session.CreatedAt.Before(m.sessions[ids[j]].Session.CreatedAt)
	})
	return ids, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func copyLedger(l *Ledger) *Ledger {
	out := &Ledger{Session: l.Session, Tasks: make([]Task, len(l.Tasks))}
	copy(out.Tasks, l.Tasks)
	for i := range out.Tasks {
		out.Tasks[i].DependsOn = append([]string(nil), l.Tasks[i].DependsOn...)
	}
	out.Session.FailedTasks = append([]string(nil), l.Session.FailedTasks...)
	return out
}

var _ Store = (*MemoryStore)(nil)
