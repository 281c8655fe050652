package ledger

import (
	"errors"
	"fmt"
)

// Common ledger errors.
var (
	// ErrConflict indicates a ledger already exists for the session.
	ErrConflict = errors.New("ledger already exists")

	// ErrNotFound indicates the requested session or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite indicates a compare-and-swap precondition failed.
	ErrStaleWrite = errors.New("stale write")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("ledger store is closed")
)

// NotFoundError wraps ErrNotFound with entity details.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a typed not found error.
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// StaleWriteError wraps ErrStaleWrite with the status that lost the race.
// The loser re-reads the ledger and decides whether to retry or walk away;
// the store never retries on its own.
type StaleWriteError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on %s %s: expected status %q, found %q",
		e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *StaleWriteError) Unwrap() error {
	return ErrStaleWrite
}

// ConflictError wraps ErrConflict with the duplicate session id.
type ConflictError struct {
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger already exists for session %s", e.SessionID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsStaleWrite checks if an error is a CAS failure.
func IsStaleWrite(err error) bool {
	return errors.Is(err, ErrStaleWrite)
}

// IsConflict checks if an error is a duplicate-creation conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
