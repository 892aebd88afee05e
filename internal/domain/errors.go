package domain

import (
	"errors"
	"fmt"
)

// ErrQueueClosed is returned by queue operations after the owning worker stopped.
var ErrQueueClosed = errors.New("queue closed")

// OwnershipViolationError is returned when a task is moved along an edge the
// ownership state machine does not allow, most commonly a double release.
type OwnershipViolationError struct {
	TaskID uint64
	From   Ownership
	To     Ownership
}

func (e *OwnershipViolationError) Error() string {
	return fmt.Sprintf("ownership violation on task %d: %s -> %s", e.TaskID, e.From, e.To)
}

// WorkerNotFoundError is returned when a worker ID is not registered.
type WorkerNotFoundError struct {
	WorkerID string
}

func (e *WorkerNotFoundError) Error() string {
	return fmt.Sprintf("worker not found: %s", e.WorkerID)
}

// LeakNotFoundError is returned when no leak was created under a name.
type LeakNotFoundError struct {
	Name string
}

func (e *LeakNotFoundError) Error() string {
	return fmt.Sprintf("no leak recorded under name %q", e.Name)
}
