package domain

import (
	"context"
	"sync"
	"time"
)

// Ownership records which role currently owns a task.
type Ownership int32

const (
	// Free tasks sit in a pool.
	Free Ownership = iota
	// Held tasks were acquired by a producer and not yet submitted.
	Held
	// Queued tasks are pending in a queue.
	Queued
	// Executing tasks are being run by a worker.
	Executing
	// RetainedStale is never stored on a task. Inspection reports it when a
	// worker's retained handle points at a task someone else now owns.
	RetainedStale
)

func (o Ownership) String() string {
	switch o {
	case Free:
		return "FREE"
	case Held:
		return "HELD"
	case Queued:
		return "QUEUED"
	case Executing:
		return "EXECUTING"
	case RetainedStale:
		return "RETAINED_STALE"
	default:
		return "UNKNOWN"
	}
}

// Runner is implemented by payloads that do work when their task executes.
// Payloads that are not Runners are carried but never invoked.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner. Function payloads are not
// comparable, so they cannot be located by payload inspection.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Clock supplies the time used for scheduling.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock, which carries Go's monotonic reading.
var SystemClock Clock = systemClock{}

// Task is the recyclable unit of work.
type Task struct {
	id uint64

	mu          sync.Mutex
	payload     any
	scheduledAt time.Time
	ownership   Ownership
}

// NewTask allocates a Free task. Only pools should call it.
func NewTask(id uint64) *Task {
	return &Task{id: id, ownership: Free}
}

// ID is stable for the lifetime of the instance, across every reuse.
func (t *Task) ID() uint64 { return t.id }

func (t *Task) Payload() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.payload
}

// Attach stores payload without touching ownership.
func (t *Task) Attach(payload any) {
	t.mu.Lock()
	t.payload = payload
	t.mu.Unlock()
}

func (t *Task) ScheduledAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scheduledAt
}

func (t *Task) Ownership() Ownership {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ownership
}

// Acquire moves a pooled task to its new producer.
func (t *Task) Acquire() error {
	return t.transition(Held, Free)
}

// Schedule marks a held task as queued for at.
func (t *Task) Schedule(at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ownership != Held {
		return &OwnershipViolationError{TaskID: t.id, From: t.ownership, To: Queued}
	}
	t.scheduledAt = at
	t.ownership = Queued
	return nil
}

// Begin hands a queued task to the worker that dequeued it.
func (t *Task) Begin() error {
	return t.transition(Executing, Queued)
}

// Recycle clears the payload and marks the task Free. Recycling a task that
// is already Free is a double release.
func (t *Task) Recycle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ownership == Free {
		return &OwnershipViolationError{TaskID: t.id, From: Free, To: Free}
	}
	t.payload = nil
	t.scheduledAt = time.Time{}
	t.ownership = Free
	return nil
}

func (t *Task) transition(to Ownership, from Ownership) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ownership != from {
		return &OwnershipViolationError{TaskID: t.id, From: t.ownership, To: to}
	}
	t.ownership = to
	return nil
}
