// Package binder is the producer side of the pool: it borrows a task, hangs a
// payload on it, and submits it for one-shot delivery.
//
// Binder never releases what it obtains. Once submitted, the task belongs to
// whichever queue it went to, and the caller does not track it further. That
// matches listener registration, where the registering code keeps no handle.
package binder

import (
	"fmt"
	"time"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/internal/pool"
	"github.com/ramiqadoumi/go-task-recycler/internal/queue"
	"github.com/ramiqadoumi/go-task-recycler/pkg/telemetry"
)

// Obtain borrows a task from p.
func Obtain(p *pool.Pool) *domain.Task {
	return p.Acquire()
}

// Attach sets the task's payload. Ownership is unchanged.
func Attach(t *domain.Task, payload any) {
	t.Attach(payload)
}

// Submit hands t to q for delivery after delay.
func Submit(t *domain.Task, q *queue.Queue, delay time.Duration) error {
	if err := q.Enqueue(t, delay); err != nil {
		return fmt.Errorf("binder submit: %w", err)
	}
	telemetry.BinderSubmissionsTotal.Inc()
	return nil
}

// Post obtains a task from p, attaches payload and submits it to q.
//
// If the submit fails the task stays Held by the caller, who is then
// responsible for it.
func Post(p *pool.Pool, q *queue.Queue, payload any, delay time.Duration) (*domain.Task, error) {
	t := Obtain(p)
	Attach(t, payload)
	if err := Submit(t, q, delay); err != nil {
		return t, err
	}
	return t, nil
}
