// Package queue holds the tasks pending for a single worker.
//
// Tasks are ordered by scheduled time, ties broken by submission order. Any
// goroutine may Enqueue; only the owning worker may call Next or
// DequeueReady.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
)

type entry struct {
	task *domain.Task
	at   time.Time
	seq  uint64
}

type entries []entry

func (e entries) Len() int { return len(e) }
func (e entries) Less(i, j int) bool {
	if e[i].at.Equal(e[j].at) {
		return e[i].seq < e[j].seq
	}
	return e[i].at.Before(e[j].at)
}
func (e entries) Swap(i, j int) { e[i], e[j] = e[j], e[i] }
func (e *entries) Push(x any)   { *e = append(*e, x.(entry)) }
func (e *entries) Pop() any {
	old := *e
	n := len(old)
	x := old[n-1]
	old[n-1] = entry{}
	*e = old[:n-1]
	return x
}

// Queue is a multi-producer, single-consumer ordered task queue.
type Queue struct {
	clock domain.Clock

	mu      sync.Mutex
	pending entries
	seq     uint64
	closed  bool

	// wake holds at most one signal; a consumer re-checks the heap after
	// every receive, so coalesced signals lose nothing.
	wake chan struct{}
}

// New creates an empty Queue reading time from clock.
func New(clock domain.Clock) *Queue {
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Queue{clock: clock, wake: make(chan struct{}, 1)}
}

// Enqueue schedules a held task to run after delay.
func (q *Queue) Enqueue(t *domain.Task, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return domain.ErrQueueClosed
	}
	at := q.clock.Now().Add(delay)
	if err := t.Schedule(at); err != nil {
		return fmt.Errorf("enqueue task %d: %w", t.ID(), err)
	}
	q.seq++
	heap.Push(&q.pending, entry{task: t, at: at, seq: q.seq})

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// DequeueReady removes the earliest task due at or before now. It returns nil
// when nothing is due and never blocks.
func (q *Queue) DequeueReady(now time.Time) *domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popReadyLocked(now)
}

func (q *Queue) popReadyLocked(now time.Time) *domain.Task {
	if len(q.pending) == 0 || q.pending[0].at.After(now) {
		return nil
	}
	return heap.Pop(&q.pending).(entry).task
}

// Next blocks until a task is due, ctx is done, or the queue is closed.
func (q *Queue) Next(ctx context.Context) (*domain.Task, error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		now := q.clock.Now()
		if t := q.popReadyLocked(now); t != nil {
			q.mu.Unlock()
			return t, nil
		}
		wait := time.Duration(-1)
		if len(q.pending) > 0 {
			wait = q.pending[0].at.Sub(now)
		}
		q.mu.Unlock()

		var due <-chan time.Time
		if wait >= 0 {
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			due = timer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-due:
		}
	}
}

// Len is the number of pending tasks, due or not.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Ready is the number of pending tasks due at or before now.
func (q *Queue) Ready(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		if !e.at.After(now) {
			n++
		}
	}
	return n
}

// HasReady reports whether a pending task is due now by the queue's clock.
func (q *Queue) HasReady() bool {
	return q.Ready(q.clock.Now()) > 0
}

// Close rejects further enqueues, wakes the consumer, and hands back the
// tasks that were still pending so the caller can recycle them.
func (q *Queue) Close() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	out := make([]*domain.Task, 0, len(q.pending))
	for len(q.pending) > 0 {
		out = append(out, heap.Pop(&q.pending).(entry).task)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return out
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
