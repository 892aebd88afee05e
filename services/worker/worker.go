package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/internal/pool"
	"github.com/ramiqadoumi/go-task-recycler/internal/queue"
	"github.com/ramiqadoumi/go-task-recycler/pkg/retry"
	"github.com/ramiqadoumi/go-task-recycler/pkg/telemetry"
)

// ErrStopped is returned by waits on a worker whose loop has exited.
var ErrStopped = errors.New("worker stopped")

// LoopState is the phase of the worker loop.
type LoopState int32

const (
	StateIdle LoopState = iota
	StateFetch
	StateExecute
	StateRecycle
	StateStopped
)

func (s LoopState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateFetch:
		return "FETCH"
	case StateExecute:
		return "EXECUTE"
	case StateRecycle:
		return "RECYCLE"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Retention classifies what a worker's retained handle points at.
type Retention struct {
	// Pinned is false when the handle is empty.
	Pinned bool
	TaskID uint64
	// Ownership is Executing while the worker is running the task, Free
	// when the handle pins a pooled task, and RetainedStale when the pinned
	// task has since been handed to another owner.
	Ownership domain.Ownership
}

// Stale reports whether the handle pins a task another owner now holds.
func (r Retention) Stale() bool { return r.Pinned && r.Ownership == domain.RetainedStale }

// Worker runs tasks from one queue, one at a time, recycling each into a pool.
//
// After a task is recycled the worker keeps a handle to it in last until the
// next fetch succeeds. An idle worker therefore pins the last task it ran,
// and anything later attached to that task, for as long as its queue stays
// empty.
type Worker struct {
	id         string
	queue      *queue.Queue
	pool       *pool.Pool
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
	timeout    time.Duration

	// last is written only by the fetch transition and by stop.
	last    atomic.Pointer[domain.Task]
	current atomic.Pointer[domain.Task]
	state   atomic.Int32
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}

	mu        sync.Mutex
	processed int64
	tick      chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

func WithRetries(n int) Option             { return func(w *Worker) { w.maxRetries = n } }
func WithTimeout(d time.Duration) Option   { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option     { return func(w *Worker) { w.logger = l } }
func WithBaseDelay(d time.Duration) Option { return func(w *Worker) { w.baseDelay = d } }

// NewWorker constructs a Worker that consumes q and recycles into p.
func NewWorker(id string, q *queue.Queue, p *pool.Pool, opts ...Option) *Worker {
	w := &Worker{
		id:     id,
		queue:  q,
		pool:   p,
		logger: slog.Default(),
		done:   make(chan struct{}),
		tick:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("worker_id", id))
	return w
}

func (w *Worker) ID() string          { return w.id }
func (w *Worker) Queue() *queue.Queue { return w.queue }
func (w *Worker) Pool() *pool.Pool    { return w.pool }

// Last returns the retained handle, which may point at a task the worker no
// longer owns.
func (w *Worker) Last() *domain.Task { return w.last.Load() }

func (w *Worker) State() LoopState { return LoopState(w.state.Load()) }

// Alive is false once the loop has exited.
func (w *Worker) Alive() bool { return !w.stopped.Load() }

// Done is closed when the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Processed is the number of tasks that completed the recycle step.
func (w *Worker) Processed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed
}

// WaitProcessed blocks until at least n tasks have been recycled.
func (w *Worker) WaitProcessed(ctx context.Context, n int64) error {
	for {
		w.mu.Lock()
		p, ch := w.processed, w.tick
		w.mu.Unlock()
		if p >= n {
			return nil
		}
		select {
		case <-ch:
		case <-w.done:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Retention inspects the retained handle.
//
// current is cleared only after the task has been released, so current may
// still point at a task another owner has already reacquired. The handle
// counts as executing only while the task itself is still Executing.
func (w *Worker) Retention() Retention {
	last := w.last.Load()
	if last == nil {
		return Retention{}
	}
	r := Retention{Pinned: true, TaskID: last.ID()}
	if last == w.current.Load() && last.Ownership() == domain.Executing {
		r.Ownership = domain.Executing
		return r
	}
	if last.Ownership() == domain.Free {
		r.Ownership = domain.Free
	} else {
		r.Ownership = domain.RetainedStale
	}
	return r
}

// Run processes tasks until ctx is cancelled. It can be called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return fmt.Errorf("worker %s already started", w.id)
	}
	defer w.stop()

	w.logger.Debug("worker loop starting")
	for {
		if err := w.step(ctx); err != nil {
			if errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, domain.ErrQueueClosed) {
				return nil
			}
			return err
		}
	}
}

// step runs one Fetch, Execute, Recycle cycle. The fetched task lives only in
// this frame and in the retained handle, so nothing but last pins it while
// the next call blocks in Fetch.
func (w *Worker) step(ctx context.Context) error {
	w.state.Store(int32(StateFetch))
	task, err := w.queue.Next(ctx)
	if err != nil {
		return err
	}
	if err := task.Begin(); err != nil {
		w.logger.Error("dequeued task not in QUEUED state, skipping",
			slog.Uint64("task_id", task.ID()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	w.current.Store(task)
	w.last.Store(task)

	w.state.Store(int32(StateExecute))
	result := w.execute(ctx, task)
	telemetry.WorkerTasksExecuted.WithLabelValues(w.id, result).Inc()

	w.state.Store(int32(StateRecycle))
	if err := w.pool.Release(task); err != nil {
		w.logger.Error("failed to recycle task",
			slog.Uint64("task_id", task.ID()),
			slog.String("error", err.Error()),
		)
	}
	w.current.Store(nil)

	w.mu.Lock()
	w.processed++
	close(w.tick)
	w.tick = make(chan struct{})
	w.mu.Unlock()

	w.state.Store(int32(StateIdle))
	return nil
}

// execute runs the payload if it is a Runner and returns a result label.
func (w *Worker) execute(ctx context.Context, task *domain.Task) string {
	payload := task.Payload()
	if payload == nil {
		return "empty"
	}
	runner, ok := payload.(domain.Runner)
	if !ok {
		return "carried"
	}

	ctx, span := otel.Tracer("worker").Start(ctx, "worker.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("task.id", int64(task.ID())),
		attribute.String("worker.id", w.id),
	)

	start := time.Now()
	attempts, err := retry.Do(ctx, retry.Config{
		MaxAttempts: w.maxRetries + 1,
		BaseDelay:   w.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			telemetry.WorkerRetriesTotal.WithLabelValues(w.id).Inc()
			w.logger.Warn("payload failed, retrying",
				slog.Uint64("task_id", task.ID()),
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		return w.runOnce(ctx, runner)
	})
	elapsed := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(w.id).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "payload failed")
		w.logger.Error("payload failed",
			slog.Uint64("task_id", task.ID()),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return "failed"
	}
	w.logger.Debug("task executed",
		slog.Uint64("task_id", task.ID()),
		slog.Int("attempts", attempts),
		slog.Duration("duration", elapsed),
	)
	return "done"
}

func (w *Worker) runOnce(ctx context.Context, r domain.Runner) (err error) {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("payload panic: %v", rec)
		}
	}()
	return r.Run(ctx)
}

// stop closes the queue, recycles whatever was still pending, and drops the
// retained handle: a finished loop pins nothing.
func (w *Worker) stop() {
	w.stopped.Store(true)
	w.state.Store(int32(StateStopped))
	for _, t := range w.queue.Close() {
		if err := w.pool.Release(t); err != nil {
			w.logger.Error("failed to recycle pending task on stop",
				slog.Uint64("task_id", t.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
	w.current.Store(nil)
	w.last.Store(nil)
	w.dropMetrics()
	close(w.done)
	w.logger.Debug("worker loop stopped")
}

// dropMetrics removes this worker's series so that short-lived workers do not
// accumulate label sets.
func (w *Worker) dropMetrics() {
	telemetry.WorkerTasksExecuted.DeletePartialMatch(prometheus.Labels{"worker_id": w.id})
	telemetry.WorkerTaskDurationSeconds.DeleteLabelValues(w.id)
	telemetry.WorkerRetriesTotal.DeleteLabelValues(w.id)
}
