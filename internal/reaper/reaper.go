// Package reaper forces idle workers to drop their retained handles.
//
// A flush enqueues one empty task per live worker. When the worker fetches
// it, the retained handle moves to that empty task and whatever the old
// handle pinned becomes collectable, provided nothing else pins it. The
// reaper never needs to know which tasks, if any, were stale.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/pkg/telemetry"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

// Lister enumerates the workers a flush should reach.
type Lister interface {
	List() []*worker.Worker
}

// Report lists which workers received a flush task and which were skipped.
type Report struct {
	Flushed []string `json:"flushed"`
	Skipped []string `json:"skipped"`
}

// Reaper flushes workers on demand or on a cron schedule.
type Reaper struct {
	workers Lister
	logger  *slog.Logger

	mu    sync.Mutex
	sched *cron.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

func WithLogger(l *slog.Logger) Option { return func(r *Reaper) { r.logger = l } }

// New creates a Reaper over the workers listed by workers.
func New(workers Lister, opts ...Option) *Reaper {
	r := &Reaper{workers: workers, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Flush flushes every worker the Lister currently knows about.
func (r *Reaper) Flush() Report {
	return r.FlushAll(r.workers.List())
}

// FlushAll enqueues one empty, zero-delay task on each live worker.
//
// Stopped workers are skipped. So are workers that already have a task due:
// that task will replace the retained handle on the next fetch, which is what
// makes repeated calls equivalent to one. A task scheduled for later does not
// count, since the worker stays parked until it comes due.
func (r *Reaper) FlushAll(workers []*worker.Worker) Report {
	var rep Report
	for _, w := range workers {
		if r.flushOne(w) {
			rep.Flushed = append(rep.Flushed, w.ID())
			telemetry.ReaperFlushesTotal.WithLabelValues("flushed").Inc()
		} else {
			rep.Skipped = append(rep.Skipped, w.ID())
			telemetry.ReaperFlushesTotal.WithLabelValues("skipped").Inc()
		}
	}
	r.logger.Info("flush complete",
		slog.Int("flushed", len(rep.Flushed)),
		slog.Int("skipped", len(rep.Skipped)),
	)
	return rep
}

func (r *Reaper) flushOne(w *worker.Worker) bool {
	if !w.Alive() || w.Queue().HasReady() {
		return false
	}
	t := w.Pool().Acquire()
	if err := w.Queue().Enqueue(t, 0); err != nil {
		// The worker stopped between the Alive check and the enqueue.
		if relErr := w.Pool().Release(t); relErr != nil {
			r.logger.Error("failed to return flush task", slog.String("error", relErr.Error()))
		}
		if !errors.Is(err, domain.ErrQueueClosed) {
			r.logger.Warn("flush enqueue failed",
				slog.String("worker_id", w.ID()),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	return true
}

// Start runs Flush on the given cron schedule, e.g. "@every 30s" or a
// standard five-field expression. An empty schedule disables periodic
// flushing. Calling Start again replaces the previous schedule.
func (r *Reaper) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Flush() }); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.sched
	r.sched = c
	r.mu.Unlock()
	if prev != nil {
		<-prev.Stop().Done()
	}

	c.Start()
	r.logger.Info("periodic flush scheduled", slog.String("schedule", schedule))
	return nil
}

// Stop halts periodic flushing. The returned context is done once any
// running flush has finished.
func (r *Reaper) Stop() context.Context {
	r.mu.Lock()
	c := r.sched
	r.sched = nil
	r.mu.Unlock()
	if c == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return c.Stop()
}
