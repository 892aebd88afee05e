// Package pool implements the free list of retired tasks.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/pkg/telemetry"
)

// Pool hands out free tasks most-recently-released first.
type Pool struct {
	name             string
	logger           *slog.Logger
	panicOnViolation bool

	mu     sync.Mutex
	free   []*domain.Task
	nextID uint64
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }

// WithPanicOnViolation makes a double release panic instead of returning an error.
func WithPanicOnViolation(on bool) Option { return func(p *Pool) { p.panicOnViolation = on } }

// WithPrealloc seeds the free list with n tasks.
func WithPrealloc(n int) Option {
	return func(p *Pool) {
		for i := 0; i < n; i++ {
			p.nextID++
			p.free = append(p.free, domain.NewTask(p.nextID))
		}
	}
}

// New constructs a named Pool. The name is used as a metric label.
func New(name string, opts ...Option) *Pool {
	p := &Pool{name: name, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	telemetry.PoolFreeTasks.WithLabelValues(p.name).Set(float64(len(p.free)))
	return p
}

func (p *Pool) Name() string { return p.name }

// Acquire returns a Held task. It never blocks and never fails: an empty
// free list means a fresh allocation.
func (p *Pool) Acquire() *domain.Task {
	p.mu.Lock()
	var t *domain.Task
	if n := len(p.free); n > 0 {
		t = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	} else {
		p.nextID++
		t = domain.NewTask(p.nextID)
		telemetry.PoolAllocationsTotal.WithLabelValues(p.name).Inc()
	}
	telemetry.PoolFreeTasks.WithLabelValues(p.name).Set(float64(len(p.free)))
	p.mu.Unlock()

	if err := t.Acquire(); err != nil {
		// Only reachable if someone mutated a pooled task behind our back.
		p.violation(err)
	}
	return t
}

// Release recycles t into the free list. The caller must be its sole owner.
func (p *Pool) Release(t *domain.Task) error {
	if err := t.Recycle(); err != nil {
		p.violation(err)
		return fmt.Errorf("release to pool %s: %w", p.name, err)
	}
	p.mu.Lock()
	p.free = append(p.free, t)
	telemetry.PoolFreeTasks.WithLabelValues(p.name).Set(float64(len(p.free)))
	p.mu.Unlock()
	return nil
}

// Len is the number of free tasks.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Allocated is the number of tasks this pool has ever created.
func (p *Pool) Allocated() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextID
}

func (p *Pool) violation(err error) {
	telemetry.OwnershipViolationsTotal.WithLabelValues(p.name).Inc()
	var v *domain.OwnershipViolationError
	if errors.As(err, &v) {
		p.logger.Error("ownership violation",
			slog.String("pool", p.name),
			slog.Uint64("task_id", v.TaskID),
			slog.String("from", v.From.String()),
			slog.String("to", v.To.String()),
		)
	}
	if p.panicOnViolation {
		panic(err)
	}
}
