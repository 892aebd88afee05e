// Package harness reproduces the stale-handle leak on demand and reports on
// it. It backs the create-leak, flush and inspect commands.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/go-task-recycler/internal/binder"
	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/internal/pool"
	"github.com/ramiqadoumi/go-task-recycler/internal/queue"
	"github.com/ramiqadoumi/go-task-recycler/internal/reaper"
	"github.com/ramiqadoumi/go-task-recycler/internal/registry"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

const defaultViewBytes = 1 << 20

// View stands in for a host object graph, such as a screen and everything it
// references. Only its size matters.
type View struct {
	Name string
	tree []byte
}

// Listener is a callback payload that references a View, the way a UI
// listener closes over the screen that registered it.
type Listener struct {
	view  *View
	fired atomic.Bool
}

func (l *Listener) Run(context.Context) error {
	l.fired.Store(true)
	return nil
}

// View returns the referenced view.
func (l *Listener) View() *View { return l.view }

// NewListener builds a listener over a view of viewBytes bytes.
func NewListener(name string, viewBytes int) *Listener {
	return &Listener{view: &View{Name: name, tree: make([]byte, viewBytes)}}
}

// Options configures a Harness.
type Options struct {
	Clock         domain.Clock
	Logger        *slog.Logger
	PoolName      string
	Strict        bool
	Prealloc      int
	ViewBytes     int
	ReapSchedule  string
	WorkerOptions []worker.Option
}

// Harness owns a shared pool, the worker registry and the reaper.
type Harness struct {
	clock      domain.Clock
	logger     *slog.Logger
	pool       *pool.Pool
	registry   *registry.Registry
	reaper     *reaper.Reaper
	viewBytes  int
	workerOpts []worker.Option

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	leaks map[string]weak.Pointer[Listener]
	// idle holds the worker CreateLeak uses for each name.
	idle map[string]*worker.Worker
}

// New builds a Harness. The reaper schedule, if any, starts immediately.
func New(opts Options) (*Harness, error) {
	if opts.Clock == nil {
		opts.Clock = domain.SystemClock
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PoolName == "" {
		opts.PoolName = "main"
	}
	if opts.ViewBytes <= 0 {
		opts.ViewBytes = defaultViewBytes
	}

	reg := registry.New()
	runCtx, cancel := context.WithCancel(context.Background())
	h := &Harness{
		runCtx: runCtx,
		cancel: cancel,
		clock:  opts.Clock,
		logger: opts.Logger,
		pool: pool.New(opts.PoolName,
			pool.WithLogger(opts.Logger),
			pool.WithPanicOnViolation(opts.Strict),
			pool.WithPrealloc(opts.Prealloc),
		),
		registry:   reg,
		reaper:     reaper.New(reg, reaper.WithLogger(opts.Logger)),
		viewBytes:  opts.ViewBytes,
		workerOpts: append([]worker.Option{worker.WithLogger(opts.Logger)}, opts.WorkerOptions...),
		leaks:      make(map[string]weak.Pointer[Listener]),
		idle:       make(map[string]*worker.Worker),
	}
	if err := h.reaper.Start(opts.ReapSchedule); err != nil {
		cancel()
		return nil, fmt.Errorf("reaper schedule %q: %w", opts.ReapSchedule, err)
	}
	return h, nil
}

func (h *Harness) Pool() *pool.Pool             { return h.pool }
func (h *Harness) Registry() *registry.Registry { return h.registry }
func (h *Harness) Reaper() *reaper.Reaper       { return h.reaper }

// StartWorker registers a worker on a fresh queue and runs it until ctx ends.
func (h *Harness) StartWorker(ctx context.Context, name string) *worker.Worker {
	id := fmt.Sprintf("%s-%s", name, uuid.New().String()[:8])
	w := worker.NewWorker(id, queue.New(h.clock), h.pool, h.workerOpts...)
	h.registry.Register(w)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := w.Run(ctx); err != nil {
			h.logger.Error("worker exited", slog.String("worker_id", id), slog.String("error", err.Error()))
		}
	}()
	return w
}

// Close stops periodic flushing and the workers started by CreateLeak, then
// waits for every worker loop to exit. Workers started with StartWorker
// must have had their context cancelled.
func (h *Harness) Close() {
	<-h.reaper.Stop().Done()
	h.cancel()
	h.wg.Wait()
}

// LeakReport describes one create-leak run.
type LeakReport struct {
	Name     string `json:"name"`
	WorkerID string `json:"worker_id"`
	TaskID   uint64 `json:"task_id"`
	// Collided is true when the binder received the very task the worker
	// still pins, i.e. the leak was reproduced.
	Collided bool `json:"collided"`
}

// CreateLeak lets a worker run one task and go idle, then binds a named
// listener through the shared pool. With no other pool traffic the binder
// receives the task the idle worker still pins.
//
// Each name gets one worker, started on first use and reused by later calls
// with the same name. ctx bounds the wait only. The worker lives until Close.
func (h *Harness) CreateLeak(ctx context.Context, name string) (LeakReport, error) {
	w := h.idleWorker(name)
	before := w.Processed()

	noop := domain.RunnerFunc(func(context.Context) error { return nil })
	if _, err := binder.Post(h.pool, w.Queue(), noop, 0); err != nil {
		return LeakReport{}, fmt.Errorf("post warm-up task: %w", err)
	}
	// Recycled, and the worker is back in Fetch with nothing to do.
	if err := w.WaitProcessed(ctx, before+1); err != nil {
		return LeakReport{}, fmt.Errorf("wait for idle worker: %w", err)
	}
	return h.Bind(name, w)
}

func (h *Harness) idleWorker(name string) *worker.Worker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.idle[name]; ok && w.Alive() {
		return w
	}
	w := h.StartWorker(h.runCtx, "idle")
	h.idle[name] = w
	return w
}

// Bind attaches a new named listener to a task obtained from the shared pool
// and submits it to a queue that no worker drains. The queue and the task
// are dropped on return, so afterwards the listener is reachable only
// through a worker's retained handle, if at all. w is only used to report
// whether the binder collided with its handle.
func (h *Harness) Bind(name string, w *worker.Worker) (LeakReport, error) {
	l := NewListener(name, h.viewBytes)
	detached := queue.New(h.clock)
	t, err := binder.Post(h.pool, detached, l, 0)
	if err != nil {
		return LeakReport{}, err
	}

	rep := LeakReport{Name: name, WorkerID: w.ID(), TaskID: t.ID(), Collided: w.Last() == t}

	h.mu.Lock()
	h.leaks[name] = weak.Make(l)
	h.mu.Unlock()

	h.logger.Info("listener bound",
		slog.String("name", name),
		slog.String("worker_id", rep.WorkerID),
		slog.Uint64("task_id", rep.TaskID),
		slog.Bool("collided", rep.Collided),
	)
	return rep, nil
}

// Flush runs the reaper over every registered worker and waits until each
// flushed worker has processed its flush task.
func (h *Harness) Flush(ctx context.Context) (reaper.Report, error) {
	before := make(map[string]int64)
	for _, w := range h.registry.List() {
		before[w.ID()] = w.Processed()
	}

	rep := h.reaper.Flush()
	for _, id := range rep.Flushed {
		w, err := h.registry.Get(id)
		if err != nil {
			return rep, err
		}
		if err := w.WaitProcessed(ctx, before[id]+1); err != nil && !errors.Is(err, worker.ErrStopped) {
			return rep, fmt.Errorf("wait for flush on %s: %w", id, err)
		}
	}
	return rep, nil
}

// Pin is one worker whose retained handle reaches a payload.
type Pin struct {
	WorkerID  string `json:"worker_id"`
	TaskID    uint64 `json:"task_id"`
	Ownership string `json:"ownership"`
}

// Inspection reports whether a payload is reachable from any retained handle.
type Inspection struct {
	Reachable bool  `json:"reachable"`
	Pins      []Pin `json:"pins,omitempty"`
}

// Inspect looks for payload behind every registered worker's retained
// handle. Payloads are matched by identity, so only comparable payload
// types, typically pointers, can be found.
func (h *Harness) Inspect(payload any) Inspection {
	var insp Inspection
	for _, w := range h.registry.List() {
		t := w.Last()
		if t == nil || !samePayload(t.Payload(), payload) {
			continue
		}
		r := w.Retention()
		insp.Pins = append(insp.Pins, Pin{
			WorkerID:  w.ID(),
			TaskID:    r.TaskID,
			Ownership: r.Ownership.String(),
		})
	}
	insp.Reachable = len(insp.Pins) > 0
	return insp
}

// NamedInspection is Inspect for a listener created by Bind, plus whether the
// listener survived a forced collection.
type NamedInspection struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
	Inspection
}

// InspectNamed forces a garbage collection, then reports on the named
// listener.
func (h *Harness) InspectNamed(name string) (NamedInspection, error) {
	h.mu.Lock()
	wp, ok := h.leaks[name]
	h.mu.Unlock()
	if !ok {
		return NamedInspection{}, &domain.LeakNotFoundError{Name: name}
	}

	runtime.GC()
	l := wp.Value()
	if l == nil {
		return NamedInspection{Name: name}, nil
	}
	return NamedInspection{Name: name, Alive: true, Inspection: h.Inspect(l)}, nil
}

func samePayload(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
