package harness

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-recycler/internal/binder"
	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// gate blocks Run until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Run(context.Context) error {
	close(g.entered)
	<-g.release
	return nil
}

func newTestHarness(t *testing.T) (*Harness, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h, err := New(Options{Logger: discardLogger, ViewBytes: 64 << 10})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		h.Close()
	})
	return h, ctx
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// collected reports whether the named listener is gone. A single cycle is
// normally enough; a few are allowed so a concurrent allocation burst cannot
// make the check flaky.
func collected(t *testing.T, h *Harness, name string) bool {
	t.Helper()
	for i := 0; i < 5; i++ {
		insp, err := h.InspectNamed(name)
		require.NoError(t, err)
		if !insp.Alive {
			return true
		}
	}
	return false
}

// warmIdle starts a worker and lets it run and recycle one task so that it
// sits in Fetch holding a handle to that task.
func warmIdle(t *testing.T, h *Harness, ctx context.Context) *worker.Worker {
	t.Helper()
	w := h.StartWorker(ctx, "idle")
	_, err := binder.Post(h.Pool(), w.Queue(), domain.RunnerFunc(func(context.Context) error { return nil }), 0)
	require.NoError(t, err)
	require.NoError(t, w.WaitProcessed(testCtx(t), 1))
	return w
}

func TestCreateLeak_ReproducesRetention(t *testing.T) {
	h, ctx := newTestHarness(t)

	rep, err := h.CreateLeak(ctx, "settings")
	require.NoError(t, err)
	assert.True(t, rep.Collided, "binder should receive the task the idle worker pins")

	w, err := h.Registry().Get(rep.WorkerID)
	require.NoError(t, err)
	r := w.Retention()
	assert.True(t, r.Stale())
	assert.Equal(t, rep.TaskID, r.TaskID)

	insp, err := h.InspectNamed("settings")
	require.NoError(t, err)
	assert.True(t, insp.Alive, "listener must survive collection while pinned")
	assert.True(t, insp.Reachable)
	require.Len(t, insp.Pins, 1)
	assert.Equal(t, rep.WorkerID, insp.Pins[0].WorkerID)
	assert.Equal(t, "RETAINED_STALE", insp.Pins[0].Ownership)

	assert.False(t, collected(t, h, "settings"), "repeated collections must not free a pinned listener")
}

func TestCreateLeak_ReusesWorkerPerName(t *testing.T) {
	h, ctx := newTestHarness(t)

	first, err := h.CreateLeak(ctx, "repeat")
	require.NoError(t, err)
	second, err := h.CreateLeak(ctx, "repeat")
	require.NoError(t, err)

	assert.Equal(t, first.WorkerID, second.WorkerID)
	assert.True(t, first.Collided)
	assert.True(t, second.Collided)
	assert.Len(t, h.Registry().List(), 1)

	other, err := h.CreateLeak(ctx, "another")
	require.NoError(t, err)
	assert.NotEqual(t, first.WorkerID, other.WorkerID)
	assert.Len(t, h.Registry().List(), 2)
}

func TestBind_NoReproductionWhenWorkerBusy(t *testing.T) {
	h, ctx := newTestHarness(t)
	w := warmIdle(t, h, ctx)

	// The worker fetches the task it was pinning and is blocked running it,
	// so the binder has to allocate.
	g := newGate()
	_, err := binder.Post(h.Pool(), w.Queue(), g, 0)
	require.NoError(t, err)
	<-g.entered

	rep, err := h.Bind("busy", w)
	require.NoError(t, err)
	assert.False(t, rep.Collided)

	close(g.release)
	require.NoError(t, w.WaitProcessed(testCtx(t), 2))

	insp, err := h.InspectNamed("busy")
	require.NoError(t, err)
	assert.False(t, insp.Reachable)
	assert.True(t, collected(t, h, "busy"))
	assert.False(t, w.Retention().Stale())
}

func TestFlush_RemediatesLeak(t *testing.T) {
	h, ctx := newTestHarness(t)

	rep, err := h.CreateLeak(ctx, "dialog")
	require.NoError(t, err)
	require.True(t, rep.Collided)

	frep, err := h.Flush(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{rep.WorkerID}, frep.Flushed)

	insp, err := h.InspectNamed("dialog")
	require.NoError(t, err)
	assert.False(t, insp.Reachable)
	assert.True(t, collected(t, h, "dialog"))

	w, err := h.Registry().Get(rep.WorkerID)
	require.NoError(t, err)
	r := w.Retention()
	assert.NotEqual(t, rep.TaskID, r.TaskID, "handle moved to the flush task")
	assert.Equal(t, domain.Free, r.Ownership)
}

func TestFlush_RemediatesLeakBehindDelayedTask(t *testing.T) {
	h, ctx := newTestHarness(t)

	rep, err := h.CreateLeak(ctx, "delayed")
	require.NoError(t, err)
	require.True(t, rep.Collided)

	w, err := h.Registry().Get(rep.WorkerID)
	require.NoError(t, err)
	_, err = binder.Post(h.Pool(), w.Queue(), domain.RunnerFunc(func(context.Context) error { return nil }), time.Hour)
	require.NoError(t, err)

	frep, err := h.Flush(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{rep.WorkerID}, frep.Flushed)

	insp, err := h.InspectNamed("delayed")
	require.NoError(t, err)
	assert.False(t, insp.Reachable)
	assert.False(t, w.Retention().Stale())
	assert.True(t, collected(t, h, "delayed"))
}

func TestFlush_TwiceMatchesOnce(t *testing.T) {
	h, ctx := newTestHarness(t)

	rep, err := h.CreateLeak(ctx, "twice")
	require.NoError(t, err)

	_, err = h.Flush(testCtx(t))
	require.NoError(t, err)
	_, err = h.Flush(testCtx(t))
	require.NoError(t, err)

	w, err := h.Registry().Get(rep.WorkerID)
	require.NoError(t, err)
	assert.False(t, w.Retention().Stale())
	assert.Equal(t, 0, w.Queue().Len())
	assert.True(t, collected(t, h, "twice"))
}

func TestFlush_SkipsStoppedWorker(t *testing.T) {
	h, ctx := newTestHarness(t)

	wctx, stop := context.WithCancel(ctx)
	w := h.StartWorker(wctx, "short")
	stop()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	rep, err := h.Flush(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, rep.Flushed)
	assert.Equal(t, []string{w.ID()}, rep.Skipped)
	assert.Equal(t, 1, h.Registry().Prune())
}

func TestFlush_NoWorkers(t *testing.T) {
	h, _ := newTestHarness(t)

	rep, err := h.Flush(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, rep.Flushed)
	assert.Empty(t, rep.Skipped)
}

func TestInspect_MatchesByIdentity(t *testing.T) {
	h, ctx := newTestHarness(t)
	w := h.StartWorker(ctx, "carrier")

	type view struct{ name string }
	carried := &view{name: "a"}
	twin := &view{name: "a"}

	_, err := binder.Post(h.Pool(), w.Queue(), carried, 0)
	require.NoError(t, err)
	require.NoError(t, w.WaitProcessed(testCtx(t), 1))

	// Recycling clears the payload, so nothing is carried any more.
	assert.False(t, h.Inspect(carried).Reachable)
	assert.False(t, h.Inspect(twin).Reachable)
	assert.False(t, h.Inspect(nil).Reachable)
}

func TestInspect_PinnedPayload(t *testing.T) {
	h, ctx := newTestHarness(t)
	w := warmIdle(t, h, ctx)

	l := NewListener("pinned", 16)
	_, err := binder.Post(h.Pool(), w.Queue(), l, time.Hour)
	require.NoError(t, err)

	insp := h.Inspect(l)
	assert.True(t, insp.Reachable)
	require.Len(t, insp.Pins, 1)
	assert.Equal(t, w.ID(), insp.Pins[0].WorkerID)
	assert.Equal(t, "RETAINED_STALE", insp.Pins[0].Ownership)

	assert.False(t, h.Inspect(NewListener("pinned", 16)).Reachable)
}

func TestInspect_FuncPayloadNeverMatches(t *testing.T) {
	f := domain.RunnerFunc(func(context.Context) error { return nil })
	assert.False(t, samePayload(f, f))
	assert.True(t, samePayload(42, 42))
	assert.False(t, samePayload(42, int64(42)))
}

func TestInspectNamed_Unknown(t *testing.T) {
	h, _ := newTestHarness(t)

	_, err := h.InspectNamed("missing")
	var nf *domain.LeakNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.Name)
}

func TestStartWorker_RegistersWithPrefixedID(t *testing.T) {
	h, ctx := newTestHarness(t)

	w := h.StartWorker(ctx, "ui")
	assert.Regexp(t, `^ui-[0-9a-f]{8}$`, w.ID())

	got, err := h.Registry().Get(w.ID())
	require.NoError(t, err)
	assert.Same(t, w, got)
	assert.Same(t, h.Pool(), w.Pool())
}

func TestNew_InvalidReapSchedule(t *testing.T) {
	_, err := New(Options{Logger: discardLogger, ReapSchedule: "whenever"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "whenever")
}

func TestNewListener_View(t *testing.T) {
	l := NewListener("screen", 32)
	require.NotNil(t, l.View())
	assert.Equal(t, "screen", l.View().Name)
	assert.Len(t, l.View().tree, 32)

	require.NoError(t, l.Run(context.Background()))
	assert.True(t, l.fired.Load())
}
