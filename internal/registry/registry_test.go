package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/internal/pool"
	"github.com/ramiqadoumi/go-task-recycler/internal/queue"
	"github.com/ramiqadoumi/go-task-recycler/internal/registry"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

func newWorker(id string) *worker.Worker {
	return worker.NewWorker(id, queue.New(domain.SystemClock), pool.New("registry-test"))
}

func TestRegistry_Get_Known(t *testing.T) {
	reg := registry.New()
	reg.Register(newWorker("a"))

	w, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", w.ID())
}

func TestRegistry_Get_Unknown(t *testing.T) {
	reg := registry.New()

	_, err := reg.Get("ghost")
	require.Error(t, err)

	var notFound *domain.WorkerNotFoundError
	assert.True(t, errors.As(err, &notFound), "expected WorkerNotFoundError, got %T", err)
	assert.Equal(t, "ghost", notFound.WorkerID)
}

func TestRegistry_List_SortedByID(t *testing.T) {
	reg := registry.New()
	for _, id := range []string{"c", "a", "b"} {
		reg.Register(newWorker(id))
	}

	var ids []string
	for _, w := range reg.List() {
		ids = append(ids, w.ID())
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestRegistry_Prune_RemovesStopped(t *testing.T) {
	reg := registry.New()
	live := newWorker("live")
	dead := newWorker("dead")
	reg.Register(live)
	reg.Register(dead)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, dead.Run(ctx))

	assert.Equal(t, 1, reg.Prune())
	_, err := reg.Get("dead")
	assert.Error(t, err)
	_, err = reg.Get("live")
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := registry.New()
	reg.Register(newWorker("base"))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func(i int) { defer wg.Done(); reg.Register(newWorker(fmt.Sprintf("w-%d", i))) }(i)
		go func() { defer wg.Done(); _, _ = reg.Get("base") }()
		go func() { defer wg.Done(); _ = reg.List() }()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent registry access deadlocked")
	}
	assert.Len(t, reg.List(), 101)
}
