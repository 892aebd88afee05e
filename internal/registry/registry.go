package registry

import (
	"sort"
	"sync"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

// Registry tracks every worker started in this process. Entries for stopped
// workers stay until Prune; callers must tolerate them.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*worker.Worker
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*worker.Worker)}
}

// Register adds a worker. Safe to call concurrently.
func (r *Registry) Register(w *worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.ID()] = w
}

// Get returns the worker with the given ID.
// Returns WorkerNotFoundError if not registered.
func (r *Registry) Get(id string) (*worker.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, &domain.WorkerNotFoundError{WorkerID: id}
	}
	return w, nil
}

// List returns all registered workers ordered by ID.
func (r *Registry) List() []*worker.Worker {
	r.mu.RLock()
	out := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Prune drops stopped workers and reports how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, w := range r.workers {
		if !w.Alive() {
			delete(r.workers, id)
			n++
		}
	}
	return n
}
