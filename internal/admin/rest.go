// Package admin exposes the leak harness over HTTP so that a running
// recycler can be driven from the CLI or curl.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ramiqadoumi/go-task-recycler/internal/domain"
	"github.com/ramiqadoumi/go-task-recycler/internal/harness"
	"github.com/ramiqadoumi/go-task-recycler/internal/reaper"
	"github.com/ramiqadoumi/go-task-recycler/services/worker"
)

const waitTimeout = 10 * time.Second

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Harness is the subset of *harness.Harness the handlers need.
type Harness interface {
	CreateLeak(ctx context.Context, name string) (harness.LeakReport, error)
	Flush(ctx context.Context) (reaper.Report, error)
	InspectNamed(name string) (harness.NamedInspection, error)
}

// REST handles the admin endpoints.
type REST struct {
	harness Harness
	workers reaper.Lister
	logger  *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(h Harness, workers reaper.Lister, logger *slog.Logger) *REST {
	return &REST{harness: h, workers: workers, logger: logger}
}

// Router mounts the admin endpoints.
func (h *REST) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(h.logger))
	r.Use(MaxBodySize(64 << 10))
	r.Get("/healthz", h.Healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/leaks", h.CreateLeak)
		r.Get("/leaks/{name}", h.InspectLeak)
		r.Post("/flush", h.Flush)
		r.Get("/workers", h.ListWorkers)
	})
	return r
}

// CreateLeakRequest is the JSON body for POST /v1/leaks.
type CreateLeakRequest struct {
	Name string `json:"name"`
}

// WorkerView is one entry of GET /v1/workers.
type WorkerView struct {
	ID        string        `json:"id"`
	State     string        `json:"state"`
	Alive     bool          `json:"alive"`
	Processed int64         `json:"processed"`
	Pending   int           `json:"pending"`
	Retention RetentionView `json:"retention"`
}

// RetentionView is the JSON form of a worker's retained handle.
type RetentionView struct {
	Pinned    bool   `json:"pinned"`
	TaskID    uint64 `json:"task_id,omitempty"`
	Ownership string `json:"ownership,omitempty"`
	Stale     bool   `json:"stale"`
}

// CreateLeak handles POST /v1/leaks.
func (h *REST) CreateLeak(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("admin").Start(r.Context(), "admin.create_leak",
		trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	var req CreateLeakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validName.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "field 'name' must be 1-64 characters of [A-Za-z0-9._-]")
		return
	}
	span.SetAttributes(attribute.String("leak.name", req.Name))

	ctx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	rep, err := h.harness.CreateLeak(ctx, req.Name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create leak failed")
		h.logger.Error("create leak failed", slog.String("name", req.Name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create leak")
		return
	}
	writeJSON(w, http.StatusCreated, rep)
}

// InspectLeak handles GET /v1/leaks/{name}.
func (h *REST) InspectLeak(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	insp, err := h.harness.InspectNamed(name)
	if err != nil {
		var notFound *domain.LeakNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "leak not found")
			return
		}
		h.logger.Error("inspect failed", slog.String("name", name), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to inspect leak")
		return
	}
	writeJSON(w, http.StatusOK, insp)
}

// Flush handles POST /v1/flush.
func (h *REST) Flush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), waitTimeout)
	defer cancel()

	rep, err := h.harness.Flush(ctx)
	if err != nil {
		h.logger.Error("flush failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "flush did not complete")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// ListWorkers handles GET /v1/workers.
func (h *REST) ListWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := h.workers.List()
	out := make([]WorkerView, 0, len(workers))
	for _, wk := range workers {
		out = append(out, viewOf(wk))
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func viewOf(w *worker.Worker) WorkerView {
	r := w.Retention()
	v := WorkerView{
		ID:        w.ID(),
		State:     w.State().String(),
		Alive:     w.Alive(),
		Processed: w.Processed(),
		Pending:   w.Queue().Len(),
		Retention: RetentionView{Pinned: r.Pinned, Stale: r.Stale()},
	}
	if r.Pinned {
		v.Retention.TaskID = r.TaskID
		v.Retention.Ownership = r.Ownership.String()
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
