package notifications

import (
	"net/http"
	"strconv"

	"github.com/andreasco/concierge/internal/pkg/ctxlog"
	"github.com/andreasco/concierge/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const maxFailuresLimit = 100

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidLimit, Status: http.StatusBadRequest},
	{Error: ErrQueueUnavailable, Status: http.StatusServiceUnavailable, Message: "notification queue unavailable"},
	{Error: ErrEntryNotFound, Status: http.StatusNotFound, Message: "queue entry not found"},
	{Error: ErrNotRetryable, Status: http.StatusConflict, Message: "only failed or dead entries can be retried"},
}

// Handler handles HTTP requests for the dispatch worker.
type Handler struct {
	worker    *Worker
	repo      Repository
	validator *validator.Validate
}

// NewHandler creates a new dispatch handler.
func NewHandler(worker *Worker, repo Repository) *Handler {
	return &Handler{
		worker:    worker,
		repo:      repo,
		validator: validator.New(),
	}
}

// RegisterRoutes registers dispatch routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/dispatch", func(r chi.Router) {
		r.MethodNotAllowed(methodNotAllowed)
		r.Post("/drain", h.Drain)
		r.Get("/queue", h.GetQueueStats)
		r.Get("/queue/{id}", h.GetEntry)
		r.Get("/queue/{id}/failures", h.ListFailures)
		r.Post("/queue/{id}/retry", h.RetryEntry)
	})
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	httputil.Error(w, http.StatusMethodNotAllowed, "method not allowed")
}

// Drain handles POST /dispatch/drain.
func (h *Handler) Drain(w http.ResponseWriter, r *http.Request) {
	limit := h.worker.Config().BatchSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	result, err := h.worker.DrainBatch(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// GetQueueStats handles GET /dispatch/queue.
func (h *Handler) GetQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.GetQueueStats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetEntry handles GET /dispatch/queue/{id}.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}

	entry, err := h.repo.GetEntry(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

// ListFailures handles GET /dispatch/queue/{id}/failures.
func (h *Handler) ListFailures(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}

	limit := maxFailuresLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxFailuresLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	if _, err := h.repo.GetEntry(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	failures, err := h.repo.ListFailures(r.Context(), id, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}
	if failures == nil {
		failures = []FailureRecord{}
	}

	httputil.Success(w, http.StatusOK, failures)
}

// RetryEntry handles POST /dispatch/queue/{id}/retry.
func (h *Handler) RetryEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}

	if err := h.repo.RetryEntry(r.Context(), id); err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("queue entry requeued manually",
		"queue_id", id,
		"subject", httputil.GetSubject(r.Context()),
	)
	h.worker.Wake()

	entry, err := h.repo.GetEntry(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, entry)
}

func (h *Handler) entryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if err := h.validator.Var(id, "required,uuid"); err != nil {
		httputil.Error(w, http.StatusBadRequest, "id must be a valid UUID")
		return "", false
	}
	return id, true
}
