package job

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
)

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// List serves GET /jobs/failed. Optional query parameters: source and
// retryable=true.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var f Filter
	q := r.URL.Query()
	if src := q.Get("source"); src != "" {
		if !corpus.SourceTag(src).Valid() {
			h.writeError(ctx, w, "VALIDATION_ERROR", "unknown source "+strconv.Quote(src), http.StatusBadRequest)
			return
		}
		f.Source = src
	}
	if v := q.Get("retryable"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.writeError(ctx, w, "VALIDATION_ERROR", "retryable must be a boolean", http.StatusBadRequest)
			return
		}
		f.RetryableOnly = b
	}

	jobs, err := h.service.List(ctx, f)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list jobs", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": jobs,
		"meta": map[string]int{"count": len(jobs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

// Retry serves POST /jobs/{id}/retry.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if _, err := uuid.Parse(id); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", "job id must be a UUID", http.StatusBadRequest)
		return
	}

	if err := h.service.Retry(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Job not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to retry job", "id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"id": id, "status": "requeued"}}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
