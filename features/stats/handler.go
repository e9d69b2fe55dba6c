package stats

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
)

type CorpusStore interface {
	CountDocuments(ctx context.Context) (int, error)
	CountChunks(ctx context.Context) (int, error)
	CountBySource(ctx context.Context) (map[corpus.SourceTag]int, error)
}

type JobCounter interface {
	Count(ctx context.Context) (int, error)
}

type Handler struct {
	store CorpusStore
	jobs  JobCounter
}

func NewHandler(s CorpusStore, j JobCounter) *Handler {
	return &Handler{store: s, jobs: j}
}

type StatsResponse struct {
	Documents  int                      `json:"documents"`
	Chunks     int                      `json:"chunks"`
	FailedJobs int                      `json:"failed_jobs"`
	Sources    map[corpus.SourceTag]int `json:"sources"`
}

// Collect gathers the corpus counters. On failure the returned message
// names the counter that could not be read.
func (h *Handler) Collect(ctx context.Context) (*StatsResponse, string, error) {
	var (
		resp StatsResponse
		err  error
	)
	if resp.Documents, err = h.store.CountDocuments(ctx); err != nil {
		return nil, "failed to count documents", err
	}
	if resp.Chunks, err = h.store.CountChunks(ctx); err != nil {
		return nil, "failed to count chunks", err
	}
	if resp.Sources, err = h.store.CountBySource(ctx); err != nil {
		return nil, "failed to count sources", err
	}
	if resp.FailedJobs, err = h.jobs.Count(ctx); err != nil {
		return nil, "failed to count jobs", err
	}
	if resp.Sources == nil {
		resp.Sources = map[corpus.SourceTag]int{}
	}
	return &resp, "", nil
}

func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp, msg, err := h.Collect(ctx)
	if err != nil {
		slog.ErrorContext(ctx, msg, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", msg, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": resp}); err != nil {
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
