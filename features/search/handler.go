package search

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
	"kcopilot/backend/internal/retrieval"
)

type Searcher interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error)
}

type Handler struct {
	searcher Searcher
}

func NewHandler(s Searcher) *Handler {
	return &Handler{searcher: s}
}

type Request struct {
	Query               string         `json:"query"`
	TopK                *int           `json:"top_k,omitempty"`
	SimilarityThreshold *float64       `json:"similarity_threshold,omitempty"`
	Filters             corpus.Filters `json:"filters"`
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	results, err := h.searcher.Search(ctx, req.Query, &retrieval.SearchOptions{
		TopK:                req.TopK,
		SimilarityThreshold: req.SimilarityThreshold,
		Filters:             req.Filters,
	})
	if err != nil {
		switch {
		case errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, retrieval.ErrInvalidOptions):
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		case errors.Is(err, retrieval.ErrSearchTimeout):
			h.writeError(ctx, w, "TIMEOUT", err.Error(), http.StatusGatewayTimeout)
		default:
			slog.ErrorContext(ctx, "search failed", "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Search failed", http.StatusInternalServerError)
		}
		return
	}

	if results == nil {
		results = []retrieval.Result{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
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
