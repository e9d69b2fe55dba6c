package settings

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"kcopilot/backend/internal/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// View hides the API key; clients only learn whether one is stored.
type View struct {
	GeminiAPIKeySet     bool    `json:"gemini_api_key_set"`
	SearchTopK          int     `json:"search_top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

func viewOf(s *Settings) View {
	return View{
		GeminiAPIKeySet:     s.GeminiAPIKey != "",
		SearchTopK:          s.SearchTopK,
		SimilarityThreshold: s.SimilarityThreshold,
	}
}

func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.svc.Get(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to load settings", http.StatusInternalServerError)
		return
	}
	h.writeView(ctx, w, s)
}

// UpdateSettings applies a partial update and answers with the new view.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var p Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	s, err := h.svc.Apply(ctx, p)
	if err != nil {
		if errors.Is(err, ErrInvalidSettings) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		slog.ErrorContext(ctx, "failed to update settings", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to update settings", http.StatusInternalServerError)
		return
	}
	slog.InfoContext(ctx, "settings updated", "search_top_k", s.SearchTopK, "similarity_threshold", s.SimilarityThreshold)
	h.writeView(ctx, w, s)
}

func (h *Handler) writeView(ctx context.Context, w http.ResponseWriter, s *Settings) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": viewOf(s)}); err != nil {
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
