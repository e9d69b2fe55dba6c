// Package sync exposes on-demand and webhook-triggered syncs over HTTP.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"
	"github.com/google/uuid"

	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
	"kcopilot/backend/internal/worker"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Handler struct {
	pub            EventPublisher
	webhookSecret  []byte
	publishTimeout time.Duration
}

func NewHandler(pub EventPublisher, webhookSecret string) *Handler {
	return &Handler{pub: pub, webhookSecret: []byte(webhookSecret), publishTimeout: 5 * time.Second}
}

type Request struct {
	Source     corpus.SourceTag `json:"source,omitempty"`
	Repository string           `json:"repository,omitempty"`
	FolderID   string           `json:"folder_id,omitempty"`
}

// Trigger queues an on-demand sync. An empty body syncs every source.
func (h *Handler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	if req.Source != "" && !req.Source.Valid() {
		h.writeError(ctx, w, "VALIDATION_ERROR", "unknown source "+string(req.Source), http.StatusBadRequest)
		return
	}

	scope, err := connector.Scope{Source: req.Source, Repository: req.Repository, FolderID: req.FolderID}.Normalize()
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	h.enqueue(ctx, w, worker.SyncRequestPayload{
		Source:     scope.Source,
		Repository: scope.Repository,
		FolderID:   scope.FolderID,
		Trigger:    worker.TriggerManual,
	})
}

// GitHubWebhook queues a repository sync for every verified push event.
func (h *Handler) GitHubWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if len(h.webhookSecret) == 0 {
		h.writeError(ctx, w, "NOT_CONFIGURED", "webhook secret not configured", http.StatusServiceUnavailable)
		return
	}

	payload, err := gh.ValidatePayload(r, h.webhookSecret)
	if err != nil {
		slog.WarnContext(ctx, "rejected github webhook", "error", err)
		h.writeError(ctx, w, "UNAUTHORIZED", "invalid signature", http.StatusUnauthorized)
		return
	}

	event, err := gh.ParseWebHook(gh.WebHookType(r), payload)
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	switch e := event.(type) {
	case *gh.PushEvent:
		repo := e.GetRepo().GetFullName()
		if repo == "" {
			h.writeError(ctx, w, "VALIDATION_ERROR", "push event without repository", http.StatusBadRequest)
			return
		}
		slog.InfoContext(ctx, "github push received", "repository", repo, "ref", e.GetRef())
		h.enqueue(ctx, w, worker.SyncRequestPayload{
			Source:     corpus.SourceGitHub,
			Repository: repo,
			Trigger:    worker.TriggerWebhook,
		})
	case *gh.PingEvent:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) enqueue(ctx context.Context, w http.ResponseWriter, p worker.SyncRequestPayload) {
	p.CorrelationID = middleware.GetCorrelationID(ctx)
	if p.CorrelationID == "" {
		p.CorrelationID = uuid.New().String()
	}

	body, err := json.Marshal(p)
	if err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- h.pub.Publish(config.TopicSyncRequest, body)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(h.publishTimeout):
		err = errors.New("timeout waiting for NSQ publish")
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed to queue sync", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "failed to queue sync", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": p}); err != nil {
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
