package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/middleware"
)

// SyncConsumer runs one sync per sync.request message.
type SyncConsumer struct {
	syncer     Syncer
	touchEvery time.Duration
	timeout    time.Duration
}

func NewSyncConsumer(s Syncer) *SyncConsumer {
	return &SyncConsumer{
		syncer:     s,
		touchEvery: 30 * time.Second,
		timeout:    2 * time.Hour,
	}
}

func (h *SyncConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload SyncRequestPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	correlationID := payload.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	ctx := middleware.WithCorrelationID(context.Background(), correlationID)
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	// a sync outlives nsqd's message timeout
	stop := keepAlive(m, h.touchEvery)
	defer stop()

	req := ingest.SyncRequest{
		Scope: connector.Scope{
			Source:     payload.Source,
			Repository: payload.Repository,
			FolderID:   payload.FolderID,
		},
		Trigger: payload.Trigger,
	}

	summary, err := h.syncer.Sync(ctx, req)
	if err != nil && summary == nil {
		// bad scope or no connectors, retrying cannot help
		slog.ErrorContext(ctx, "sync rejected", "error", err, "source", payload.Source, "trigger", payload.Trigger)
		return nil
	}
	if err != nil {
		slog.WarnContext(ctx, "sync interrupted", "error", err, "run_id", summary.RunID)
		return nil
	}

	slog.InfoContext(ctx, "sync completed",
		"run_id", summary.RunID,
		"trigger", summary.Trigger,
		"stored", summary.Stored,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
	return nil
}

func keepAlive(m *nsq.Message, every time.Duration) func() {
	if m.Delegate == nil || every <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				m.Touch()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
