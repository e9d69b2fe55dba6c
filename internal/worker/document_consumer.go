package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"kcopilot/backend/internal/middleware"
)

// DocumentConsumer ingests the single document carried by an
// ingest.document message.
type DocumentConsumer struct {
	ingester DocumentIngester
}

func NewDocumentConsumer(i DocumentIngester) *DocumentConsumer {
	return &DocumentConsumer{ingester: i}
}

func (h *DocumentConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload IngestDocumentPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}

	// A failure is recorded as a new failed job by the ingester, so the
	// message is never requeued.
	out := h.ingester.Reingest(ctx, payload.Document, payload.Retries)
	slog.InfoContext(ctx, "document processed",
		"uri", out.URI,
		"state", out.State,
		"retries", payload.Retries,
		"document_id", out.DocumentID)
	return nil
}
