package worker

import (
	"context"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
)

type Syncer interface {
	Sync(ctx context.Context, req ingest.SyncRequest) (*ingest.Summary, error)
}

type DocumentIngester interface {
	Reingest(ctx context.Context, raw corpus.RawDocument, retries int) ingest.Outcome
}
