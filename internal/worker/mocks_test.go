package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
)

type MockSyncer struct{ mock.Mock }

func (m *MockSyncer) Sync(ctx context.Context, req ingest.SyncRequest) (*ingest.Summary, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ingest.Summary), args.Error(1)
}

type MockIngester struct{ mock.Mock }

func (m *MockIngester) Reingest(ctx context.Context, raw corpus.RawDocument, retries int) ingest.Outcome {
	args := m.Called(ctx, raw, retries)
	return args.Get(0).(ingest.Outcome)
}
