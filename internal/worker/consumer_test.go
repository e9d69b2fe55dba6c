package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/middleware"
	"kcopilot/backend/internal/worker"
)

func message(t *testing.T, v any) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(v)
	assert.NoError(t, err)
	return &nsq.Message{Body: body}
}

func TestSyncConsumer_HandleMessage(t *testing.T) {
	s := new(MockSyncer)
	consumer := worker.NewSyncConsumer(s)

	want := ingest.SyncRequest{
		Scope:   connector.Scope{Source: corpus.SourceGitHub, Repository: "acme/docs"},
		Trigger: worker.TriggerWebhook,
	}
	s.On("Sync", mock.MatchedBy(func(ctx context.Context) bool {
		return middleware.GetCorrelationID(ctx) == "corr-1"
	}), want).Return(&ingest.Summary{RunID: "r1", Stored: 2}, nil)

	err := consumer.HandleMessage(message(t, worker.SyncRequestPayload{
		Source:        corpus.SourceGitHub,
		Repository:    "acme/docs",
		Trigger:       worker.TriggerWebhook,
		CorrelationID: "corr-1",
	}))

	assert.NoError(t, err)
	s.AssertExpectations(t)
}

func TestSyncConsumer_RejectedSyncIsNotRequeued(t *testing.T) {
	s := new(MockSyncer)
	consumer := worker.NewSyncConsumer(s)
	s.On("Sync", mock.Anything, mock.Anything).Return(nil, errors.New("no connector configured for source \"gdrive\""))

	err := consumer.HandleMessage(message(t, worker.SyncRequestPayload{Source: corpus.SourceGDrive, Trigger: worker.TriggerManual}))
	assert.NoError(t, err)
	s.AssertExpectations(t)
}

func TestSyncConsumer_PoisonPill(t *testing.T) {
	s := new(MockSyncer)
	consumer := worker.NewSyncConsumer(s)

	assert.NoError(t, consumer.HandleMessage(&nsq.Message{Body: []byte("invalid json")}))
	assert.NoError(t, consumer.HandleMessage(&nsq.Message{}))
	s.AssertNotCalled(t, "Sync", mock.Anything, mock.Anything)
}

func TestDocumentConsumer_HandleMessage(t *testing.T) {
	i := new(MockIngester)
	consumer := worker.NewDocumentConsumer(i)

	doc := corpus.RawDocument{Source: corpus.SourceUpload, URI: "upload://a.md", MIME: "text/markdown", Content: []byte("# A")}
	i.On("Reingest", mock.Anything, doc, 2).Return(ingest.Outcome{URI: doc.URI, State: ingest.StateFailedRetryable})

	err := consumer.HandleMessage(message(t, worker.IngestDocumentPayload{Document: doc, Retries: 2, CorrelationID: "c"}))

	assert.NoError(t, err)
	i.AssertExpectations(t)
}

func TestDocumentConsumer_PoisonPill(t *testing.T) {
	i := new(MockIngester)
	consumer := worker.NewDocumentConsumer(i)

	assert.NoError(t, consumer.HandleMessage(&nsq.Message{Body: []byte("{")}))
	i.AssertNotCalled(t, "Reingest", mock.Anything, mock.Anything, mock.Anything)
}
