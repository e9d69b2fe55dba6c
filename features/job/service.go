package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
	"kcopilot/backend/internal/worker"
)

const defaultPublishTimeout = 5 * time.Second

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo           Repository
	pub            EventPublisher
	logger         *slog.Logger
	publishTimeout time.Duration
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, pub: pub, logger: logger, publishTimeout: defaultPublishTimeout}
}

func (s *Service) List(ctx context.Context, f Filter) ([]Job, error) {
	return s.repo.List(ctx, f)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

// RecordFailure stores a document that could not be ingested.
func (s *Service) RecordFailure(ctx context.Context, doc corpus.RawDocument, cause error, retryable bool, retries int) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode failed document: %w", err)
	}
	j := &Job{
		Source:    string(doc.Source),
		URI:       doc.URI,
		Handler:   HandlerIngestDocument,
		Payload:   payload,
		Error:     cause.Error(),
		Retryable: retryable,
		Retries:   retries,
	}
	if err := s.repo.Save(ctx, j); err != nil {
		return fmt.Errorf("save failed job: %w", err)
	}
	s.logger.InfoContext(ctx, "recorded failed document", "job_id", j.ID, "uri", doc.URI, "retryable", retryable)
	return nil
}

// Retry re-queues the whole document on ingest.document and removes the
// job. A document that fails again is recorded as a new job.
func (s *Service) Retry(ctx context.Context, id string) error {
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var doc corpus.RawDocument
	if err := json.Unmarshal(job.Payload, &doc); err != nil {
		return fmt.Errorf("decode job payload: %w", err)
	}

	body, err := json.Marshal(worker.IngestDocumentPayload{
		Document:      doc,
		Retries:       job.Retries + 1,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode retry message: %w", err)
	}

	if err := s.publish(ctx, config.TopicIngestDocument, body); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "requeued failed document", "job_id", id, "uri", doc.URI, "retries", job.Retries+1)

	return s.repo.Delete(ctx, id)
}

func (s *Service) publish(ctx context.Context, topic string, body []byte) error {
	if s.pub == nil {
		return errors.New("no publisher configured")
	}

	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(topic, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.publishTimeout):
		s.logger.ErrorContext(ctx, "nsq publish timed out", "topic", topic)
		return errors.New("timeout waiting for NSQ publish")
	}
}
