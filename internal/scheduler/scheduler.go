// Package scheduler publishes periodic sync requests.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/worker"
)

type Publisher interface {
	Publish(topic string, body []byte) error
}

type Scheduler struct {
	pub      Publisher
	interval time.Duration
	logger   *slog.Logger
}

func New(pub Publisher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{pub: pub, interval: interval, logger: logger}
}

// Run publishes a sync request every interval until ctx is done. A zero
// interval disables scheduling and Run returns at once.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.InfoContext(ctx, "scheduled sync disabled")
		return
	}
	s.logger.InfoContext(ctx, "scheduled sync enabled", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Trigger(); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish scheduled sync", "error", err)
			}
		}
	}
}

// Trigger publishes one scheduled sync request for every source.
func (s *Scheduler) Trigger() error {
	body, err := json.Marshal(worker.SyncRequestPayload{
		Trigger:       worker.TriggerSchedule,
		CorrelationID: uuid.New().String(),
	})
	if err != nil {
		return err
	}
	if err := s.pub.Publish(config.TopicSyncRequest, body); err != nil {
		return fmt.Errorf("publish %s: %w", config.TopicSyncRequest, err)
	}
	return nil
}
