package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"

	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/store"
)

type Dependencies struct {
	DB          *sql.DB
	Store       *store.Store
	NSQProducer *nsq.Producer
}

func (d *Dependencies) Close() {
	if d.NSQProducer != nil {
		d.NSQProducer.Stop()
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

type DimensionChecker interface {
	CheckDimensions(ctx context.Context) error
}

// CheckSchema fails fast when EMBEDDING_DIMENSIONS disagrees with the
// migrated vector column.
func CheckSchema(ctx context.Context, s DimensionChecker) error {
	if err := s.CheckDimensions(ctx); err != nil {
		if errors.Is(err, store.ErrDimensionMismatch) {
			return fmt.Errorf("%w: EMBEDDING_DIMENSIONS: %w", corpus.ErrConfiguration, err)
		}
		return fmt.Errorf("check schema: %w", err)
	}
	return nil
}

// IndexEnsurer creates the vector index if it is missing.
type IndexEnsurer interface {
	EnsureIndex(ctx context.Context) error
}

func Bootstrap(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if cfg.DBMaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	}

	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	if err := retry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "ping db", db.PingContext); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	// Migrations
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(cfg.MigrationPath, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		db.Close()
		return nil, fmt.Errorf("migration up error: %w", err)
	}

	vecStore := store.NewStore(db,
		store.WithDimensions(cfg.EmbeddingDimensions),
		store.WithHNSW(cfg.HNSWM, cfg.HNSWEfConstruction, cfg.HNSWEfSearch),
		store.WithIterativeScan(cfg.HNSWIterativeScan),
		store.WithLogger(logger),
	)
	if err := CheckSchema(ctx, vecStore); err != nil {
		db.Close()
		return nil, err
	}
	if err := EnsureIndexWithRetry(ctx, vecStore, cfg.BootstrapRetryAttempts, retryDelay); err != nil {
		db.Close()
		return nil, fmt.Errorf("vector index error: %w", err)
	}

	// NSQ Producer
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	producer.SetLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn), nsq.LogLevelWarning)

	createTopics(ctx, cfg.NSQDHTTP)

	return &Dependencies{
		DB:          db,
		Store:       vecStore,
		NSQProducer: producer,
	}, nil
}

// createTopics pre-creates every topic so consumers that discover nsqd
// through lookupd do not fail before the first publish.
func createTopics(ctx context.Context, nsqdHTTP string) {
	client := &http.Client{Timeout: 5 * time.Second}
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			slog.Warn("failed to build NSQ topic request", "topic", topic, "error", err)
			return
		}
		resp, err := client.Do(req) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	for _, topic := range config.Topics {
		create(topic)
	}
}

func EnsureIndexWithRetry(ctx context.Context, s IndexEnsurer, attempts int, delay time.Duration) error {
	return retry(ctx, attempts, delay, "ensure vector index", s.EnsureIndex)
}

func retry(ctx context.Context, attempts int, delay time.Duration, what string, op func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("bootstrap step failed, retrying...", "step", what, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
