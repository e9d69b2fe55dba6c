package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"kcopilot/backend/features/document"
	"kcopilot/backend/features/job"
	"kcopilot/backend/features/mcp"
	"kcopilot/backend/features/search"
	"kcopilot/backend/features/stats"
	syncapi "kcopilot/backend/features/sync"
	"kcopilot/backend/internal/adapter/gemini"
	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/connector/gdrive"
	"kcopilot/backend/internal/connector/github"
	"kcopilot/backend/internal/dedup"
	"kcopilot/backend/internal/embedding"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/middleware"
	"kcopilot/backend/internal/retrieval"
	"kcopilot/backend/internal/scheduler"
	"kcopilot/backend/internal/settings"
	"kcopilot/backend/internal/store"
	"kcopilot/backend/internal/text"
	"kcopilot/backend/internal/worker"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Options replaces production collaborators, mostly in tests.
type Options struct {
	// Provider overrides the Gemini embedding provider.
	Provider embedding.Provider
	// Connectors are registered after the configured ones and win on a
	// source tag clash.
	Connectors []connector.Connector
}

type App struct {
	Handler          http.Handler
	Orchestrator     *ingest.Orchestrator
	Retrieval        *retrieval.Service
	Jobs             *job.Service
	SyncConsumer     *worker.SyncConsumer
	DocumentConsumer *worker.DocumentConsumer
	Scheduler        *scheduler.Scheduler

	port    int
	closers []func() error
}

func New(
	ctx context.Context,
	cfg *config.Config,
	db *sql.DB,
	vecStore *store.Store,
	pub Publisher,
	logger *slog.Logger,
	opts *Options,
) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	a := &App{port: cfg.ServerPort}

	// Feature: Settings
	settingsService := settings.NewService(settings.NewPostgresRepo(db))
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db)
	a.Jobs = job.NewService(jobRepo, pub, logger)
	jobHandler := job.NewHandler(a.Jobs)

	// Embedding
	provider := opts.Provider
	if provider == nil {
		dyn := gemini.NewDynamicProvider(settingsService, cfg.GeminiAPIKey, cfg.EmbeddingModel)
		a.closers = append(a.closers, dyn.Close)
		provider = dyn
	}
	batcher, err := newIngestBatcher(provider, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("embedding batcher: %w", err)
	}

	chunker, err := text.NewChunker(cfg.ChunkMaxTokens, cfg.ChunkOverlapTokens)
	if err != nil {
		return nil, fmt.Errorf("chunker: %w", err)
	}

	// Connectors
	registry, err := newRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	for _, c := range opts.Connectors {
		registry.Register(c)
	}

	// Ingestion
	a.Orchestrator = ingest.New(dedup.New(vecStore), chunker, batcher, vecStore,
		ingest.WithLogger(logger),
		ingest.WithFailureRecorder(a.Jobs),
		ingest.WithConnectors(registry),
		ingest.WithConcurrency(cfg.SyncConcurrency),
	)
	a.SyncConsumer = worker.NewSyncConsumer(a.Orchestrator)
	a.DocumentConsumer = worker.NewDocumentConsumer(a.Orchestrator)
	a.Scheduler = scheduler.New(pub, cfg.SyncInterval, logger)

	// Feature: Retrieval
	queryLogger, err := retrieval.NewFileQueryLogger(cfg.QueryLogPath)
	if err != nil {
		logger.Warn("failed to create query logger, falling back to stdout", "error", err)
		queryLogger = retrieval.NewQueryLogger(os.Stdout)
	}
	a.closers = append(a.closers, queryLogger.Close)
	queryEmbedder, err := newQueryBatcher(provider, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("query embedding batcher: %w", err)
	}
	a.Retrieval = retrieval.NewService(queryEmbedder, vecStore, settingsService, queryLogger, retrieval.Defaults{
		TopK:                cfg.SearchTopK,
		SimilarityThreshold: cfg.SearchSimilarityThreshold,
		Timeout:             cfg.SearchTimeout,
	}, retrieval.WithLogger(logger))

	// Features: Documents, Search, Stats, Sync, MCP
	documentService := document.NewService(vecStore, a.Orchestrator)
	documentHandler := document.NewHandler(documentService, cfg.MaxUploadSizeMB<<20)
	searchHandler := search.NewHandler(a.Retrieval)
	statsHandler := stats.NewHandler(vecStore, jobRepo)
	syncHandler := syncapi.NewHandler(pub, cfg.GitHubWebhookKey)
	mcpHandler := mcp.NewHandler(a.Retrieval, documentService)

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /documents", middleware.CorrelationID(middleware.CORS(documentHandler.Upload)))
	mux.Handle("POST /index", middleware.CorrelationID(middleware.CORS(documentHandler.Index)))
	mux.Handle("POST /batch-index", middleware.CorrelationID(middleware.CORS(documentHandler.BatchIndex)))
	mux.Handle("GET /documents", middleware.CorrelationID(middleware.CORS(documentHandler.List)))
	mux.Handle("GET /documents/{id}", middleware.CorrelationID(middleware.CORS(documentHandler.Get)))
	mux.Handle("DELETE /documents/{id}", middleware.CorrelationID(middleware.CORS(documentHandler.Delete)))

	mux.Handle("POST /search", middleware.CorrelationID(middleware.CORS(searchHandler.Search)))

	mux.Handle("POST /sync", middleware.CorrelationID(middleware.CORS(syncHandler.Trigger)))
	mux.Handle("POST /webhook/github", middleware.CorrelationID(http.HandlerFunc(syncHandler.GitHubWebhook)))

	mux.Handle("GET /settings", middleware.CorrelationID(middleware.CORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(middleware.CORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(middleware.CORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(middleware.CORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(middleware.CORS(statsHandler.GetStats)))

	mux.Handle("POST /mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", middleware.CorrelationID(middleware.CORS(mcpHandler.HandleSSE)))
	mux.Handle("POST /mcp/messages", middleware.CorrelationID(middleware.CORS(mcpHandler.HandleMessage)))

	mux.HandleFunc("GET /health", health(vecStore))

	a.Handler = mux
	return a, nil
}

func newIngestBatcher(p embedding.Provider, cfg *config.Config, logger *slog.Logger) (*embedding.Batcher, error) {
	return embedding.NewBatcher(p, embedding.Config{
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: cfg.EmbedConcurrency,
		Dimensions:  cfg.EmbeddingDimensions,
		Retry: embedding.RetryPolicy{
			MaxAttempts: cfg.EmbedMaxAttempts,
			BaseDelay:   cfg.EmbedBaseDelay,
			MaxDelay:    cfg.EmbedMaxDelay,
		},
		RateLimit:   cfg.EmbedRateLimit,
		RateBurst:   cfg.EmbedRateBurst,
		CallTimeout: cfg.EmbedCallTimeout,
	}, embedding.WithLogger(logger))
}

// newQueryBatcher embeds search queries. It has no rate limiter of its own
// so a query never waits behind ingestion batches; search latency is
// bounded by the search timeout and the database pool.
func newQueryBatcher(p embedding.Provider, cfg *config.Config, logger *slog.Logger) (*embedding.Batcher, error) {
	return embedding.NewBatcher(p, embedding.Config{
		BatchSize:   1,
		Concurrency: 1,
		Dimensions:  cfg.EmbeddingDimensions,
		Retry: embedding.RetryPolicy{
			MaxAttempts: cfg.EmbedMaxAttempts,
			BaseDelay:   cfg.EmbedBaseDelay,
			MaxDelay:    cfg.EmbedMaxDelay,
		},
		CallTimeout: cfg.EmbedCallTimeout,
	}, embedding.WithLogger(logger))
}

// newRegistry registers GitHub when repositories or a token are configured
// and Drive when a folder is.
func newRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*connector.Registry, error) {
	registry := connector.NewRegistry()

	if len(cfg.GitHubRepos) > 0 || cfg.GitHubToken != "" {
		gh, err := github.New(ctx, github.Config{
			Token:             cfg.GitHubToken,
			Repositories:      cfg.GitHubRepos,
			Branch:            cfg.GitHubBranch,
			MaxFileBytes:      cfg.MaxFileMB << 20,
			RequestsPerSecond: cfg.GitHubRate,
		}, github.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("github connector: %w", err)
		}
		registry.Register(gh)
	}

	if cfg.GDriveFolderID != "" {
		drive, err := gdrive.New(ctx, gdrive.Config{
			FolderID:          cfg.GDriveFolderID,
			CredentialsFile:   cfg.GDriveCredentialsFile,
			IncludeSubfolders: cfg.GDriveIncludeSubfolders,
			MaxFileBytes:      cfg.MaxFileMB << 20,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("gdrive connector: %w", err)
		}
		registry.Register(drive)
	}

	logger.Info("connectors configured", "sources", registry.Sources())
	return registry, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func health(p pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		if err := p.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "health check failed", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(map[string]string{"status": status}); err != nil {
			slog.Error("failed to encode health response", "error", err)
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
