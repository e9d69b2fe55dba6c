package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"kcopilot/backend/internal/corpus"
)

var ErrMissingRequired = errors.New("missing required configuration")

// maxProviderBatch is the largest request Gemini batchEmbedContents accepts.
const maxProviderBatch = 100

type Config struct {
	DBHost         string `envconfig:"DB_HOST" default:"postgres"`
	DBPort         int    `envconfig:"DB_PORT" default:"5432"`
	DBUser         string `envconfig:"DB_USER" default:"kcopilot"`
	DBPass         string `envconfig:"DB_PASS" default:"password"`
	DBName         string `envconfig:"DB_NAME" default:"kcopilot"`
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MigrationPath  string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI        bool `envconfig:"ENABLE_API" default:"true"`
	EnableSyncWorker bool `envconfig:"ENABLE_SYNC_WORKER" default:"true"`

	// Server
	ServerPort       int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath     string `envconfig:"QUERY_LOG_PATH" default:"data/logs/query.log"`
	MaxUploadSizeMB  int64  `envconfig:"MAX_UPLOAD_SIZE_MB" default:"10"`
	GitHubWebhookKey string `envconfig:"GITHUB_WEBHOOK_SECRET"`

	// Chunking
	ChunkMaxTokens     int `envconfig:"CHUNK_MAX_TOKENS" default:"1000"`
	ChunkOverlapTokens int `envconfig:"CHUNK_OVERLAP_TOKENS" default:"100"`

	// Embedding
	GeminiAPIKey        string        `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel      string        `envconfig:"EMBEDDING_MODEL" default:"text-embedding-004"`
	EmbeddingDimensions int           `envconfig:"EMBEDDING_DIMENSIONS" default:"768"`
	EmbedBatchSize      int           `envconfig:"EMBED_BATCH_SIZE" default:"10"`
	EmbedConcurrency    int           `envconfig:"EMBED_CONCURRENCY" default:"4"`
	EmbedMaxAttempts    int           `envconfig:"EMBED_MAX_ATTEMPTS" default:"5"`
	EmbedBaseDelay      time.Duration `envconfig:"EMBED_BASE_DELAY" default:"500ms"`
	EmbedMaxDelay       time.Duration `envconfig:"EMBED_MAX_DELAY" default:"30s"`
	EmbedRateLimit      float64       `envconfig:"EMBED_RATE_LIMIT" default:"10"`
	EmbedRateBurst      int           `envconfig:"EMBED_RATE_BURST" default:"5"`
	EmbedCallTimeout    time.Duration `envconfig:"EMBED_CALL_TIMEOUT" default:"60s"`

	// Retrieval
	SearchTopK                int           `envconfig:"SEARCH_TOP_K" default:"5"`
	SearchSimilarityThreshold float64       `envconfig:"SEARCH_SIMILARITY_THRESHOLD" default:"0"`
	SearchTimeout             time.Duration `envconfig:"SEARCH_TIMEOUT" default:"10s"`
	HNSWM                     int           `envconfig:"HNSW_M" default:"16"`
	HNSWEfConstruction        int           `envconfig:"HNSW_EF_CONSTRUCTION" default:"64"`
	HNSWEfSearch              int           `envconfig:"HNSW_EF_SEARCH" default:"40"`
	// relaxed_order keeps filtered searches from returning fewer than k rows;
	// rows may arrive slightly out of order and are re-ranked. Needs pgvector 0.8.
	HNSWIterativeScan string `envconfig:"HNSW_ITERATIVE_SCAN" default:"relaxed_order"`

	// Sync
	SyncConcurrency int           `envconfig:"SYNC_CONCURRENCY" default:"4"`
	SyncInterval    time.Duration `envconfig:"SYNC_INTERVAL" default:"0"`
	MaxFileMB       int64         `envconfig:"MAX_FILE_MB" default:"2"`

	GitHubToken  string   `envconfig:"GITHUB_TOKEN"`
	GitHubRepos  []string `envconfig:"GITHUB_REPOS"`
	GitHubBranch string   `envconfig:"GITHUB_BRANCH"`
	GitHubRate   float64  `envconfig:"GITHUB_RATE" default:"1.2"`

	GDriveFolderID          string `envconfig:"GDRIVE_FOLDER_ID"`
	GDriveCredentialsFile   string `envconfig:"GDRIVE_CREDENTIALS_FILE"`
	GDriveIncludeSubfolders bool   `envconfig:"GDRIVE_INCLUDE_SUBFOLDERS" default:"true"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../.env"))

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}

	if c.ChunkMaxTokens <= 0 {
		return fmt.Errorf("%w: CHUNK_MAX_TOKENS must be positive", corpus.ErrConfiguration)
	}
	if c.ChunkOverlapTokens < 0 || c.ChunkOverlapTokens >= c.ChunkMaxTokens {
		return fmt.Errorf("%w: CHUNK_OVERLAP_TOKENS must be in [0, CHUNK_MAX_TOKENS)", corpus.ErrConfiguration)
	}
	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSIONS must be positive", corpus.ErrConfiguration)
	}
	if c.EmbedBatchSize <= 0 || c.EmbedBatchSize > maxProviderBatch {
		return fmt.Errorf("%w: EMBED_BATCH_SIZE must be in [1, %d]", corpus.ErrConfiguration, maxProviderBatch)
	}
	if c.EmbedConcurrency <= 0 {
		return fmt.Errorf("%w: EMBED_CONCURRENCY must be positive", corpus.ErrConfiguration)
	}
	if c.EmbedMaxAttempts <= 0 {
		return fmt.Errorf("%w: EMBED_MAX_ATTEMPTS must be positive", corpus.ErrConfiguration)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("%w: SYNC_CONCURRENCY must be positive", corpus.ErrConfiguration)
	}
	if c.SearchTopK <= 0 {
		return fmt.Errorf("%w: SEARCH_TOP_K must be positive", corpus.ErrConfiguration)
	}
	if c.SearchSimilarityThreshold < 0 || c.SearchSimilarityThreshold > 1 {
		return fmt.Errorf("%w: SEARCH_SIMILARITY_THRESHOLD must be in [0, 1]", corpus.ErrConfiguration)
	}
	if c.HNSWM < 2 || c.HNSWEfConstruction < 2*c.HNSWM {
		return fmt.Errorf("%w: HNSW_EF_CONSTRUCTION must be at least twice HNSW_M", corpus.ErrConfiguration)
	}
	if c.HNSWEfSearch <= 0 {
		return fmt.Errorf("%w: HNSW_EF_SEARCH must be positive", corpus.ErrConfiguration)
	}
	switch c.HNSWIterativeScan {
	case "", "off", "strict_order", "relaxed_order":
	default:
		return fmt.Errorf("%w: HNSW_ITERATIVE_SCAN must be off, strict_order or relaxed_order", corpus.ErrConfiguration)
	}
	return nil
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName)
}
