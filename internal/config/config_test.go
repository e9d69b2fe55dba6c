package config_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "test-host", cfg.DBHost)
	assert.Equal(t, 1000, cfg.ChunkMaxTokens)
	assert.Equal(t, 100, cfg.ChunkOverlapTokens)
	assert.Equal(t, 768, cfg.EmbeddingDimensions)
	assert.Equal(t, 16, cfg.HNSWM)
	assert.Equal(t, 64, cfg.HNSWEfConstruction)
	assert.Equal(t, "relaxed_order", cfg.HNSWIterativeScan)
	assert.Equal(t, 10*time.Second, cfg.SearchTimeout)
}

func TestLoadConfig_FromEnvFile(t *testing.T) {
	content := []byte("DB_HOST=loaded-from-file")
	if err := os.WriteFile(".env", content, 0o644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove(".env")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "loaded-from-file", cfg.DBHost)
}

func TestLoadConfig_Sync(t *testing.T) {
	t.Setenv("GITHUB_REPOS", "acme/docs,acme/api")
	t.Setenv("SYNC_INTERVAL", "15m")
	t.Setenv("SYNC_CONCURRENCY", "8")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"acme/docs", "acme/api"}, cfg.GitHubRepos)
	assert.Equal(t, 15*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 8, cfg.SyncConcurrency)
}

func TestLoadConfig_RejectsOverlapAboveMax(t *testing.T) {
	t.Setenv("CHUNK_MAX_TOKENS", "100")
	t.Setenv("CHUNK_OVERLAP_TOKENS", "100")

	cfg, err := config.Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestDSN(t *testing.T) {
	cfg := &config.Config{DBHost: "db", DBPort: 5432, DBUser: "u", DBPass: "p", DBName: "n"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=n sslmode=disable", cfg.DSN())
}
