package app_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"kcopilot/backend/internal/app"
	"kcopilot/backend/internal/config"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/store"
)

type statefulEnsurer struct {
	callCount int
	failUntil int
}

func (m *statefulEnsurer) EnsureIndex(ctx context.Context) error {
	m.callCount++
	if m.callCount <= m.failUntil {
		return errors.New("index error")
	}
	return nil
}

type dimensionChecker struct{ err error }

func (d dimensionChecker) CheckDimensions(context.Context) error { return d.err }

func TestCheckSchema(t *testing.T) {
	assert.NoError(t, app.CheckSchema(context.Background(), dimensionChecker{}))

	mismatch := fmt.Errorf("%w: column is vector(768), configured 1536", store.ErrDimensionMismatch)
	err := app.CheckSchema(context.Background(), dimensionChecker{err: mismatch})
	assert.ErrorIs(t, err, corpus.ErrConfiguration)
	assert.ErrorIs(t, err, store.ErrDimensionMismatch)

	err = app.CheckSchema(context.Background(), dimensionChecker{err: errors.New("catalog unavailable")})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, corpus.ErrConfiguration)
}

func TestEnsureIndexWithRetry_Success(t *testing.T) {
	m := &statefulEnsurer{}
	assert.NoError(t, app.EnsureIndexWithRetry(context.Background(), m, 1, time.Millisecond))
	assert.Equal(t, 1, m.callCount)
}

func TestEnsureIndexWithRetry_Retries(t *testing.T) {
	m := &statefulEnsurer{failUntil: 2}
	assert.NoError(t, app.EnsureIndexWithRetry(context.Background(), m, 5, time.Millisecond))
	assert.Equal(t, 3, m.callCount)
}

func TestEnsureIndexWithRetry_Fail(t *testing.T) {
	m := &statefulEnsurer{failUntil: 10}
	assert.Error(t, app.EnsureIndexWithRetry(context.Background(), m, 3, time.Millisecond))
	assert.Equal(t, 3, m.callCount)
}

func TestEnsureIndexWithRetry_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := &statefulEnsurer{failUntil: 10}
	assert.ErrorIs(t, app.EnsureIndexWithRetry(ctx, m, 3, time.Hour), context.Canceled)
}

func TestBootstrap_DBDown(t *testing.T) {
	cfg := &config.Config{
		DBHost:                     "localhost",
		DBPort:                     54322,
		DBUser:                     "test",
		DBPass:                     "test",
		DBName:                     "test",
		BootstrapRetryAttempts:     1,
		BootstrapRetryDelaySeconds: 0,
	}

	start := time.Now()
	deps, err := app.Bootstrap(context.Background(), cfg, slog.Default())

	assert.Error(t, err)
	assert.Nil(t, deps)
	assert.Contains(t, err.Error(), "failed to ping db")
	assert.Less(t, time.Since(start), 2*time.Second)
}
