package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"kcopilot/backend/internal/middleware"
)

func TestContextHandler_Handle(t *testing.T) {
	var buf bytes.Buffer
	jsonHandler := slog.NewJSONHandler(&buf, nil)
	h := NewContextHandler(jsonHandler)
	logger := slog.New(h)

	ctx := context.Background()
	ctx = middleware.WithCorrelationID(ctx, "test-correlation-id")

	logger.InfoContext(ctx, "test message")

	var logMap map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logMap); err != nil {
		t.Fatalf("failed to unmarshal log: %v", err)
	}

	if logMap["correlation_id"] != "test-correlation-id" {
		t.Errorf("expected correlation_id 'test-correlation-id', got %v", logMap["correlation_id"])
	}
	if _, ok := logMap["sync_run_id"]; ok {
		t.Errorf("sync_run_id should be absent, got %v", logMap["sync_run_id"])
	}
}

func TestContextHandler_SyncRunSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, slog.LevelInfo).With("component", "ingest")

	ctx := middleware.WithSyncRunID(context.Background(), "run-42")
	logger.InfoContext(ctx, "document stored")

	var logMap map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logMap); err != nil {
		t.Fatalf("failed to unmarshal log: %v", err)
	}

	if logMap["sync_run_id"] != "run-42" {
		t.Errorf("expected sync_run_id 'run-42', got %v", logMap["sync_run_id"])
	}
	if logMap["component"] != "ingest" {
		t.Errorf("expected component 'ingest', got %v", logMap["component"])
	}
}
