package retrieval

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/middleware"
)

// QueryLogEntry is one line of the JSONL query log.
type QueryLogEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	Query         string         `json:"query"`
	TopK          int            `json:"top_k"`
	Threshold     float64        `json:"similarity_threshold"`
	Filters       corpus.Filters `json:"filters"`
	NumResults    int            `json:"num_results"`
	TopSimilarity float64        `json:"top_similarity,omitempty"`
	Duration      time.Duration  `json:"-"`
	LatencyMs     int64          `json:"latency_ms"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

type QueryLogger struct {
	mu     sync.Mutex
	enc    *json.Encoder
	closer io.Closer
}

func NewQueryLogger(w io.Writer) *QueryLogger {
	return &QueryLogger{enc: json.NewEncoder(w)}
}

// NewFileQueryLogger appends to path, creating its directory, and mirrors
// every entry to stdout.
func NewFileQueryLogger(path string) (*QueryLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304 -- path is from application config, not user input
	if err != nil {
		return nil, err
	}
	l := NewQueryLogger(io.MultiWriter(os.Stdout, f))
	l.closer = f
	return l, nil
}

// LogContext records entry with the request's correlation id.
func (l *QueryLogger) LogContext(ctx context.Context, entry QueryLogEntry) {
	if entry.CorrelationID == "" {
		entry.CorrelationID = middleware.GetCorrelationID(ctx)
	}
	l.Log(entry)
}

func (l *QueryLogger) Log(entry QueryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.LatencyMs = entry.Duration.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(entry); err != nil {
		slog.Error("failed to write query log entry", "error", err)
	}
}

func (l *QueryLogger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
