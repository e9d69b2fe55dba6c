package job

import (
	"encoding/json"
	"errors"
	"time"
)

const HandlerIngestDocument = "ingest.document"

var ErrNotFound = errors.New("job not found")

// Job is a document that failed to ingest. Payload holds the raw document so
// a retry can reprocess it from scratch.
type Job struct {
	ID        string          `json:"id"`
	Source    string          `json:"source"`
	URI       string          `json:"uri"`
	Handler   string          `json:"handler"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
	Retryable bool            `json:"retryable"`
	Retries   int             `json:"retries"`
	CreatedAt time.Time       `json:"created_at"`
}

// Filter narrows a listing. Zero values match everything.
type Filter struct {
	Source        string
	RetryableOnly bool
}
