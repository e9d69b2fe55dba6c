package ingest

import (
	"time"

	"kcopilot/backend/internal/connector"
)

// State is where a document ended up in the pipeline:
//
//	pending -> hashed -> skipped_duplicate
//	                  -> skipped_empty
//	                  -> chunked -> embedded -> stored
//	any step          -> failed_retryable | failed_fatal
type State string

const (
	StatePending          State = "pending"
	StateHashed           State = "hashed"
	StateChunked          State = "chunked"
	StateEmbedded         State = "embedded"
	StateStored           State = "stored"
	StateSkippedDuplicate State = "skipped_duplicate"
	StateSkippedEmpty     State = "skipped_empty"
	StateFailedRetryable  State = "failed_retryable"
	StateFailedFatal      State = "failed_fatal"
)

func (s State) Skipped() bool {
	return s == StateSkippedDuplicate || s == StateSkippedEmpty
}

func (s State) Failed() bool {
	return s == StateFailedRetryable || s == StateFailedFatal
}

type Outcome struct {
	URI         string
	State       State
	ContentHash string
	DocumentID  int64
	Chunks      int
	Err         error
}

type SyncRequest struct {
	Scope   connector.Scope
	Trigger string
	// RunID is generated when empty.
	RunID string
}

type Summary struct {
	RunID           string        `json:"run_id"`
	Trigger         string        `json:"trigger,omitempty"`
	Stored          int           `json:"stored"`
	Skipped         int           `json:"skipped"`
	Failed          int           `json:"failed"`
	FailedRetryable int           `json:"failed_retryable"`
	FailedFatal     int           `json:"failed_fatal"`
	FetchErrors     int           `json:"fetch_errors"`
	Cancelled       bool          `json:"cancelled"`
	Duration        time.Duration `json:"duration"`
}

func (s *Summary) add(o Outcome) {
	switch {
	case o.State == StateStored:
		s.Stored++
	case o.State.Skipped():
		s.Skipped++
	case o.State == StateFailedRetryable:
		s.Failed++
		s.FailedRetryable++
	case o.State == StateFailedFatal:
		s.Failed++
		s.FailedFatal++
	}
}
