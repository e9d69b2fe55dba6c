package worker

import "kcopilot/backend/internal/corpus"

// SyncRequestPayload is the body of sync.request messages. Empty Source
// means every configured connector.
type SyncRequestPayload struct {
	Source        corpus.SourceTag `json:"source,omitempty"`
	Repository    string           `json:"repository,omitempty"`
	FolderID      string           `json:"folder_id,omitempty"`
	Trigger       string           `json:"trigger"`
	CorrelationID string           `json:"correlation_id"`
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
	TriggerWebhook  = "webhook"
)

// IngestDocumentPayload is the body of ingest.document messages.
type IngestDocumentPayload struct {
	Document      corpus.RawDocument `json:"document"`
	Retries       int                `json:"retries,omitempty"`
	CorrelationID string             `json:"correlation_id"`
}
