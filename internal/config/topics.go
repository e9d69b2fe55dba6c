package config

const (
	// TopicSyncRequest carries scheduled, manual and webhook sync triggers.
	TopicSyncRequest = "sync.request"

	// TopicIngestDocument carries a single raw document, used when a failed
	// document is retried.
	TopicIngestDocument = "ingest.document"
)

// Topics lists every topic pre-created on nsqd at startup.
var Topics = []string{TopicSyncRequest, TopicIngestDocument}
