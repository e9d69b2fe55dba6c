package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/text"
)

// MaxBatchDocuments caps a single batch-index request.
const MaxBatchDocuments = 100

var ErrInvalidDocument = errors.New("invalid document")

// IndexRequest is a document submitted as JSON text rather than a file.
type IndexRequest struct {
	Content  string           `json:"content"`
	Title    string           `json:"title,omitempty"`
	Source   corpus.SourceTag `json:"source,omitempty"`
	URI      string           `json:"uri,omitempty"`
	MIME     string           `json:"mime,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// toRaw applies defaults: upload source, text/plain and a generated
// upload:// URI.
func (r IndexRequest) toRaw() (corpus.RawDocument, error) {
	if strings.TrimSpace(r.Content) == "" {
		return corpus.RawDocument{}, fmt.Errorf("%w: content is required", ErrInvalidDocument)
	}
	src := r.Source
	if src == "" {
		src = corpus.SourceUpload
	}
	if !src.Valid() {
		return corpus.RawDocument{}, fmt.Errorf("%w: unknown source %q", ErrInvalidDocument, src)
	}
	mimeType := r.MIME
	if mimeType == "" {
		mimeType = text.MIMEPlain
	}
	uri := strings.TrimSpace(r.URI)
	if uri == "" {
		uri = "upload://" + uuid.NewString()
	}
	return corpus.RawDocument{
		Source:   src,
		URI:      uri,
		Title:    r.Title,
		MIME:     mimeType,
		Content:  []byte(r.Content),
		Metadata: r.Metadata,
	}, nil
}

// Index ingests one JSON document.
func (s *Service) Index(ctx context.Context, req IndexRequest) (ingest.Outcome, error) {
	raw, err := req.toRaw()
	if err != nil {
		return ingest.Outcome{}, err
	}
	return s.ingester.IngestDocument(ctx, raw), nil
}

// IndexBatch ingests every document in order and returns one outcome per
// request. An invalid entry fails only itself; its outcome is failed_fatal.
func (s *Service) IndexBatch(ctx context.Context, reqs []IndexRequest) ([]ingest.Outcome, error) {
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: batch is empty", ErrInvalidDocument)
	}
	if len(reqs) > MaxBatchDocuments {
		return nil, fmt.Errorf("%w: batch of %d exceeds %d documents", ErrInvalidDocument, len(reqs), MaxBatchDocuments)
	}

	out := make([]ingest.Outcome, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return out[:i], err
		}
		raw, err := req.toRaw()
		if err != nil {
			out[i] = ingest.Outcome{URI: req.URI, State: ingest.StateFailedFatal, Err: err}
			continue
		}
		out[i] = s.ingester.IngestDocument(ctx, raw)
	}
	return out, nil
}
