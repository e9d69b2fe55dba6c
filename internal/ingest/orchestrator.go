// Package ingest drives raw documents through hashing, normalization,
// chunking, embedding and storage, and runs whole-source syncs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"kcopilot/backend/internal/connector"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/dedup"
	"kcopilot/backend/internal/embedding"
	"kcopilot/backend/internal/store"
	"kcopilot/backend/internal/text"
)

var ErrInvalidDocument = errors.New("invalid document")

type Deduplicator interface {
	ShouldIngest(ctx context.Context, hash string) (bool, error)
}

// Embedder is satisfied by *embedding.Batcher.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type DocumentStore interface {
	IngestDocument(ctx context.Context, doc *corpus.Document, chunks []corpus.Chunk) (int64, error)
}

// FailureRecorder keeps failed documents for a later retry.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, doc corpus.RawDocument, cause error, retryable bool, retries int) error
}

type Orchestrator struct {
	dedup       Deduplicator
	chunker     *text.Chunker
	embedder    Embedder
	store       DocumentStore
	failures    FailureRecorder
	connectors  *connector.Registry
	concurrency int
	logger      *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithFailureRecorder(r FailureRecorder) Option {
	return func(o *Orchestrator) { o.failures = r }
}

func WithConnectors(r *connector.Registry) Option {
	return func(o *Orchestrator) { o.connectors = r }
}

// WithConcurrency sets how many documents a sync processes at once.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) { o.concurrency = n }
}

func New(d Deduplicator, c *text.Chunker, e Embedder, s DocumentStore, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		dedup:       d,
		chunker:     c,
		embedder:    e,
		store:       s,
		concurrency: 1,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.concurrency < 1 {
		o.concurrency = 1
	}
	return o
}

// IngestDocument runs one document through the pipeline. Failures are
// reported in the outcome, never returned, and recorded for retry.
func (o *Orchestrator) IngestDocument(ctx context.Context, raw corpus.RawDocument) Outcome {
	return o.Reingest(ctx, raw, 0)
}

// Reingest is IngestDocument for a document that already failed retries
// times.
func (o *Orchestrator) Reingest(ctx context.Context, raw corpus.RawDocument, retries int) Outcome {
	out := o.process(ctx, raw)

	logger := o.logger.With("uri", raw.URI, "state", out.State)
	switch {
	case out.State.Failed():
		logger.WarnContext(ctx, "document failed", "error", out.Err)
		o.recordFailure(ctx, raw, out, retries)
	case out.State == StateStored:
		logger.InfoContext(ctx, "document stored", "document_id", out.DocumentID, "chunks", out.Chunks)
	default:
		logger.DebugContext(ctx, "document skipped")
	}
	return out
}

func (o *Orchestrator) process(ctx context.Context, raw corpus.RawDocument) Outcome {
	out := Outcome{URI: raw.URI, State: StatePending}

	if err := validate(raw); err != nil {
		return out.fail(err, false)
	}

	out.ContentHash = dedup.Fingerprint(raw.Content)
	out.State = StateHashed

	fresh, err := o.dedup.ShouldIngest(ctx, out.ContentHash)
	if err != nil {
		return out.fail(err, true)
	}
	if !fresh {
		out.State = StateSkippedDuplicate
		out.Err = corpus.ErrDuplicateContent
		return out
	}

	normalized, err := text.Normalize(raw.Content, raw.MIME)
	if err != nil {
		return out.fail(fmt.Errorf("normalize: %w", err), false)
	}

	candidates := o.chunker.Split(normalized)
	if len(candidates) == 0 {
		out.State = StateSkippedEmpty
		return out
	}
	out.State = StateChunked

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}
	vectors, err := o.embedder.Embed(ctx, texts)
	if err != nil {
		return out.fail(fmt.Errorf("embed: %w", err), !errors.Is(err, embedding.ErrFatalProvider))
	}
	out.State = StateEmbedded

	doc := &corpus.Document{
		Source:      raw.Source,
		URI:         raw.URI,
		Title:       title(raw),
		MIME:        text.BaseMIME(raw.MIME),
		ContentHash: out.ContentHash,
	}
	chunks := make([]corpus.Chunk, len(candidates))
	for i, c := range candidates {
		chunks[i] = corpus.Chunk{
			Ordinal:   c.Ordinal,
			Text:      c.Text,
			Embedding: vectors[i],
			Metadata:  chunkMetadata(raw.Metadata, c),
		}
	}

	id, err := o.store.IngestDocument(ctx, doc, chunks)
	if err != nil {
		if errors.Is(err, corpus.ErrDuplicateContent) {
			out.State = StateSkippedDuplicate
			out.Err = err
			return out
		}
		// a schema that rejects the configured dimension fails every retry too
		return out.fail(err, !errors.Is(err, store.ErrDimensionMismatch))
	}

	out.State = StateStored
	out.DocumentID = id
	out.Chunks = len(chunks)
	return out
}

func (o Outcome) fail(err error, retryable bool) Outcome {
	o.Err = err
	if retryable {
		o.State = StateFailedRetryable
	} else {
		o.State = StateFailedFatal
	}
	return o
}

func (o *Orchestrator) recordFailure(ctx context.Context, raw corpus.RawDocument, out Outcome, retries int) {
	if o.failures == nil {
		return
	}
	// the document's own context may already be cancelled
	if err := o.failures.RecordFailure(context.WithoutCancel(ctx), raw, out.Err, out.State == StateFailedRetryable, retries); err != nil {
		o.logger.ErrorContext(ctx, "failed to record failed document", "uri", raw.URI, "error", err)
	}
}

func validate(raw corpus.RawDocument) error {
	if !raw.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidDocument, raw.Source)
	}
	if strings.TrimSpace(raw.URI) == "" {
		return fmt.Errorf("%w: missing uri", ErrInvalidDocument)
	}
	return nil
}

func title(raw corpus.RawDocument) string {
	if raw.Title != "" {
		return raw.Title
	}
	return path.Base(raw.URI)
}

func chunkMetadata(base map[string]any, c text.Candidate) map[string]any {
	m := make(map[string]any, len(base)+5)
	for k, v := range base {
		m[k] = v
	}
	m["ordinal"] = c.Ordinal
	m["start"] = c.Start
	m["end"] = c.End
	m["overlap"] = c.Overlap
	m["tokens"] = c.Tokens
	return m
}
