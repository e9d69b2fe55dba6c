// Package retrieval answers natural-language queries with the stored chunks
// most similar to them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/settings"
	"kcopilot/backend/internal/store"
)

var (
	ErrSearchTimeout  = errors.New("search timed out")
	ErrEmptyQuery     = errors.New("query is empty")
	ErrInvalidOptions = errors.New("invalid search options")
)

type Result struct {
	ChunkID    int64                  `json:"chunkId"`
	DocumentID int64                  `json:"documentId"`
	Similarity float64                `json:"similarity"`
	Content    string                 `json:"content"`
	Ordinal    int                    `json:"ordinal"`
	Title      string                 `json:"title,omitempty"`
	URI        string                 `json:"uri"`
	Source     corpus.SourceTag       `json:"source"`
	MIME       string                 `json:"mime,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SearchOptions overrides the configured defaults. Nil fields keep them.
type SearchOptions struct {
	TopK                *int
	SimilarityThreshold *float64
	Filters             corpus.Filters
}

// Embedder turns texts into vectors; *embedding.Batcher satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type VectorStore interface {
	NearestNeighbors(ctx context.Context, vec []float32, k int, f corpus.Filters) ([]store.Neighbor, error)
}

// Defaults apply when neither the request nor the settings row provide a
// value.
type Defaults struct {
	TopK                int
	SimilarityThreshold float64
	Timeout             time.Duration
}

type Service struct {
	embedder Embedder
	store    VectorStore
	settings *settings.Service
	logger   *QueryLogger
	log      *slog.Logger
	defaults Defaults
}

type Option func(*Service)

// WithLogger sets the logger for operational warnings. Queries themselves
// go to the QueryLogger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(e Embedder, s VectorStore, set *settings.Service, l *QueryLogger, d Defaults, opts ...Option) *Service {
	svc := &Service{embedder: e, store: s, settings: set, logger: l, log: slog.Default(), defaults: d}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Search embeds query and returns up to TopK chunks whose similarity is at
// least the threshold, best first. Nothing clearing the threshold is an
// empty result, not an error. Exceeding the search timeout yields an error
// wrapping ErrSearchTimeout and never a partial result.
func (s *Service) Search(ctx context.Context, query string, opts *SearchOptions) ([]Result, error) {
	start := time.Now()
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	topK, threshold, filters := s.resolve(ctx, opts)
	entry := QueryLogEntry{Query: query, TopK: topK, Threshold: threshold, Filters: filters}

	results, err := s.search(ctx, query, topK, threshold, filters)

	if s.logger != nil {
		entry.NumResults = len(results)
		if len(results) > 0 {
			entry.TopSimilarity = results[0].Similarity
		}
		if err != nil {
			entry.Error = err.Error()
		}
		entry.Duration = time.Since(start)
		s.logger.LogContext(ctx, entry)
	}
	return results, err
}

func (s *Service) search(ctx context.Context, query string, topK int, threshold float64, filters corpus.Filters) ([]Result, error) {
	if err := validate(topK, threshold, filters); err != nil {
		return nil, err
	}

	if s.defaults.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaults.Timeout)
		defer cancel()
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, s.wrap(ctx, "embed query", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed query: expected one vector, got %d", len(vecs))
	}

	neighbors, err := s.store.NearestNeighbors(ctx, vecs[0], topK, filters)
	if err != nil {
		return nil, s.wrap(ctx, "nearest neighbours", err)
	}

	return Rank(neighbors, threshold, topK), nil
}

func (s *Service) resolve(ctx context.Context, opts *SearchOptions) (int, float64, corpus.Filters) {
	topK := s.defaults.TopK
	threshold := s.defaults.SimilarityThreshold

	if s.settings != nil {
		cfg, err := s.settings.Get(ctx)
		if err != nil {
			s.log.WarnContext(ctx, "settings unavailable, using configured search defaults", "error", err)
		} else {
			if cfg.SearchTopK > 0 {
				topK = cfg.SearchTopK
			}
			threshold = cfg.SimilarityThreshold
		}
	}

	var filters corpus.Filters
	if opts != nil {
		if opts.TopK != nil {
			topK = *opts.TopK
		}
		if opts.SimilarityThreshold != nil {
			threshold = *opts.SimilarityThreshold
		}
		filters = opts.Filters
	}
	return topK, threshold, filters
}

func validate(topK int, threshold float64, f corpus.Filters) error {
	if topK <= 0 {
		return fmt.Errorf("%w: top_k must be positive", ErrInvalidOptions)
	}
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [0,1]", ErrInvalidOptions)
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

func (s *Service) wrap(ctx context.Context, step string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrSearchTimeout, step, err)
	}
	return fmt.Errorf("%s: %w", step, err)
}

// Similarity converts a cosine distance into a score in [0,1].
func Similarity(distance float64) float64 {
	sim := 1 - distance
	if sim < 0 {
		return 0
	}
	if sim > 1 {
		return 1
	}
	return sim
}

// Rank scores neighbours, drops those below threshold and orders the rest
// by similarity descending, then chunk id ascending, keeping at most topK.
func Rank(neighbors []store.Neighbor, threshold float64, topK int) []Result {
	results := make([]Result, 0, len(neighbors))
	for _, n := range neighbors {
		sim := Similarity(n.Distance)
		if sim < threshold {
			continue
		}
		results = append(results, Result{
			ChunkID:    n.ChunkID,
			DocumentID: n.Document.ID,
			Similarity: sim,
			Content:    n.Text,
			Ordinal:    n.Ordinal,
			Title:      n.Document.Title,
			URI:        n.Document.URI,
			Source:     n.Document.Source,
			MIME:       n.Document.MIME,
			Metadata:   n.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results
}
