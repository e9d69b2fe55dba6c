package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const IndexName = "chunks_embedding_hnsw_idx"

// EnsureIndex creates the HNSW cosine index on chunk embeddings if it does
// not exist yet. Changing m or ef_construction later requires dropping the
// index first.
func (s *Store) EnsureIndex(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON chunks USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
		IndexName, s.m, s.efConstruction)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure hnsw index: %w", err)
	}
	s.logger.InfoContext(ctx, "hnsw index ready", "index", IndexName, "m", s.m, "ef_construction", s.efConstruction)
	return nil
}

// ColumnDimensions reads the declared dimension of chunks.embedding from the
// catalog, e.g. 768 for vector(768).
func (s *Store) ColumnDimensions(ctx context.Context) (int, error) {
	var typ string
	err := s.db.QueryRowContext(ctx, `SELECT format_type(atttypid, atttypmod) FROM pg_attribute WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'`).Scan(&typ)
	if err != nil {
		return 0, fmt.Errorf("read embedding column type: %w", err)
	}
	inner, ok := strings.CutPrefix(typ, "vector(")
	if !ok || !strings.HasSuffix(inner, ")") {
		return 0, fmt.Errorf("embedding column has unexpected type %q", typ)
	}
	n, err := strconv.Atoi(strings.TrimSuffix(inner, ")"))
	if err != nil {
		return 0, fmt.Errorf("embedding column has unexpected type %q", typ)
	}
	return n, nil
}

// CheckDimensions fails with ErrDimensionMismatch unless the embedding
// column holds vectors of the configured dimension.
func (s *Store) CheckDimensions(ctx context.Context) error {
	n, err := s.ColumnDimensions(ctx)
	if err != nil {
		return err
	}
	if n != s.dims {
		return fmt.Errorf("%w: column is vector(%d), configured %d", ErrDimensionMismatch, n, s.dims)
	}
	return nil
}
