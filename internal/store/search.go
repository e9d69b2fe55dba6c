package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"kcopilot/backend/internal/corpus"
)

// Neighbor is a chunk returned by a nearest-neighbour query together with
// its owning document. Distance is the cosine distance to the query vector.
type Neighbor struct {
	ChunkID  int64
	Distance float64
	Text     string
	Ordinal  int
	Metadata map[string]any
	Document corpus.Document
}

// NearestNeighbors returns up to k chunks closest to vec by cosine distance,
// restricted to documents matching f. Rows come back in index order;
// callers re-rank.
func (s *Store) NearestNeighbors(ctx context.Context, vec []float32, k int, f corpus.Filters) ([]Neighbor, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", corpus.ErrConfiguration)
	}
	if len(vec) != s.dims {
		return nil, fmt.Errorf("query vector: %w: got %d, want %d", ErrDimensionMismatch, len(vec), s.dims)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin search: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", max(s.efSearch, k))); err != nil {
		return nil, fmt.Errorf("set ef_search: %w", err)
	}
	if !f.Empty() && s.iterativeScan != "" && s.iterativeScan != "off" {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.iterative_scan = %s", s.iterativeScan)); err != nil {
			return nil, fmt.Errorf("set iterative_scan: %w", err)
		}
	}

	where, args := filterClause(f, []any{pgvector.NewVector(vec)})
	args = append(args, k)
	query := fmt.Sprintf(`SELECT c.id, c.embedding <=> $1 AS distance, c.text, c.ordinal, c.metadata, %s FROM chunks c JOIN documents d ON d.id = c.document_id%s ORDER BY c.embedding <=> $1 LIMIT $%d`,
		documentColumns, where, len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbours: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var (
			n      Neighbor
			meta   []byte
			source string
		)
		d := &n.Document
		if err := rows.Scan(&n.ChunkID, &n.Distance, &n.Text, &n.Ordinal, &meta,
			&d.ID, &source, &d.URI, &d.Title, &d.MIME, &d.ContentHash, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Source = corpus.SourceTag(source)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &n.Metadata); err != nil {
				return nil, fmt.Errorf("decode chunk %d metadata: %w", n.ChunkID, err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, tx.Commit()
}
