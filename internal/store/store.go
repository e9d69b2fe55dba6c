// Package store persists documents and their embedded chunks in PostgreSQL
// with pgvector and answers nearest-neighbour queries over them.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"kcopilot/backend/internal/corpus"
)

const (
	DefaultDimensions     = 768
	DefaultHNSWM          = 16
	DefaultEfConstruction = 64
	DefaultEfSearch       = 40
)

type Store struct {
	db             *sql.DB
	dims           int
	m              int
	efConstruction int
	efSearch       int
	iterativeScan  string
	logger         *slog.Logger
}

type Option func(*Store)

func WithDimensions(n int) Option {
	return func(s *Store) { s.dims = n }
}

func WithHNSW(m, efConstruction, efSearch int) Option {
	return func(s *Store) {
		s.m = m
		s.efConstruction = efConstruction
		s.efSearch = efSearch
	}
}

// WithIterativeScan sets hnsw.iterative_scan for filtered queries
// (strict_order or relaxed_order, pgvector 0.8+).
func WithIterativeScan(mode string) Option {
	return func(s *Store) { s.iterativeScan = mode }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:             db,
		dims:           DefaultDimensions,
		m:              DefaultHNSWM,
		efConstruction: DefaultEfConstruction,
		efSearch:       DefaultEfSearch,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Dimensions() int { return s.dims }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InsertDocument inserts doc inside tx and sets its ID and CreatedAt. A
// document whose content hash is already stored yields a *ConflictError.
func (s *Store) InsertDocument(ctx context.Context, tx *sql.Tx, doc *corpus.Document) (int64, error) {
	query := `INSERT INTO documents (source, uri, title, mime, content_hash) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	err := tx.QueryRowContext(ctx, query, string(doc.Source), doc.URI, doc.Title, doc.MIME, doc.ContentHash).
		Scan(&doc.ID, &doc.CreatedAt)
	if err != nil {
		if isHashConflict(err) {
			return 0, &ConflictError{Hash: doc.ContentHash, Err: err}
		}
		return 0, fmt.Errorf("insert document: %w", err)
	}
	return doc.ID, nil
}

func (s *Store) InsertChunks(ctx context.Context, tx *sql.Tx, docID int64, chunks []corpus.Chunk) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (document_id, ordinal, text, embedding, metadata) VALUES ($1, $2, $3, $4, $5)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		if len(c.Embedding) != s.dims {
			return fmt.Errorf("chunk %d: %w: got %d, want %d", c.Ordinal, ErrDimensionMismatch, len(c.Embedding), s.dims)
		}
		meta, err := encodeMetadata(c.Metadata)
		if err != nil {
			return fmt.Errorf("chunk %d: %w", c.Ordinal, err)
		}
		if _, err := stmt.ExecContext(ctx, docID, c.Ordinal, c.Text, pgvector.NewVector(c.Embedding), meta); err != nil {
			if isDimensionError(err) {
				return fmt.Errorf("insert chunk %d: %w: %w", c.Ordinal, ErrDimensionMismatch, err)
			}
			return fmt.Errorf("insert chunk %d: %w", c.Ordinal, err)
		}
	}
	return nil
}

// IngestDocument writes a document and all of its chunks in one
// transaction. Nothing is committed unless every chunk is written.
func (s *Store) IngestDocument(ctx context.Context, doc *corpus.Document, chunks []corpus.Chunk) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", corpus.ErrStoreTransaction, err)
	}
	defer tx.Rollback()

	id, err := s.InsertDocument(ctx, tx, doc)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", corpus.ErrStoreTransaction, err)
	}

	if err := s.InsertChunks(ctx, tx, id, chunks); err != nil {
		return 0, fmt.Errorf("%w: %w", corpus.ErrStoreTransaction, err)
	}

	if err := tx.Commit(); err != nil {
		if isHashConflict(err) {
			return 0, &ConflictError{Hash: doc.ContentHash, Err: err}
		}
		return 0, fmt.Errorf("%w: commit: %w", corpus.ErrStoreTransaction, err)
	}

	s.logger.DebugContext(ctx, "document stored", "document_id", id, "chunks", len(chunks))
	return id, nil
}

func (s *Store) ExistsByHash(ctx context.Context, hash string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM documents WHERE content_hash = $1)`
	if err := s.db.QueryRowContext(ctx, query, hash).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

const documentColumns = `d.id, d.source, d.uri, d.title, d.mime, d.content_hash, d.created_at`

func (s *Store) GetDocument(ctx context.Context, id int64) (*corpus.Document, error) {
	query := `SELECT ` + documentColumns + `, (SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id) FROM documents d WHERE d.id = $1`
	doc := &corpus.Document{}
	var source string
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&doc.ID, &source, &doc.URI, &doc.Title, &doc.MIME, &doc.ContentHash, &doc.CreatedAt, &doc.ChunkCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %d: %w", id, corpus.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.Source = corpus.SourceTag(source)
	return doc, nil
}

// ListDocuments returns documents matching f, newest first.
func (s *Store) ListDocuments(ctx context.Context, f corpus.Filters, limit, offset int) ([]corpus.Document, error) {
	where, args := filterClause(f, nil)
	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s, (SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id) FROM documents d%s ORDER BY d.created_at DESC, d.id DESC LIMIT $%d OFFSET $%d`,
		documentColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := []corpus.Document{}
	for rows.Next() {
		var d corpus.Document
		var source string
		if err := rows.Scan(&d.ID, &source, &d.URI, &d.Title, &d.MIME, &d.ContentHash, &d.CreatedAt, &d.ChunkCount); err != nil {
			return nil, err
		}
		d.Source = corpus.SourceTag(source)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document; its chunks go with it.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("document %d: %w", id, corpus.ErrNotFound)
	}
	return nil
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountBySource returns the number of documents per source tag. Sources
// without documents are absent.
func (s *Store) CountBySource(ctx context.Context) (map[corpus.SourceTag]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, COUNT(*) FROM documents GROUP BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[corpus.SourceTag]int)
	for rows.Next() {
		var (
			src string
			n   int
		)
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		counts[corpus.SourceTag(src)] = n
	}
	return counts, rows.Err()
}

func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// filterClause appends the filter values to args and returns a WHERE clause
// referencing them, or "" for empty filters.
func filterClause(f corpus.Filters, args []any) (string, []any) {
	var clauses []string
	if len(f.Sources) > 0 {
		sources := make([]string, len(f.Sources))
		for i, src := range f.Sources {
			sources[i] = string(src)
		}
		args = append(args, pq.Array(sources))
		clauses = append(clauses, fmt.Sprintf("d.source = ANY($%d)", len(args)))
	}
	if len(f.MIMETypes) > 0 {
		args = append(args, pq.Array(f.MIMETypes))
		clauses = append(clauses, fmt.Sprintf("d.mime = ANY($%d)", len(args)))
	}
	if f.URIPrefix != "" {
		args = append(args, escapeLike(f.URIPrefix)+"%")
		clauses = append(clauses, fmt.Sprintf("d.uri LIKE $%d", len(args)))
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func encodeMetadata(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
