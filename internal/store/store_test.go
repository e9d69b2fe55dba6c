package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/store"
)

const insertDocumentSQL = "INSERT INTO documents (source, uri, title, mime, content_hash) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at"

func newMockStore(t *testing.T, opts ...store.Option) (*store.Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	opts = append([]store.Option{store.WithDimensions(3)}, opts...)
	return store.NewStore(db, opts...), mock
}

func testDocument() *corpus.Document {
	return &corpus.Document{
		Source:      corpus.SourceGitHub,
		URI:         "github://acme/docs@main/README.md",
		Title:       "README.md",
		MIME:        "text/markdown",
		ContentHash: "abc123",
	}
}

func testChunks() []corpus.Chunk {
	return []corpus.Chunk{
		{Ordinal: 0, Text: "first", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"start": 0}},
		{Ordinal: 1, Text: "second", Embedding: []float32{0, 1, 0}},
	}
}

func TestStore_IngestDocument(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		s, mock := newMockStore(t)
		created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertDocumentSQL)).
			WithArgs("github", "github://acme/docs@main/README.md", "README.md", "text/markdown", "abc123").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, created))
		stmt := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks (document_id, ordinal, text, embedding, metadata)"))
		stmt.ExpectExec().
			WithArgs(int64(7), 0, "first", sqlmock.AnyArg(), `{"start":0}`).
			WillReturnResult(sqlmock.NewResult(1, 1))
		stmt.ExpectExec().
			WithArgs(int64(7), 1, "second", sqlmock.AnyArg(), "{}").
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectCommit()

		doc := testDocument()
		id, err := s.IngestDocument(context.Background(), doc, testChunks())
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
		assert.Equal(t, int64(7), doc.ID)
		assert.Equal(t, created, doc.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateContent", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertDocumentSQL)).
			WillReturnError(&pq.Error{Code: "23505", Constraint: "documents_content_hash_key"})
		mock.ExpectRollback()

		_, err := s.IngestDocument(context.Background(), testDocument(), testChunks())
		require.Error(t, err)
		assert.ErrorIs(t, err, corpus.ErrDuplicateContent)
		assert.NotErrorIs(t, err, corpus.ErrStoreTransaction)

		var conflict *store.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "abc123", conflict.Hash)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ChunkFailureRollsBack", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertDocumentSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
		stmt := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
		stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
		stmt.ExpectExec().WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		_, err := s.IngestDocument(context.Background(), testDocument(), testChunks())
		require.Error(t, err)
		assert.ErrorIs(t, err, corpus.ErrStoreTransaction)
		assert.Contains(t, err.Error(), "disk full")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DimensionMismatchRollsBack", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertDocumentSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
		mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
		mock.ExpectRollback()

		chunks := []corpus.Chunk{{Ordinal: 0, Text: "x", Embedding: []float32{1, 2}}}
		_, err := s.IngestDocument(context.Background(), testDocument(), chunks)
		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrDimensionMismatch)
		assert.ErrorIs(t, err, corpus.ErrStoreTransaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ColumnRejectsDimension", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(insertDocumentSQL)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, time.Now()))
		stmt := mock.ExpectPrepare(regexp.QuoteMeta("INSERT INTO chunks"))
		stmt.ExpectExec().WillReturnError(&pq.Error{Code: "22000", Message: "expected 768 dimensions, not 3"})
		mock.ExpectRollback()

		_, err := s.IngestDocument(context.Background(), testDocument(), testChunks())
		assert.ErrorIs(t, err, store.ErrDimensionMismatch)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BeginFailure", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		_, err := s.IngestDocument(context.Background(), testDocument(), testChunks())
		assert.ErrorIs(t, err, corpus.ErrStoreTransaction)
	})
}

func TestStore_ExistsByHash(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM documents WHERE content_hash = $1)")).
		WithArgs("abc123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.ExistsByHash(context.Background(), "abc123")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStore_GetDocument(t *testing.T) {
	cols := []string{"id", "source", "uri", "title", "mime", "content_hash", "created_at", "count"}

	t.Run("Found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM documents d WHERE d.id = $1")).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(cols).AddRow(3, "gdrive", "gdrive://files/f1", "Plan", "text/plain", "h", time.Now(), 4))

		doc, err := s.GetDocument(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, corpus.SourceGDrive, doc.Source)
		assert.Equal(t, 4, doc.ChunkCount)
	})

	t.Run("NotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM documents d WHERE d.id = $1")).
			WithArgs(int64(3)).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := s.GetDocument(context.Background(), 3)
		assert.ErrorIs(t, err, corpus.ErrNotFound)
	})
}

func TestStore_ListDocuments(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "source", "uri", "title", "mime", "content_hash", "created_at", "count"}

	mock.ExpectQuery(regexp.QuoteMeta("FROM documents d WHERE d.source = ANY($1) AND d.uri LIKE $2 ORDER BY d.created_at DESC, d.id DESC LIMIT $3 OFFSET $4")).
		WithArgs(sqlmock.AnyArg(), `github://acme/my\_repo@main/%`, 20, 40).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(2, "github", "github://acme/my_repo@main/b.md", "b.md", "text/markdown", "h2", time.Now(), 1).
			AddRow(1, "github", "github://acme/my_repo@main/a.md", "a.md", "text/markdown", "h1", time.Now(), 2))

	docs, err := s.ListDocuments(context.Background(), corpus.Filters{
		Sources:   []corpus.SourceTag{corpus.SourceGitHub},
		URIPrefix: "github://acme/my_repo@main/",
	}, 20, 40)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(2), docs[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListDocuments_Empty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM documents d ORDER BY")).
		WithArgs(10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	docs, err := s.ListDocuments(context.Background(), corpus.Filters{}, 10, 0)
	require.NoError(t, err)
	assert.NotNil(t, docs)
	assert.Empty(t, docs)
}

func TestStore_DeleteDocument(t *testing.T) {
	t.Run("Deleted", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1")).
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, s.DeleteDocument(context.Background(), 5))
	})

	t.Run("NotFound", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM documents WHERE id = $1")).
			WithArgs(int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, s.DeleteDocument(context.Background(), 5), corpus.ErrNotFound)
	})
}

func TestStore_Counts(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM documents")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM chunks")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(90))

	docs, err := s.CountDocuments(context.Background())
	require.NoError(t, err)
	chunks, err := s.CountChunks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 12, docs)
	assert.Equal(t, 90, chunks)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT source, COUNT(*) FROM documents GROUP BY source")).
		WillReturnRows(sqlmock.NewRows([]string{"source", "count"}).AddRow("github", 9).AddRow("upload", 3))

	bySource, err := s.CountBySource(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[corpus.SourceTag]int{corpus.SourceGitHub: 9, corpus.SourceUpload: 3}, bySource)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EnsureIndex(t *testing.T) {
	s, mock := newMockStore(t, store.WithHNSW(24, 100, 80))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS chunks_embedding_hnsw_idx ON chunks USING hnsw (embedding vector_cosine_ops) WITH (m = 24, ef_construction = 100)")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, s.EnsureIndex(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CheckDimensions(t *testing.T) {
	const columnSQL = "SELECT format_type(atttypid, atttypmod) FROM pg_attribute WHERE attrelid = 'chunks'::regclass AND attname = 'embedding'"

	tests := []struct {
		name    string
		typ     string
		wantErr error
		anyErr  bool
	}{
		{name: "Match", typ: "vector(3)"},
		{name: "Mismatch", typ: "vector(768)", wantErr: store.ErrDimensionMismatch},
		{name: "NotAVector", typ: "bytea", anyErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery(regexp.QuoteMeta(columnSQL)).
				WillReturnRows(sqlmock.NewRows([]string{"format_type"}).AddRow(tt.typ))

			err := s.CheckDimensions(context.Background())
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
