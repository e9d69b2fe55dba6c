package store_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/store"
)

var neighborCols = []string{"id", "distance", "text", "ordinal", "metadata",
	"id", "source", "uri", "title", "mime", "content_hash", "created_at"}

func TestStore_NearestNeighbors(t *testing.T) {
	t.Run("Unfiltered", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("SET LOCAL hnsw.ef_search = 40")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("JOIN documents d ON d.id = c.document_id ORDER BY c.embedding <=> $1 LIMIT $2")).
			WithArgs(sqlmock.AnyArg(), 5).
			WillReturnRows(sqlmock.NewRows(neighborCols).
				AddRow(11, 0.1, "alpha", 0, []byte(`{"path":"a.md"}`), 1, "github", "github://acme/docs@main/a.md", "a.md", "text/markdown", "h1", time.Now()).
				AddRow(12, 0.3, "beta", 1, []byte(`{}`), 1, "github", "github://acme/docs@main/a.md", "a.md", "text/markdown", "h1", time.Now()))
		mock.ExpectCommit()

		got, err := s.NearestNeighbors(context.Background(), []float32{1, 0, 0}, 5, corpus.Filters{})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, int64(11), got[0].ChunkID)
		assert.InDelta(t, 0.1, got[0].Distance, 1e-9)
		assert.Equal(t, "a.md", got[0].Metadata["path"])
		assert.Equal(t, corpus.SourceGitHub, got[0].Document.Source)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FilteredWithIterativeScan", func(t *testing.T) {
		s, mock := newMockStore(t, store.WithIterativeScan("strict_order"))

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("SET LOCAL hnsw.ef_search = 100")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(regexp.QuoteMeta("SET LOCAL hnsw.iterative_scan = strict_order")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("WHERE d.source = ANY($2) AND d.mime = ANY($3) AND d.uri LIKE $4 ORDER BY c.embedding <=> $1 LIMIT $5")).
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), `gdrive://files/50\%%`, 100).
			WillReturnRows(sqlmock.NewRows(neighborCols))
		mock.ExpectCommit()

		got, err := s.NearestNeighbors(context.Background(), []float32{0, 1, 0}, 100, corpus.Filters{
			Sources:   []corpus.SourceTag{corpus.SourceGDrive},
			MIMETypes: []string{"text/plain"},
			URIPrefix: "gdrive://files/50%",
		})
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("QueryFailure", func(t *testing.T) {
		s, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("SET LOCAL hnsw.ef_search")).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT c.id")).WillReturnError(errors.New("connection lost"))
		mock.ExpectRollback()

		_, err := s.NearestNeighbors(context.Background(), []float32{0, 0, 1}, 3, corpus.Filters{})
		assert.ErrorContains(t, err, "connection lost")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("WrongDimensions", func(t *testing.T) {
		s, _ := newMockStore(t)
		_, err := s.NearestNeighbors(context.Background(), []float32{1, 2}, 3, corpus.Filters{})
		assert.ErrorIs(t, err, store.ErrDimensionMismatch)
	})

	t.Run("NonPositiveK", func(t *testing.T) {
		s, _ := newMockStore(t)
		_, err := s.NearestNeighbors(context.Background(), []float32{1, 2, 3}, 0, corpus.Filters{})
		assert.ErrorIs(t, err, corpus.ErrConfiguration)
	})
}
