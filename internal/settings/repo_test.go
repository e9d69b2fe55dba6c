package settings_test

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/settings"
)

const selectSettings = "SELECT id, gemini_api_key, search_top_k, similarity_threshold FROM settings WHERE id = 1"

func TestPostgresRepo_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := settings.NewPostgresRepo(db)

	t.Run("StoredRow", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(selectSettings)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "gemini_api_key", "search_top_k", "similarity_threshold"}).
				AddRow(1, "key1", 8, 0.35))

		s, err := repo.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, &settings.Settings{ID: 1, GeminiAPIKey: "key1", SearchTopK: 8, SimilarityThreshold: 0.35}, s)
	})

	t.Run("MissingRowFallsBackToDefaults", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(selectSettings)).WillReturnError(sql.ErrNoRows)

		s, err := repo.Get(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, s.SearchTopK)
		assert.Zero(t, s.SimilarityThreshold)
		assert.Empty(t, s.GeminiAPIKey)
		assert.NoError(t, s.Validate())
	})

	t.Run("QueryError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(selectSettings)).WillReturnError(sqlmock.ErrCancelled)

		s, err := repo.Get(context.Background())
		assert.ErrorIs(t, err, sqlmock.ErrCancelled)
		assert.Nil(t, s)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_Update_Upserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO settings \(id, gemini_api_key, search_top_k, similarity_threshold, updated_at\)\s+VALUES \(1, \$1, \$2, \$3, NOW\(\)\)\s+ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("k2", 20, 0.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = settings.NewPostgresRepo(db).Update(context.Background(), &settings.Settings{
		GeminiAPIKey:        "k2",
		SearchTopK:          20,
		SimilarityThreshold: 0.5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
