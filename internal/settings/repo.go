package settings

import (
	"context"
	"database/sql"
	"errors"
)

// Column defaults of the singleton row, used when the row is missing.
const (
	defaultSearchTopK          = 5
	defaultSimilarityThreshold = 0
)

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Get(ctx context.Context) (*Settings, error) {
	s := &Settings{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, gemini_api_key, search_top_k, similarity_threshold FROM settings WHERE id = 1`,
	).Scan(&s.ID, &s.GeminiAPIKey, &s.SearchTopK, &s.SimilarityThreshold)
	if errors.Is(err, sql.ErrNoRows) {
		return &Settings{ID: 1, SearchTopK: defaultSearchTopK, SimilarityThreshold: defaultSimilarityThreshold}, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Update writes the singleton row, recreating it if it was removed.
func (r *PostgresRepo) Update(ctx context.Context, s *Settings) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settings (id, gemini_api_key, search_top_k, similarity_threshold, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET gemini_api_key = EXCLUDED.gemini_api_key,
		    search_top_k = EXCLUDED.search_top_k,
		    similarity_threshold = EXCLUDED.similarity_threshold,
		    updated_at = EXCLUDED.updated_at`,
		s.GeminiAPIKey, s.SearchTopK, s.SimilarityThreshold)
	return err
}
