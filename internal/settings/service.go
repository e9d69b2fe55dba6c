package settings

import (
	"context"
	"errors"
	"fmt"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	ID                  int     `json:"-"`
	GeminiAPIKey        string  `json:"gemini_api_key"`
	SearchTopK          int     `json:"search_top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
}

func (s *Settings) Validate() error {
	if s.SearchTopK < 1 || s.SearchTopK > 100 {
		return fmt.Errorf("%w: search_top_k must be in [1,100]", ErrInvalidSettings)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("%w: similarity_threshold must be in [0,1]", ErrInvalidSettings)
	}
	return nil
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

func (s *Service) Update(ctx context.Context, set *Settings) error {
	if err := set.Validate(); err != nil {
		return err
	}
	return s.repo.Update(ctx, set)
}

// Patch is a partial update; nil fields keep their stored value.
type Patch struct {
	GeminiAPIKey        *string  `json:"gemini_api_key"`
	SearchTopK          *int     `json:"search_top_k"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
}

// Apply merges p into the stored settings and persists the result.
func (s *Service) Apply(ctx context.Context, p Patch) (*Settings, error) {
	current, err := s.repo.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	next := *current
	if p.GeminiAPIKey != nil {
		next.GeminiAPIKey = *p.GeminiAPIKey
	}
	if p.SearchTopK != nil {
		next.SearchTopK = *p.SearchTopK
	}
	if p.SimilarityThreshold != nil {
		next.SimilarityThreshold = *p.SimilarityThreshold
	}
	if err := s.Update(ctx, &next); err != nil {
		return nil, err
	}
	return &next, nil
}
