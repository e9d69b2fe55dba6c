package settings_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/settings"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Get(ctx context.Context) (*settings.Settings, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settings.Settings), args.Error(1)
}

func (m *MockRepository) Update(ctx context.Context, s *settings.Settings) error {
	return m.Called(ctx, s).Error(0)
}

func stored() *settings.Settings {
	return &settings.Settings{ID: 1, GeminiAPIKey: "stored-key", SearchTopK: 5, SimilarityThreshold: 0.3}
}

func TestHandler_GetSettings(t *testing.T) {
	t.Run("MasksKey", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("Get", mock.Anything).Return(stored(), nil)

		rec := httptest.NewRecorder()
		settings.NewHandler(settings.NewService(repo)).GetSettings(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "stored-key")
		assert.JSONEq(t, `{"data":{"gemini_api_key_set":true,"search_top_k":5,"similarity_threshold":0.3}}`, rec.Body.String())
	})

	t.Run("RepositoryFailure", func(t *testing.T) {
		repo := new(MockRepository)
		repo.On("Get", mock.Anything).Return(nil, errors.New("db error"))

		rec := httptest.NewRecorder()
		settings.NewHandler(settings.NewService(repo)).GetSettings(rec, httptest.NewRequest(http.MethodGet, "/settings", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db error")
	})
}

func TestHandler_UpdateSettings(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		getErr     error
		updateErr  error
		want       *settings.Settings
		wantStatus int
		wantCode   string
	}{
		{
			name:       "partial update keeps the stored key",
			body:       `{"search_top_k":10}`,
			want:       &settings.Settings{ID: 1, GeminiAPIKey: "stored-key", SearchTopK: 10, SimilarityThreshold: 0.3},
			wantStatus: http.StatusOK,
		},
		{
			name:       "replaces every field",
			body:       `{"gemini_api_key":"new-key","search_top_k":20,"similarity_threshold":0.7}`,
			want:       &settings.Settings{ID: 1, GeminiAPIKey: "new-key", SearchTopK: 20, SimilarityThreshold: 0.7},
			wantStatus: http.StatusOK,
		},
		{
			name:       "empty key clears it",
			body:       `{"gemini_api_key":""}`,
			want:       &settings.Settings{ID: 1, SearchTopK: 5, SimilarityThreshold: 0.3},
			wantStatus: http.StatusOK,
		},
		{
			name:       "threshold out of range",
			body:       `{"similarity_threshold":1.5}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "top k out of range",
			body:       `{"search_top_k":0}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "unknown field",
			body:       `{"rerank_provider":"cohere"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "malformed json",
			body:       `invalid json`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_ERROR",
		},
		{
			name:       "load failure",
			body:       `{"search_top_k":10}`,
			getErr:     errors.New("db error"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
		{
			name:       "write failure",
			body:       `{"search_top_k":10}`,
			want:       &settings.Settings{ID: 1, GeminiAPIKey: "stored-key", SearchTopK: 10, SimilarityThreshold: 0.3},
			updateErr:  errors.New("db error"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockRepository)
			if tt.getErr != nil {
				repo.On("Get", mock.Anything).Return(nil, tt.getErr)
			} else {
				repo.On("Get", mock.Anything).Return(stored(), nil).Maybe()
			}
			if tt.want != nil {
				repo.On("Update", mock.Anything, tt.want).Return(tt.updateErr)
			}

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPut, "/settings", strings.NewReader(tt.body))
			settings.NewHandler(settings.NewService(repo)).UpdateSettings(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantCode != "" {
				var env struct {
					Error map[string]string `json:"error"`
				}
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
				assert.Equal(t, tt.wantCode, env.Error["code"])
				if tt.want == nil {
					repo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
				}
				return
			}

			var env struct {
				Data settings.View `json:"data"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
			assert.Equal(t, tt.want.GeminiAPIKey != "", env.Data.GeminiAPIKeySet)
			assert.Equal(t, tt.want.SearchTopK, env.Data.SearchTopK)
			repo.AssertExpectations(t)
		})
	}
}
