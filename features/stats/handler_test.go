package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/internal/corpus"
)

type fakeStore struct {
	docs, chunks int
	bySource     map[corpus.SourceTag]int
	failOn       string
}

func (f *fakeStore) CountDocuments(context.Context) (int, error) {
	if f.failOn == "documents" {
		return 0, errors.New("db error")
	}
	return f.docs, nil
}

func (f *fakeStore) CountChunks(context.Context) (int, error) {
	if f.failOn == "chunks" {
		return 0, errors.New("db error")
	}
	return f.chunks, nil
}

func (f *fakeStore) CountBySource(context.Context) (map[corpus.SourceTag]int, error) {
	if f.failOn == "sources" {
		return nil, errors.New("db error")
	}
	return f.bySource, nil
}

type fakeJobs struct {
	n   int
	err error
}

func (f fakeJobs) Count(context.Context) (int, error) { return f.n, f.err }

func TestHandler_GetStats(t *testing.T) {
	tests := []struct {
		name      string
		store     *fakeStore
		jobs      fakeJobs
		wantBody  string
		wantError string
	}{
		{
			name: "counts and per-source breakdown",
			store: &fakeStore{docs: 12, chunks: 340, bySource: map[corpus.SourceTag]int{
				corpus.SourceGitHub: 9, corpus.SourceUpload: 3,
			}},
			jobs:     fakeJobs{n: 2},
			wantBody: `{"data":{"documents":12,"chunks":340,"failed_jobs":2,"sources":{"github":9,"upload":3}}}`,
		},
		{
			name:     "empty corpus",
			store:    &fakeStore{},
			wantBody: `{"data":{"documents":0,"chunks":0,"failed_jobs":0,"sources":{}}}`,
		},
		{name: "documents", store: &fakeStore{failOn: "documents"}, wantError: "failed to count documents"},
		{name: "chunks", store: &fakeStore{failOn: "chunks"}, wantError: "failed to count chunks"},
		{name: "sources", store: &fakeStore{failOn: "sources"}, wantError: "failed to count sources"},
		{name: "jobs", store: &fakeStore{}, jobs: fakeJobs{err: errors.New("db error")}, wantError: "failed to count jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewHandler(tt.store, tt.jobs).GetStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

			if tt.wantError == "" {
				assert.Equal(t, http.StatusOK, rec.Code)
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
				return
			}

			assert.Equal(t, http.StatusInternalServerError, rec.Code)
			var env struct {
				Error map[string]string `json:"error"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
			assert.Equal(t, "INTERNAL_ERROR", env.Error["code"])
			assert.Equal(t, tt.wantError, env.Error["message"])
		})
	}
}
