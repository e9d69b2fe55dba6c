package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCorrelationID(t *testing.T) {
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := r.Context().Value(CorrelationKey).(string)
		if !ok || id == "" {
			t.Error("correlation id missing from context")
		}
	}))

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("header missing")
	}
}

func TestCorrelationID_PropagatesHeader(t *testing.T) {
	var seen string
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetCorrelationID(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", w.Header().Get("X-Correlation-ID"))
}

func TestCORS_Preflight(t *testing.T) {
	called := false
	h := CORS(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodOptions, "/search", nil)
	w := httptest.NewRecorder()
	h(w, req)

	assert.False(t, called)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "unknown", GetCorrelationID(ctx))
	assert.Equal(t, "", GetSyncRunID(ctx))

	ctx = WithSyncRunID(WithCorrelationID(ctx, "c1"), "run-1")
	assert.Equal(t, "c1", GetCorrelationID(ctx))
	assert.Equal(t, "run-1", GetSyncRunID(ctx))
}

func TestCorrelationID_KeepsFlusher(t *testing.T) {
	var flushed bool
	handler := CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		flushed = ok
		if ok {
			w.WriteHeader(http.StatusTeapot)
			f.Flush()
		}
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/mcp/sse", nil))

	assert.True(t, flushed)
	assert.True(t, w.Flushed)
	assert.Equal(t, http.StatusTeapot, w.Code)
}

func TestStatusWriter_RecordsFirstStatus(t *testing.T) {
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusAccepted, sw.status)
}
