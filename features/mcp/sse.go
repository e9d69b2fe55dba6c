package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"kcopilot/backend/internal/middleware"
)

const sessionBuffer = 100

var (
	errSessionClosed = errors.New("session closed")
	errSessionFull   = errors.New("session buffer full")
)

// sessionHub routes JSON-RPC responses to open SSE streams.
type sessionHub struct {
	mu     sync.RWMutex
	queues map[string]chan string
}

func newSessionHub() *sessionHub {
	return &sessionHub{queues: make(map[string]chan string)}
}

func (s *sessionHub) open() (string, <-chan string) {
	id := uuid.New().String()
	ch := make(chan string, sessionBuffer)
	s.mu.Lock()
	s.queues[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *sessionHub) close(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.queues[id]; ok {
		delete(s.queues, id)
		close(ch)
	}
}

func (s *sessionHub) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.queues[id]
	return ok
}

// send never blocks. The read lock keeps close from racing the channel send.
func (s *sessionHub) send(id, msg string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.queues[id]
	if !ok {
		return errSessionClosed
	}
	select {
	case ch <- msg:
		return nil
	default:
		return errSessionFull
	}
}

func (s *sessionHub) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues)
}

// HandleSSE opens a session, announces its message endpoint and streams
// responses until the client goes away.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeHttpError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported", middleware.GetCorrelationID(ctx))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id, queue := h.sessions.open()
	defer h.sessions.close(id)
	slog.InfoContext(ctx, "mcp session opened", "session_id", id, "open_sessions", h.sessions.count())

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	writeEvent(w, flusher, "endpoint", html.EscapeString(fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, id)))

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case msg := <-queue:
			writeEvent(w, flusher, "message", msg)
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case <-ctx.Done():
			slog.InfoContext(ctx, "mcp session closed", "session_id", id)
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

// HandleMessage accepts a JSON-RPC request for an open session and answers
// 202 at once; the response travels over the session's stream.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	id := r.URL.Query().Get("sessionId")
	if id == "" {
		h.writeHttpError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}
	if !h.sessions.exists(id) {
		slog.WarnContext(ctx, "unknown mcp session", "session_id", id)
		h.writeHttpError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeHttpError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	go h.respond(context.WithoutCancel(ctx), id, req)
}

func (h *Handler) respond(ctx context.Context, id string, req JSONRPCRequest) {
	resp := h.ProcessRequest(ctx, req)
	if resp == nil {
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal mcp response", "error", err)
		return
	}
	if err := h.sessions.send(id, string(body)); err != nil {
		slog.WarnContext(ctx, "mcp response dropped", "session_id", id, "error", err)
	}
}
