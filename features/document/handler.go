package document

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/ingest"
	"kcopilot/backend/internal/middleware"
)

type Handler struct {
	service  *Service
	maxBytes int64
}

func NewHandler(service *Service, maxUploadBytes int64) *Handler {
	return &Handler{service: service, maxBytes: maxUploadBytes}
}

type uploadResult struct {
	DocumentID  int64        `json:"document_id,omitempty"`
	URI         string       `json:"uri"`
	State       ingest.State `json:"state"`
	ContentHash string       `json:"content_hash,omitempty"`
	Chunks      int          `json:"chunks"`
	Error       string       `json:"error,omitempty"`
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)

	if err := r.ParseMultipartForm(h.maxBytes); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "File too large", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", "Failed to read file", http.StatusInternalServerError)
		return
	}

	out, err := h.service.Upload(ctx, header.Filename, r.FormValue("title"), content)
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", err.Error(), http.StatusBadRequest)
		return
	}

	h.writeOutcome(ctx, w, out)
}

// Index ingests one JSON document and answers like Upload.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req IndexRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	out, err := h.service.Index(ctx, req)
	if err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}
	h.writeOutcome(ctx, w, out)
}

// BatchIndex ingests a JSON array of documents. The response is 200 with
// one result per document in request order, whatever their states.
func (h *Handler) BatchIndex(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var reqs []IndexRequest
	if !h.decodeJSON(w, r, &reqs) {
		return
	}

	outs, err := h.service.IndexBatch(ctx, reqs)
	if err != nil {
		if errors.Is(err, ErrInvalidDocument) {
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", "Batch indexing aborted", http.StatusInternalServerError)
		return
	}

	results := make([]uploadResult, len(outs))
	stored := 0
	for i, out := range outs {
		results[i] = resultOf(out)
		if out.State == ingest.StateStored {
			stored++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": results,
		"meta": map[string]int{"count": len(results), "stored": stored},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(r.Context(), w, "BAD_REQUEST", "Request too large", http.StatusRequestEntityTooLarge)
			return false
		}
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

func resultOf(out ingest.Outcome) uploadResult {
	res := uploadResult{
		DocumentID:  out.DocumentID,
		URI:         out.URI,
		State:       out.State,
		ContentHash: out.ContentHash,
		Chunks:      out.Chunks,
	}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}

func (h *Handler) writeOutcome(ctx context.Context, w http.ResponseWriter, out ingest.Outcome) {
	switch out.State {
	case ingest.StateStored:
		h.writeData(ctx, w, http.StatusCreated, resultOf(out))
	case ingest.StateSkippedDuplicate:
		h.writeError(ctx, w, "CONFLICT", "Duplicate content", http.StatusConflict)
	case ingest.StateSkippedEmpty:
		h.writeError(ctx, w, "EMPTY_DOCUMENT", "Document has no text to index", http.StatusUnprocessableEntity)
	case ingest.StateFailedRetryable:
		slog.ErrorContext(ctx, "ingest failed", "error", out.Err, "uri", out.URI)
		h.writeError(ctx, w, "INGEST_FAILED", "Ingestion failed, the document was queued for retry", http.StatusServiceUnavailable)
	default:
		slog.ErrorContext(ctx, "ingest failed", "error", out.Err, "uri", out.URI)
		h.writeError(ctx, w, "INGEST_FAILED", out.Err.Error(), http.StatusUnprocessableEntity)
	}
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	var f corpus.Filters
	for _, s := range q["source"] {
		f.Sources = append(f.Sources, corpus.SourceTag(s))
	}
	f.MIMETypes = q["mime"]
	f.URIPrefix = q.Get("uri_prefix")

	if err := f.Validate(); err != nil {
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	docs, err := h.service.List(ctx, f, limit, offset)
	if err != nil {
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	if docs == nil {
		docs = []corpus.Document{}
	}

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeData(ctx, w, http.StatusOK, doc)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(ctx, id); err != nil {
		if errors.Is(err, corpus.ErrNotFound) {
			h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.writeError(r.Context(), w, "VALIDATION_ERROR", "Invalid document id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeData(ctx context.Context, w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
