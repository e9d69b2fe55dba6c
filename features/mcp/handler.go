package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/retrieval"
)

type Retriever interface {
	Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error)
}

type DocumentLister interface {
	List(ctx context.Context, f corpus.Filters, limit, offset int) ([]corpus.Document, error)
}

type Handler struct {
	retriever Retriever
	documents DocumentLister
	sessions  *sessionHub
	keepAlive time.Duration
}

func NewHandler(r Retriever, d DocumentLister) *Handler {
	return &Handler{
		retriever: r,
		documents: d,
		sessions:  newSessionHub(),
		keepAlive: 15 * time.Second,
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type SearchArgs struct {
	Query               string   `json:"query"`
	TopK                *int     `json:"top_k,omitempty"`
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	Sources             []string `json:"sources,omitempty"`
	MIMETypes           []string `json:"mime_types,omitempty"`
	URIPrefix           string   `json:"uri_prefix,omitempty"`
}

type ListArgs struct {
	Source    string `json:"source,omitempty"`
	URIPrefix string `json:"uri_prefix,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

const (
	ToolSearch = "search_documents"
	ToolList   = "list_documents"
)

var tools = []Tool{
	{
		Name: ToolSearch,
		Description: `Semantic search over the knowledge corpus (GitHub repositories, Google Drive and uploads). Returns the most similar chunks with their source document.

ARGUMENT GUIDE:
- top_k: number of chunks to return (default from settings, max 100).
- similarity_threshold: minimum similarity in [0,1]; lower it when nothing comes back.
- sources: restrict to "github", "gdrive" or "upload".
- uri_prefix: restrict to one repository or folder, e.g. "github://acme/docs@main/".`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]string{
					"type":        "string",
					"description": "The search query",
				},
				"top_k": map[string]interface{}{
					"type":    "integer",
					"minimum": 1,
					"maximum": 100,
				},
				"similarity_threshold": map[string]interface{}{
					"type":    "number",
					"minimum": 0.0,
					"maximum": 1.0,
				},
				"sources": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string", "enum": []string{"github", "gdrive", "upload"}},
				},
				"mime_types": map[string]interface{}{
					"type":  "array",
					"items": map[string]string{"type": "string"},
				},
				"uri_prefix": map[string]string{"type": "string"},
			},
			"required": []string{"query"},
		},
	},
	{
		Name:        ToolList,
		Description: `Lists indexed documents, newest first. Use it to discover what the corpus contains before searching.`,
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"source":     map[string]string{"type": "string"},
				"uri_prefix": map[string]string{"type": "string"},
				"limit": map[string]interface{}{
					"type":    "integer",
					"minimum": 1,
					"maximum": 500,
				},
			},
		},
	},
}

// ProcessRequest handles one JSON-RPC request. It returns nil for
// notifications.
func (h *Handler) ProcessRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": "2024-11-05",
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    "kcopilot-mcp",
					"version": "1.0.0",
				},
			},
		}
	case "notifications/initialized":
		return nil
	case "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	case "tools/list":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: ListToolsResult{Tools: tools}}
	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.WarnContext(ctx, "invalid params structure", "error", err)
			return errorResponse(req.ID, ErrInvalidParams, "Invalid params")
		}
		switch params.Name {
		case ToolSearch:
			return h.search(ctx, req.ID, params.Arguments)
		case ToolList:
			return h.list(ctx, req.ID, params.Arguments)
		}
		slog.WarnContext(ctx, "tool not found", "tool", params.Name)
		return errorResponse(req.ID, ErrMethodNotFound, "Method not found: "+params.Name)
	}

	slog.WarnContext(ctx, "unknown jsonrpc method", "method", req.Method)
	return errorResponse(req.ID, ErrMethodNotFound, "Method not found")
}

func (h *Handler) search(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args SearchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return errorResponse(id, ErrInvalidParams, "Invalid search arguments")
	}
	if strings.TrimSpace(args.Query) == "" {
		return errorResponse(id, ErrInvalidParams, "Query is required")
	}

	opts := &retrieval.SearchOptions{
		TopK:                args.TopK,
		SimilarityThreshold: args.SimilarityThreshold,
		Filters:             corpus.Filters{MIMETypes: args.MIMETypes, URIPrefix: args.URIPrefix},
	}
	for _, s := range args.Sources {
		tag, err := corpus.ParseSourceTag(s)
		if err != nil {
			return errorResponse(id, ErrInvalidParams, err.Error())
		}
		opts.Filters.Sources = append(opts.Filters.Sources, tag)
	}

	results, err := h.retriever.Search(ctx, args.Query, opts)
	if errors.Is(err, retrieval.ErrInvalidOptions) {
		return errorResponse(id, ErrInvalidParams, err.Error())
	}
	if err != nil {
		slog.ErrorContext(ctx, "search failed", "error", err)
		return toolError(id, "Search failed: "+err.Error())
	}

	var b strings.Builder
	if len(results) == 0 {
		b.WriteString("No results found.")
	}
	for i, res := range results {
		fmt.Fprintf(&b, "Result %d (Similarity: %.2f):\n", i+1, res.Similarity)
		if res.Title != "" {
			fmt.Fprintf(&b, "Title: %s\n", res.Title)
		}
		fmt.Fprintf(&b, "URI: %s\nSource: %s\n", res.URI, res.Source)
		fmt.Fprintf(&b, "Content:\n%s\n\n---\n", res.Content)
	}

	slog.InfoContext(ctx, "tool execution completed", "tool", ToolSearch, "result_count", len(results))
	return toolText(id, b.String())
}

func (h *Handler) list(ctx context.Context, id interface{}, raw json.RawMessage) *JSONRPCResponse {
	var args ListArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return errorResponse(id, ErrInvalidParams, "Invalid arguments")
		}
	}

	f := corpus.Filters{URIPrefix: args.URIPrefix}
	if args.Source != "" {
		tag, err := corpus.ParseSourceTag(args.Source)
		if err != nil {
			return errorResponse(id, ErrInvalidParams, err.Error())
		}
		f.Sources = []corpus.SourceTag{tag}
	}

	docs, err := h.documents.List(ctx, f, args.Limit, 0)
	if err != nil {
		slog.ErrorContext(ctx, "list_documents failed", "error", err)
		return toolError(id, "Error: "+err.Error())
	}
	if len(docs) == 0 {
		return toolText(id, "No documents found.")
	}

	type simpleDocument struct {
		ID     int64  `json:"id"`
		Title  string `json:"title"`
		URI    string `json:"uri"`
		Source string `json:"source"`
		Chunks int    `json:"chunks"`
	}
	out := make([]simpleDocument, len(docs))
	for i, d := range docs {
		out[i] = simpleDocument{ID: d.ID, Title: d.Title, URI: d.URI, Source: string(d.Source), Chunks: d.ChunkCount}
	}

	jsonBytes, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return toolError(id, "Error marshalling results")
	}
	return toolText(id, string(jsonBytes))
}

func toolText(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: text}}},
	}
}

func toolError(id interface{}, text string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  ToolResult{Content: []ToolContent{{Type: "text", Text: text}}, IsError: true},
	}
}

func errorResponse(id interface{}, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

// ServeHTTP answers a single JSON-RPC request synchronously.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.InfoContext(r.Context(), "mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, errorResponse(nil, ErrParse, "Parse error"))
		return
	}

	resp := h.ProcessRequest(r.Context(), req)
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	h.writeJSON(w, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, resp *JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	// JSON-RPC errors travel in the body with 200 OK.
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeHttpError(w http.ResponseWriter, status int, code string, message string, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("failed to encode error response", "error", err)
	}
}
