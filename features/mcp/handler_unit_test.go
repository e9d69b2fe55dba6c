package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kcopilot/backend/features/mcp"
	"kcopilot/backend/internal/corpus"
	"kcopilot/backend/internal/retrieval"
)

type MockRetriever struct {
	mock.Mock
}

func (m *MockRetriever) Search(ctx context.Context, query string, opts *retrieval.SearchOptions) ([]retrieval.Result, error) {
	args := m.Called(ctx, query, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Result), args.Error(1)
}

type MockLister struct {
	mock.Mock
}

func (m *MockLister) List(ctx context.Context, f corpus.Filters, limit, offset int) ([]corpus.Document, error) {
	args := m.Called(ctx, f, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]corpus.Document), args.Error(1)
}

func call(t *testing.T, h *mcp.Handler, tool string, arguments string) *mcp.JSONRPCResponse {
	t.Helper()
	params, err := json.Marshal(mcp.CallParams{Name: tool, Arguments: json.RawMessage(arguments)})
	require.NoError(t, err)
	return h.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/call", Params: params, ID: 1})
}

func errorCode(t *testing.T, resp *mcp.JSONRPCResponse) int {
	t.Helper()
	require.NotNil(t, resp.Error)
	return resp.Error.(map[string]interface{})["code"].(int)
}

func TestProcessRequest_Initialize(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "initialize", ID: 1})

	require.NotNil(t, resp)
	assert.Equal(t, 1, resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	assert.NotNil(t, result["serverInfo"])
}

func TestProcessRequest_ToolsList(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "tools/list", ID: 1})

	result := resp.Result.(mcp.ListToolsResult)
	require.Len(t, result.Tools, 2)
	assert.Equal(t, mcp.ToolSearch, result.Tools[0].Name)
	assert.Equal(t, mcp.ToolList, result.Tools[1].Name)
}

func TestProcessRequest_UnknownMethod(t *testing.T) {
	handler := mcp.NewHandler(new(MockRetriever), new(MockLister))

	resp := handler.ProcessRequest(context.Background(), mcp.JSONRPCRequest{JSONRPC: "2.0", Method: "resources/list", ID: 1})
	assert.Equal(t, mcp.ErrMethodNotFound, errorCode(t, resp))

	resp = call(t, handler, "read_page", `{}`)
	assert.Equal(t, mcp.ErrMethodNotFound, errorCode(t, resp))
}

func TestSearchDocuments(t *testing.T) {
	t.Run("Formats Results", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Search", mock.Anything, "rate limits", mock.MatchedBy(func(o *retrieval.SearchOptions) bool {
			return *o.TopK == 3 && len(o.Filters.Sources) == 1 && o.Filters.Sources[0] == corpus.SourceGitHub
		})).Return([]retrieval.Result{
			{ChunkID: 1, Similarity: 0.91, Title: "limits.md", URI: "github://acme/docs@main/limits.md", Source: corpus.SourceGitHub, Content: "100 req/s"},
		}, nil)

		resp := call(t, mcp.NewHandler(r, nil), mcp.ToolSearch, `{"query":"rate limits","top_k":3,"sources":["github"]}`)

		result := resp.Result.(mcp.ToolResult)
		assert.False(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "Similarity: 0.91")
		assert.Contains(t, result.Content[0].Text, "github://acme/docs@main/limits.md")
		assert.Contains(t, result.Content[0].Text, "100 req/s")
		r.AssertExpectations(t)
	})

	t.Run("No Results", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Search", mock.Anything, "nothing", mock.Anything).Return([]retrieval.Result{}, nil)

		resp := call(t, mcp.NewHandler(r, nil), mcp.ToolSearch, `{"query":"nothing"}`)
		assert.Equal(t, "No results found.", resp.Result.(mcp.ToolResult).Content[0].Text)
	})

	t.Run("Empty Query", func(t *testing.T) {
		resp := call(t, mcp.NewHandler(new(MockRetriever), nil), mcp.ToolSearch, `{"query":"  "}`)
		assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
	})

	t.Run("Unknown Source", func(t *testing.T) {
		resp := call(t, mcp.NewHandler(new(MockRetriever), nil), mcp.ToolSearch, `{"query":"q","sources":["s3"]}`)
		assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
	})

	t.Run("Invalid Options", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Search", mock.Anything, "q", mock.Anything).Return(nil, retrieval.ErrInvalidOptions)

		resp := call(t, mcp.NewHandler(r, nil), mcp.ToolSearch, `{"query":"q","similarity_threshold":2}`)
		assert.Equal(t, mcp.ErrInvalidParams, errorCode(t, resp))
	})

	t.Run("Search Failure Is Tool Error", func(t *testing.T) {
		r := new(MockRetriever)
		r.On("Search", mock.Anything, "q", mock.Anything).Return(nil, errors.New("db down"))

		resp := call(t, mcp.NewHandler(r, nil), mcp.ToolSearch, `{"query":"q"}`)
		result := resp.Result.(mcp.ToolResult)
		assert.True(t, result.IsError)
		assert.Contains(t, result.Content[0].Text, "db down")
	})
}

func TestListDocuments(t *testing.T) {
	t.Run("Lists", func(t *testing.T) {
		l := new(MockLister)
		l.On("List", mock.Anything, corpus.Filters{Sources: []corpus.SourceTag{corpus.SourceGDrive}}, 10, 0).
			Return([]corpus.Document{{ID: 4, Title: "Runbook", URI: "gdrive://files/abc", Source: corpus.SourceGDrive, ChunkCount: 6}}, nil)

		resp := call(t, mcp.NewHandler(nil, l), mcp.ToolList, `{"source":"gdrive","limit":10}`)

		text := resp.Result.(mcp.ToolResult).Content[0].Text
		var docs []map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(text), &docs))
		require.Len(t, docs, 1)
		assert.Equal(t, "gdrive://files/abc", docs[0]["uri"])
		assert.Equal(t, float64(6), docs[0]["chunks"])
	})

	t.Run("Empty", func(t *testing.T) {
		l := new(MockLister)
		l.On("List", mock.Anything, corpus.Filters{}, 0, 0).Return([]corpus.Document{}, nil)

		resp := call(t, mcp.NewHandler(nil, l), mcp.ToolList, `{}`)
		assert.Equal(t, "No documents found.", resp.Result.(mcp.ToolResult).Content[0].Text)
	})

	t.Run("Store Error", func(t *testing.T) {
		l := new(MockLister)
		l.On("List", mock.Anything, mock.Anything, 0, 0).Return(nil, errors.New("boom"))

		resp := call(t, mcp.NewHandler(nil, l), mcp.ToolList, `{}`)
		assert.True(t, resp.Result.(mcp.ToolResult).IsError)
	})
}
