// Package gemini implements embedding.Provider on top of the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"kcopilot/backend/internal/embedding"
)

const DefaultModel = "text-embedding-004"

type Provider struct {
	client *genai.Client
	model  string
}

func NewProvider(ctx context.Context, apiKey, model string, opts ...option.ClientOption) (*Provider, error) {
	if model == "" {
		model = DefaultModel
	}
	opts = append(opts, option.WithAPIKey(apiKey))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedBatch(ctx, p.client, p.model, texts)
}

func (p *Provider) Close() error {
	return p.client.Close()
}

func embedBatch(ctx context.Context, client *genai.Client, model string, texts []string) ([][]float32, error) {
	slog.DebugContext(ctx, "embedding batch", "model", model, "size", len(texts))

	em := client.EmbeddingModel(model)
	b := em.NewBatch()
	for _, t := range texts {
		b.AddContent(genai.Text(t))
	}

	res, err := em.BatchEmbedContents(ctx, b)
	if err != nil {
		return nil, Classify(err)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		if e == nil || len(e.Values) == 0 {
			return nil, embedding.Fatal(fmt.Errorf("empty embedding at position %d", i))
		}
		out[i] = e.Values
	}
	return out, nil
}

// Classify maps a Gemini API failure onto embedding.ProviderError.
// Cancellation is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return embedding.Retryable(err)
	}

	if code := statusCode(err); code > 0 {
		return &embedding.ProviderError{
			Retryable:  retryableStatus(code),
			StatusCode: code,
			Err:        err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return embedding.Retryable(err)
	}
	return err
}

func statusCode(err error) int {
	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPCode() > 0 {
		return apiErr.HTTPCode()
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	return 0
}

func retryableStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500:
		return true
	}
	return false
}
