// Package embedding turns chunk texts into vectors through a pluggable
// provider, batching requests and retrying transient failures.
package embedding

import "context"

// Provider embeds a batch of texts. Implementations return one vector per
// input, in input order, and classify failures with ProviderError.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f ProviderFunc) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}
