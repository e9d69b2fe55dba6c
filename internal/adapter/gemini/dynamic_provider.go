package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"kcopilot/backend/internal/embedding"
	"kcopilot/backend/internal/settings"
)

// DynamicProvider resolves the API key from settings on every call so a key
// saved through the settings API takes effect without a restart. The
// configured key is used when settings hold none.
type DynamicProvider struct {
	settingsSvc *settings.Service
	fallbackKey string
	model       string
	clientOpts  []option.ClientOption
	closeClient func(*genai.Client) error

	mu      sync.Mutex
	current *clientRef
}

// clientRef counts the calls using a client. A client replaced after a key
// change is closed when its last call releases it.
type clientRef struct {
	client  *genai.Client
	key     string
	users   int
	retired bool
}

func NewDynamicProvider(svc *settings.Service, fallbackKey, model string, opts ...option.ClientOption) *DynamicProvider {
	if model == "" {
		model = DefaultModel
	}
	return &DynamicProvider{
		settingsSvc: svc,
		fallbackKey: fallbackKey,
		model:       model,
		clientOpts:  opts,
		closeClient: (*genai.Client).Close,
	}
}

func (p *DynamicProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	key, err := p.resolveKey(ctx)
	if err != nil {
		return nil, err
	}

	ref, err := p.acquire(ctx, key)
	if err != nil {
		return nil, embedding.Retryable(err)
	}
	defer p.release(ref)
	return embedBatch(ctx, ref.client, p.model, texts)
}

func (p *DynamicProvider) resolveKey(ctx context.Context) (string, error) {
	s, err := p.settingsSvc.Get(ctx)
	if err != nil {
		if p.fallbackKey != "" {
			slog.WarnContext(ctx, "settings unavailable, using configured gemini key", "error", err)
			return p.fallbackKey, nil
		}
		return "", embedding.Retryable(fmt.Errorf("failed to get settings: %w", err))
	}
	if s.GeminiAPIKey != "" {
		return s.GeminiAPIKey, nil
	}
	if p.fallbackKey != "" {
		return p.fallbackKey, nil
	}
	return "", embedding.Fatal(errors.New("gemini api key not configured"))
}

// acquire returns the client for key, creating it when the key changed.
// Callers must release the returned ref.
func (p *DynamicProvider) acquire(ctx context.Context, key string) (*clientRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.key == key {
		p.current.users++
		return p.current, nil
	}

	opts := append(append([]option.ClientOption{}, p.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	if p.current != nil {
		p.retire(p.current)
	}
	p.current = &clientRef{client: client, key: key, users: 1}
	return p.current, nil
}

func (p *DynamicProvider) release(ref *clientRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ref.users--
	if ref.retired && ref.users == 0 {
		p.closeRef(ref)
	}
}

// retire must be called with p.mu held.
func (p *DynamicProvider) retire(ref *clientRef) {
	ref.retired = true
	if ref.users == 0 {
		p.closeRef(ref)
	}
}

func (p *DynamicProvider) closeRef(ref *clientRef) {
	if err := p.closeClient(ref.client); err != nil {
		slog.Warn("failed to close previous genai client", "error", err)
	}
}

// Close closes the current client, or leaves it to the last in-flight call.
func (p *DynamicProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}
	ref := p.current
	p.current = nil
	ref.retired = true
	if ref.users > 0 {
		return nil
	}
	return p.closeClient(ref.client)
}
