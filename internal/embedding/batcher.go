package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"kcopilot/backend/internal/corpus"
)

const MaxBatchSize = 100

type Config struct {
	BatchSize   int
	Concurrency int
	Dimensions  int
	Retry       RetryPolicy
	// RateLimit is the provider request budget per second. Zero disables it.
	RateLimit   float64
	RateBurst   int
	CallTimeout time.Duration
}

func (c Config) validate() error {
	switch {
	case c.BatchSize < 1 || c.BatchSize > MaxBatchSize:
		return fmt.Errorf("%w: batch size %d not in [1,%d]", corpus.ErrConfiguration, c.BatchSize, MaxBatchSize)
	case c.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be positive", corpus.ErrConfiguration)
	case c.Dimensions < 1:
		return fmt.Errorf("%w: dimensions must be positive", corpus.ErrConfiguration)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("%w: max attempts must be positive", corpus.ErrConfiguration)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: rate limit must not be negative", corpus.ErrConfiguration)
	}
	return nil
}

// Batcher splits inputs into provider-sized batches, runs them on a bounded
// worker pool and reassembles the vectors in input order.
type Batcher struct {
	provider Provider
	cfg      Config
	limiter  *rate.Limiter
	logger   *slog.Logger
}

type Option func(*Batcher)

func WithLogger(l *slog.Logger) Option {
	return func(b *Batcher) { b.logger = l }
}

func NewBatcher(p Provider, cfg Config, opts ...Option) (*Batcher, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil embedding provider", corpus.ErrConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	b := &Batcher{
		provider: p,
		cfg:      cfg,
		limiter:  limiter,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Batcher) Dimensions() int { return b.cfg.Dimensions }

// Embed returns one vector per input text, in input order.
//
// When some batches fail, Embed returns the vectors it has (nil at failed
// positions) together with a *BatchError. A fatal provider error stops
// batches that have not started yet. Cancelling ctx aborts the call and
// returns the context error.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := (len(texts) + b.cfg.BatchSize - 1) / b.cfg.BatchSize
	pool, err := ants.NewPool(min(b.cfg.Concurrency, batches))
	if err != nil {
		return nil, fmt.Errorf("create embedding pool: %w", err)
	}
	defer pool.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		vectors  = make([][]float32, len(texts))
		mu       sync.Mutex
		failures []BatchFailure
		wg       sync.WaitGroup
	)
	fail := func(start, end int, err error) {
		mu.Lock()
		failures = append(failures, BatchFailure{Start: start, End: end, Err: err})
		mu.Unlock()
	}

	for start := 0; start < len(texts); start += b.cfg.BatchSize {
		end := min(start+b.cfg.BatchSize, len(texts))
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if runCtx.Err() != nil {
				fail(start, end, runCtx.Err())
				return
			}
			vecs, err := b.embedBatch(runCtx, texts[start:end])
			if err != nil {
				fail(start, end, err)
				if errors.Is(err, ErrFatalProvider) {
					cancel()
				}
				return
			}
			// batches cover disjoint ranges
			copy(vectors[start:end], vecs)
		})
		if err != nil {
			wg.Done()
			fail(start, end, fmt.Errorf("submit batch: %w", err))
		}
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(failures) > 0 {
		sort.Slice(failures, func(i, j int) bool { return failures[i].Start < failures[j].Start })
		return vectors, &BatchError{Total: len(texts), Failures: failures}
	}
	return vectors, nil
}

func (b *Batcher) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	bo := NewBackoff(b.cfg.Retry)
	for {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		vecs, err := b.call(ctx, texts)
		if err == nil {
			if err := b.check(vecs, len(texts)); err != nil {
				return nil, err
			}
			return vecs, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrFatalProvider) {
			return nil, err
		}

		delay, ok := bo.Next()
		if !ok {
			return nil, fmt.Errorf("gave up after %d attempts: %w", bo.Attempts(), asRetryable(err))
		}
		b.logger.WarnContext(ctx, "embedding batch failed, retrying",
			"error", err, "attempt", bo.Attempts(), "delay", delay, "size", len(texts))
		if err := sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (b *Batcher) call(ctx context.Context, texts []string) ([][]float32, error) {
	if b.cfg.CallTimeout <= 0 {
		return b.provider.EmbedBatch(ctx, texts)
	}
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()
	return b.provider.EmbedBatch(callCtx, texts)
}

func (b *Batcher) check(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return Fatal(fmt.Errorf("provider returned %d vectors for %d inputs", len(vecs), want))
	}
	for i, v := range vecs {
		if len(v) != b.cfg.Dimensions {
			return Fatal(fmt.Errorf("vector %d has %d dimensions, want %d", i, len(v), b.cfg.Dimensions))
		}
	}
	return nil
}

// asRetryable marks unclassified errors as retryable.
func asRetryable(err error) error {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return Retryable(err)
}
