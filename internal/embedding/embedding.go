package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"

	"multidoc-rag/internal/config"
	"multidoc-rag/internal/helper"
	"multidoc-rag/internal/ragerr"
)

// Embedder is the provider capability the service needs. langchaingo's
// embeddings.EmbedderImpl satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// NewEmbedder creates the langchaingo embedder for the configured provider.
func NewEmbedder(cfg *config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating embedder")

	var (
		client embeddings.EmbedderClient
		err    error
	)
	switch cfg.Provider {
	case config.ProviderOllama:
		client, err = ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithEmbeddingModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		client, err = openai.New(opts...)
	default:
		return nil, ragerr.ErrConfiguration.WithReason("unknown embedding provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, ragerr.ErrEmbeddingService.WithReason("init %s client", cfg.Provider).WithCause(err)
	}

	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(max(cfg.BatchSize, 1)))
	if err != nil {
		return nil, ragerr.ErrEmbeddingService.WithCause(err)
	}
	return embedder, nil
}

// Service batches, rate limits, times out and retries embedding calls.
type Service struct {
	embedder    Embedder
	model       string
	batchSize   int
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	limiter     *rate.Limiter
}

func NewService(e Embedder, cfg config.LLMConfig) *Service {
	s := &Service{
		embedder:    e,
		model:       cfg.Model,
		batchSize:   max(cfg.BatchSize, 1),
		timeout:     cfg.Timeout,
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoff:     cfg.Backoff,
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return s
}

func (s *Service) Model() string { return s.model }

// EmbedTexts returns one vector per text, in input order. progress, when
// not nil, is called after each batch with the number of texts embedded.
func (s *Service) EmbedTexts(ctx context.Context, texts []string, progress func(done int)) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		batch := texts[start:end]

		var vecs [][]float32
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			vecs, err = s.embedder.EmbedDocuments(ctx, batch)
			return err
		})
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(batch) {
			return nil, ragerr.ErrEmbeddingService.WithReason("provider returned %d vectors for %d texts", len(vecs), len(batch))
		}
		out = append(out, vecs...)
		if progress != nil {
			progress(len(out))
		}
	}
	if err := checkDimensions(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := s.call(ctx, func(ctx context.Context) error {
		var err error
		vec, err = s.embedder.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(vec) == 0 {
		return nil, ragerr.ErrEmbeddingService.WithReason("provider returned an empty vector")
	}
	return vec, nil
}

// call runs fn under the per-call timeout with bounded retries. A timeout
// of a single call is retried; cancellation of the caller's context is not.
func (s *Service) call(ctx context.Context, fn func(ctx context.Context) error) error {
	err := helper.Retry(ctx, s.maxAttempts, s.backoff, func(ctx context.Context, attempt int) error {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return helper.Permanent(err)
			}
		}
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if s.timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, s.timeout)
		}
		defer cancel()

		err := fn(cctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return helper.Permanent(ctx.Err())
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			return ragerr.ErrEmbeddingTimeout.WithReason("after %s", s.timeout).WithCause(err)
		default:
			log.Warn().Err(err).Int("attempt", attempt+1).Str("model", s.model).Msg("Embedding call failed")
			return err
		}
	})
	if err == nil {
		return nil
	}
	if _, ok := ragerr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ragerr.ErrEmbeddingTimeout.WithCause(err)
	}
	return ragerr.ErrEmbeddingService.WithReason("after %d attempts", s.maxAttempts).WithCause(err)
}

func checkDimensions(vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return ragerr.ErrEmbeddingService.WithCause(fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dim))
		}
	}
	return nil
}
