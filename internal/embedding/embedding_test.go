package embedding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multidoc-rag/internal/config"
	"multidoc-rag/internal/ragerr"
)

// stubEmbedder maps each text to a vector holding its length, and can be
// told to fail or stall.
type stubEmbedder struct {
	batches  [][]string
	queries  int
	failures int
	err      error
	stall    time.Duration
	short    bool
}

func (s *stubEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	s.batches = append(s.batches, texts)
	if err := s.maybeFail(ctx); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	if s.short {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	s.queries++
	if err := s.maybeFail(ctx); err != nil {
		return nil, err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (s *stubEmbedder) maybeFail(ctx context.Context) error {
	if s.stall > 0 {
		select {
		case <-time.After(s.stall):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return s.err
	}
	return nil
}

func testConfig() config.LLMConfig {
	return config.LLMConfig{
		Model:       "test-embed",
		BatchSize:   2,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Timeout:     time.Second,
	}
}

func TestEmbedTextsBatchesInOrder(t *testing.T) {
	stub := &stubEmbedder{}
	svc := NewService(stub, testConfig())

	var progress []int
	vecs, err := svc.EmbedTexts(context.Background(), []string{"a", "bb", "ccc", "dddd", "eeeee"}, func(done int) {
		progress = append(progress, done)
	})
	require.NoError(t, err)

	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc", "dddd"}, {"eeeee"}}, stub.batches)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Equal(t, float32(i+1), v[0])
	}
	assert.Equal(t, []int{2, 4, 5}, progress)
	assert.Equal(t, "test-embed", svc.Model())
}

func TestEmbedTextsEmptyInput(t *testing.T) {
	stub := &stubEmbedder{}
	vecs, err := NewService(stub, testConfig()).EmbedTexts(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Empty(t, stub.batches)
}

func TestEmbedRetriesTransientFailures(t *testing.T) {
	stub := &stubEmbedder{failures: 2, err: errors.New("503 service unavailable")}

	vec, err := NewService(stub, testConfig()).EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1}, vec)
	assert.Equal(t, 3, stub.queries)
}

func TestEmbedGivesUpAfterMaxAttempts(t *testing.T) {
	stub := &stubEmbedder{failures: -1, err: errors.New("provider down")}

	_, err := NewService(stub, testConfig()).EmbedTexts(context.Background(), []string{"x"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrEmbeddingService))
	assert.Len(t, stub.batches, 3)

	_, err = NewService(stub, testConfig()).EmbedQuery(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrEmbeddingService))
	assert.Equal(t, 3, stub.queries)
}

func TestEmbedTimeout(t *testing.T) {
	stub := &stubEmbedder{stall: time.Second}
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxAttempts = 2

	_, err := NewService(stub, cfg).EmbedQuery(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrEmbeddingTimeout))
	assert.True(t, errors.Is(err, ragerr.ErrEmbeddingService))
	assert.Equal(t, 2, stub.queries)
}

func TestEmbedDoesNotRetryCancelledCaller(t *testing.T) {
	stub := &stubEmbedder{failures: -1, err: errors.New("boom")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewService(stub, testConfig()).EmbedQuery(ctx, "x")
	require.Error(t, err)
	assert.Equal(t, 1, stub.queries)
}

func TestEmbedCountMismatch(t *testing.T) {
	stub := &stubEmbedder{short: true}

	_, err := NewService(stub, testConfig()).EmbedTexts(context.Background(), []string{"a", "b"}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrEmbeddingService))
}

func TestCheckDimensions(t *testing.T) {
	assert.NoError(t, checkDimensions([][]float32{{1, 2}, {3, 4}}))
	assert.Error(t, checkDimensions([][]float32{{1, 2}, {3}}))
	assert.Error(t, checkDimensions([][]float32{{}}))
}

func TestRateLimitedServiceStillEmbeds(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit = 1000
	stub := &stubEmbedder{}

	vecs, err := NewService(stub, cfg).EmbedTexts(context.Background(), []string{"a", "b", "c"}, nil)
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
}

func TestNewEmbedderRejectsUnknownProvider(t *testing.T) {
	_, err := NewEmbedder(&config.LLMConfig{Provider: "bedrock", Model: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ragerr.ErrConfiguration))
}

func TestNewEmbedderOllama(t *testing.T) {
	e, err := NewEmbedder(&config.LLMConfig{Provider: config.ProviderOllama, BaseURL: "http://localhost:11434", Model: "nomic-embed-text", BatchSize: 8})
	require.NoError(t, err)
	assert.NotNil(t, e)
}
