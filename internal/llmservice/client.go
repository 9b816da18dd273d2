package llmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
	"golang.org/x/time/rate"

	"multidoc-rag/internal/config"
	"multidoc-rag/internal/helper"
	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

var (
	thinkRe = regexp.MustCompile(models.ThinkTag)
	fenceRe = regexp.MustCompile(models.JSONFence)
)

// NewLLM creates the chat model for the configured provider.
func NewLLM(cfg *config.LLMConfig) (llms.Model, error) {
	log.Debug().Str("provider", cfg.Provider).Str("base_url", cfg.BaseURL).Str("model", cfg.Model).Msg("Creating LLM client")

	switch cfg.Provider {
	case config.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, ragerr.ErrGenerationService.WithReason("init openai client").WithCause(err)
		}
		return llm, nil
	case config.ProviderOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, ragerr.ErrGenerationService.WithReason("init ollama client").WithCause(err)
		}
		return llm, nil
	default:
		return nil, ragerr.ErrConfiguration.WithReason("unknown llm provider %q", cfg.Provider)
	}
}

// Generator answers questions from retrieved chunks only.
type Generator struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
	jsonMode    bool
	timeout     time.Duration
	maxAttempts int
	backoff     time.Duration
	limiter     *rate.Limiter
}

func NewGenerator(llm llms.Model, cfg config.LLMConfig) *Generator {
	g := &Generator{
		llm:         llm,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		jsonMode:    cfg.JSONMode,
		timeout:     cfg.Timeout,
		maxAttempts: max(cfg.MaxAttempts, 1),
		backoff:     cfg.Backoff,
	}
	if cfg.RateLimit > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return g
}

func (g *Generator) Model() string { return g.model }

// Generate answers question from chunks. With no chunks it refuses without
// calling the model. A provider failure is returned as an error, never as
// an answer.
func (g *Generator) Generate(ctx context.Context, question string, chunks []models.RetrievedChunk) (models.Answer, error) {
	if len(chunks) == 0 {
		log.Info().Msg("No chunks retrieved, returning no-info answer")
		return models.NoInfo(), nil
	}

	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, models.RAGSystemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, BuildUserMessage(question, chunks)),
	}
	opts := []llms.CallOption{
		llms.WithTemperature(g.temperature),
		llms.WithMaxTokens(g.maxTokens),
	}
	if g.jsonMode {
		opts = append(opts, llms.WithJSONMode())
	}

	start := time.Now()
	var content string
	err := helper.Retry(ctx, g.maxAttempts, g.backoff, func(ctx context.Context, attempt int) error {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return helper.Permanent(err)
			}
		}
		cctx, cancel := ctx, context.CancelFunc(func() {})
		if g.timeout > 0 {
			cctx, cancel = context.WithTimeout(ctx, g.timeout)
		}
		defer cancel()

		resp, err := g.llm.GenerateContent(cctx, messages, opts...)
		switch {
		case err == nil && (resp == nil || len(resp.Choices) == 0):
			return ragerr.ErrGenerationService.WithReason("model returned no choices")
		case err == nil:
			content = resp.Choices[0].Content
			return nil
		case ctx.Err() != nil:
			return helper.Permanent(ctx.Err())
		case errors.Is(cctx.Err(), context.DeadlineExceeded):
			return ragerr.ErrGenerationTimeout.WithReason("after %s", g.timeout).WithCause(err)
		default:
			log.Warn().Err(err).Int("attempt", attempt+1).Str("model", g.model).Msg("Generation call failed")
			return err
		}
	})
	if err != nil {
		if _, ok := ragerr.As(err); ok {
			return models.Answer{}, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return models.Answer{}, ragerr.ErrGenerationTimeout.WithCause(err)
		}
		return models.Answer{}, ragerr.ErrGenerationService.WithReason("after %d attempts", g.maxAttempts).WithCause(err)
	}

	answer := ParseAnswer(content, chunks)
	log.Debug().Dur("took", time.Since(start)).Int("sources", len(answer.Sources)).Msg("Generated answer")
	return answer, nil
}

// BuildUserMessage renders the question and the retrieved chunks. Nothing
// outside chunks is put into the prompt.
func BuildUserMessage(question string, chunks []models.RetrievedChunk) string {
	var ctxText strings.Builder
	for i, c := range chunks {
		if i > 0 {
			ctxText.WriteString("\n")
		}
		fmt.Fprintf(&ctxText, models.ChunkContextTemplate, i+1, c.DocumentName, c.Page, c.ID, c.Content)
	}
	return fmt.Sprintf(models.UserPromptTemplate, question, ctxText.String())
}

type modelAnswer struct {
	Answer  *string `json:"answer"`
	Sources []struct {
		ChunkID string `json:"chunk_id"`
	} `json:"sources"`
}

// ParseAnswer turns raw model output into an Answer. Citations are kept
// only when they name a retrieved chunk, and their page and document come
// from that chunk. Output that is not JSON is returned verbatim citing every
// retrieved chunk, as is a JSON answer whose citations are all invalid.
func ParseAnswer(raw string, chunks []models.RetrievedChunk) models.Answer {
	text := strings.TrimSpace(thinkRe.ReplaceAllString(raw, ""))
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if i, j := strings.Index(text, "{"), strings.LastIndex(text, "}"); i >= 0 && j > i {
		text = text[i : j+1]
	}

	var parsed modelAnswer
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Answer == nil {
		log.Warn().Err(err).Msg("Model output is not the expected JSON, citing all retrieved chunks")
		answer := strings.TrimSpace(thinkRe.ReplaceAllString(raw, ""))
		if answer == "" || IsNoInfo(answer) {
			return models.NoInfo()
		}
		return models.Answer{Text: answer, Sources: allSources(chunks)}
	}

	answer := strings.TrimSpace(*parsed.Answer)
	if answer == "" || IsNoInfo(answer) {
		return models.NoInfo()
	}

	byID := make(map[string]models.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c.Chunk
	}
	seen := make(map[string]bool)
	sources := []models.Source{}
	for _, s := range parsed.Sources {
		c, ok := byID[s.ChunkID]
		if !ok {
			log.Warn().Str("chunk_id", s.ChunkID).Msg("Dropping citation of a chunk that was not retrieved")
			continue
		}
		if seen[s.ChunkID] {
			continue
		}
		seen[s.ChunkID] = true
		sources = append(sources, models.SourceFromChunk(c))
	}
	if len(sources) == 0 {
		log.Warn().Msg("Answer has no valid citations, citing all retrieved chunks")
		sources = allSources(chunks)
	}
	return models.Answer{Text: answer, Sources: sources}
}

// IsNoInfo reports whether answer is the refusal sentence.
func IsNoInfo(answer string) bool {
	a := strings.Trim(strings.TrimSpace(answer), `"'`)
	return strings.EqualFold(a, models.NoInfoAnswer)
}

func allSources(chunks []models.RetrievedChunk) []models.Source {
	out := make([]models.Source, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, models.SourceFromChunk(c.Chunk))
	}
	return out
}
