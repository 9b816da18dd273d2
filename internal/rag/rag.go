// Package rag wires loading, chunking, embedding, storage and answer
// generation into the document question-answering pipeline.
package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/chunker"
	"multidoc-rag/internal/config"
	"multidoc-rag/internal/models"
	"multidoc-rag/internal/parser"
	"multidoc-rag/internal/ragerr"
)

const (
	MaxQuestionLength = 2000
	StatusHealthy     = "healthy"
)

type QueryRequest struct {
	Question       string `json:"question"`
	TopK           int    `json:"top_k,omitempty"`
	FilterDocument string `json:"filter_document,omitempty"`
}

type QueryResult struct {
	Answer          models.Answer
	RetrievedChunks int
}

type Health struct {
	Status         string `json:"status"`
	Documents      int    `json:"documents"`
	Chunks         int    `json:"chunks"`
	EmbeddingModel string `json:"embedding_model"`
	LLMModel       string `json:"llm_model"`
	Metric         string `json:"metric"`
	Backend        string `json:"backend"`
}

type RAG struct {
	loader    DocumentLoader
	chunker   *chunker.Chunker
	embedder  EmbeddingService
	store     Store
	retriever *Retriever
	generator AnswerGenerator
	cfg       config.RAGConfig
	now       func() time.Time
}

func NewRAG(loader DocumentLoader, ch *chunker.Chunker, embedder EmbeddingService, store Store, generator AnswerGenerator, cfg config.RAGConfig) *RAG {
	return &RAG{
		loader:    loader,
		chunker:   ch,
		embedder:  embedder,
		store:     store,
		retriever: NewRetriever(embedder, store, cfg.TopK),
		generator: generator,
		cfg:       cfg,
		now:       time.Now,
	}
}

type ingestOptions struct {
	progress func(done, total int)
	dryRun   bool
}

type IngestOption func(*ingestOptions)

// WithProgress reports embedding progress in chunks.
func WithProgress(fn func(done, total int)) IngestOption {
	return func(o *ingestOptions) { o.progress = fn }
}

// WithDryRun stops after chunking; nothing is embedded or stored.
func WithDryRun() IngestOption {
	return func(o *ingestOptions) { o.dryRun = true }
}

// IngestResult describes an ingested document. Chunks is only filled for
// dry runs.
type IngestResult struct {
	Document models.Document
	Chunks   []models.Chunk
}

// Ingest loads, chunks, embeds and stores one document. Re-ingesting a
// document replaces it unless the duplicate policy is reject.
func (r *RAG) Ingest(ctx context.Context, name string, data []byte, opts ...IngestOption) (IngestResult, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	name = SanitizeName(name)
	if name == "" {
		return IngestResult{}, ragerr.ErrInvalidRequest.WithReason("missing file name")
	}
	format, err := parser.Format(name)
	if err != nil {
		return IngestResult{}, err
	}

	if r.cfg.OnDuplicate == config.DuplicateReject && !o.dryRun {
		_, err := r.store.GetDocument(ctx, name)
		switch {
		case err == nil:
			return IngestResult{}, ragerr.ErrDocumentExists.WithReason("%s", name)
		case !errors.Is(err, ragerr.ErrDocumentNotFound):
			return IngestResult{}, err
		}
	}

	start := time.Now()
	pages, err := r.loader.Load(ctx, name, data)
	if err != nil {
		return IngestResult{}, err
	}
	chunks := r.chunker.Split(name, pages)
	if len(chunks) == 0 {
		return IngestResult{}, ragerr.ErrEmptyDocument.WithReason("%s", name)
	}

	doc := models.Document{
		Name:       name,
		Format:     format,
		PageCount:  len(pages),
		ChunkCount: len(chunks),
		UploadedAt: r.now().UTC(),
	}
	if o.dryRun {
		return IngestResult{Document: doc, Chunks: chunks}, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	var progress func(int)
	if o.progress != nil {
		progress = func(done int) { o.progress(done, len(texts)) }
	}
	vecs, err := r.embedder.EmbedTexts(ctx, texts, progress)
	if err != nil {
		return IngestResult{}, err
	}

	embedded := make([]models.EmbeddedChunk, len(chunks))
	for i, c := range chunks {
		embedded[i] = models.EmbeddedChunk{Chunk: c, Embedding: vecs[i]}
	}
	if err := r.store.Upsert(ctx, doc, embedded); err != nil {
		return IngestResult{}, err
	}

	log.Info().
		Str("document", name).
		Str("format", format).
		Int("pages", doc.PageCount).
		Int("chunks", doc.ChunkCount).
		Int("chunk_size", r.chunker.Size()).
		Int("chunk_overlap", r.chunker.Overlap()).
		Dur("took", time.Since(start)).
		Msg("Document ingested")
	return IngestResult{Document: doc}, nil
}

// Query answers a question from the stored documents.
func (r *RAG) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	question := strings.TrimSpace(req.Question)
	switch n := utf8.RuneCountInString(question); {
	case n == 0:
		return QueryResult{}, ragerr.ErrInvalidRequest.WithReason("question must not be empty")
	case n > MaxQuestionLength:
		return QueryResult{}, ragerr.ErrInvalidRequest.WithReason("question is longer than %d characters", MaxQuestionLength)
	}
	if req.TopK < 0 || (r.cfg.MaxTopK > 0 && req.TopK > r.cfg.MaxTopK) {
		return QueryResult{}, ragerr.ErrInvalidRequest.WithReason("top_k must be between 1 and %d", r.cfg.MaxTopK)
	}

	filter := models.SearchFilter{DocumentName: strings.TrimSpace(req.FilterDocument)}
	if filter.DocumentName != "" {
		if _, err := r.store.GetDocument(ctx, filter.DocumentName); err != nil {
			return QueryResult{}, err
		}
	}

	chunks, err := r.retriever.Retrieve(ctx, question, req.TopK, filter)
	if err != nil {
		return QueryResult{}, err
	}
	answer, err := r.generator.Generate(ctx, question, chunks)
	if err != nil {
		return QueryResult{}, err
	}
	log.Debug().Int("retrieved", len(chunks)).Int("sources", len(answer.Sources)).Msg("Query answered")
	return QueryResult{Answer: answer, RetrievedChunks: len(chunks)}, nil
}

// Delete removes a document and returns how many chunks it had.
func (r *RAG) Delete(ctx context.Context, name string) (int, error) {
	name = SanitizeName(name)
	if name == "" {
		return 0, ragerr.ErrInvalidRequest.WithReason("missing document name")
	}
	if _, err := r.store.GetDocument(ctx, name); err != nil {
		return 0, err
	}
	n, err := r.store.DeleteByDocument(ctx, name)
	if err != nil {
		return 0, err
	}
	log.Info().Str("document", name).Int("chunks", n).Msg("Document deleted")
	return n, nil
}

func (r *RAG) List(ctx context.Context) ([]models.Document, error) {
	return r.store.ListDocuments(ctx)
}

func (r *RAG) Health(ctx context.Context) (Health, error) {
	stats, err := r.store.Stats(ctx)
	if err != nil {
		return Health{}, err
	}
	return Health{
		Status:         StatusHealthy,
		Documents:      stats.Documents,
		Chunks:         stats.Chunks,
		EmbeddingModel: r.embedder.Model(),
		LLMModel:       r.generator.Model(),
		Metric:         stats.Metric,
		Backend:        stats.Backend,
	}, nil
}

// SanitizeName reduces an uploaded file name to its base name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	base := filepath.Base(name)
	if base == "." || base == "/" || base == ".." {
		return ""
	}
	return base
}
