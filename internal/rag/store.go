package rag

import (
	"context"

	"multidoc-rag/internal/models"
)

// Store persists embedded chunks and the document catalogue.
//
// Upsert atomically replaces the chunk set of a document and is idempotent
// by chunk id. Search returns at most k chunks, most similar first, and an
// empty slice for an empty store. DeleteByDocument is idempotent and
// reports how many chunks it removed.
type Store interface {
	Upsert(ctx context.Context, doc models.Document, chunks []models.EmbeddedChunk) error
	Search(ctx context.Context, vec []float32, k int, filter models.SearchFilter) ([]models.RetrievedChunk, error)
	DeleteByDocument(ctx context.Context, name string) (int, error)
	ListDocuments(ctx context.Context) ([]models.Document, error)
	GetDocument(ctx context.Context, name string) (models.Document, error)
	Stats(ctx context.Context) (models.StoreStats, error)
	Close() error
}

type DocumentLoader interface {
	Load(ctx context.Context, name string, data []byte) ([]models.Page, error)
}

type EmbeddingService interface {
	EmbedTexts(ctx context.Context, texts []string, progress func(done int)) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
}

type AnswerGenerator interface {
	Generate(ctx context.Context, question string, chunks []models.RetrievedChunk) (models.Answer, error)
	Model() string
}
