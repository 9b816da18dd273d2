package rag

import (
	"context"

	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/models"
)

type queryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Retriever embeds a question and returns the nearest chunks. No score
// threshold is applied.
type Retriever struct {
	embed queryEmbedder
	store Store
	topK  int
}

func NewRetriever(embed queryEmbedder, store Store, topK int) *Retriever {
	return &Retriever{embed: embed, store: store, topK: topK}
}

// Retrieve falls back to the configured top k when k <= 0.
func (r *Retriever) Retrieve(ctx context.Context, question string, k int, filter models.SearchFilter) ([]models.RetrievedChunk, error) {
	if k <= 0 {
		k = r.topK
	}
	vec, err := r.embed.EmbedQuery(ctx, question)
	if err != nil {
		return nil, err
	}
	chunks, err := r.store.Search(ctx, vec, k, filter)
	if err != nil {
		return nil, err
	}
	log.Debug().Int("k", k).Str("filter", filter.DocumentName).Int("hits", len(chunks)).Msg("Retrieved chunks")
	return chunks, nil
}
