package models

import "time"

// Document is the catalogue entry for an uploaded file.
type Document struct {
	Name       string    `json:"document_name"`
	Format     string    `json:"format"`
	PageCount  int       `json:"pages"`
	ChunkCount int       `json:"chunks"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Page is the text of one page. IsSection marks pages whose number is an
// estimate (e.g. paragraph grouping) rather than a rendered page.
type Page struct {
	Number    int    `json:"page"`
	Text      string `json:"text"`
	IsSection bool   `json:"is_section"`
}

// Chunk represents a parsed chunk with metadata
type Chunk struct {
	ID           string `json:"chunk_id"`
	DocumentName string `json:"document_name"`
	Page         int    `json:"page"`
	Index        int    `json:"index"`
	Content      string `json:"content"`
	IsSection    bool   `json:"is_section"`
}

type EmbeddedChunk struct {
	Chunk
	Embedding []float32 `json:"-"`
}

// RetrievedChunk is a search hit. Score is a similarity, higher is closer.
type RetrievedChunk struct {
	Chunk
	Score float32 `json:"score"`
}

type Source struct {
	DocumentName string `json:"document_name"`
	Page         int    `json:"page"`
	ChunkID      string `json:"chunk_id"`
	IsSection    bool   `json:"is_section"`
}

// SourceFromChunk builds a citation from a retrieved chunk's own metadata.
func SourceFromChunk(c Chunk) Source {
	return Source{
		DocumentName: c.DocumentName,
		Page:         c.Page,
		ChunkID:      c.ID,
		IsSection:    c.IsSection,
	}
}

type Answer struct {
	Text    string   `json:"answer"`
	Sources []Source `json:"sources"`
}

// NoInfo is the answer given when the retrieved context cannot answer.
func NoInfo() Answer {
	return Answer{Text: NoInfoAnswer, Sources: []Source{}}
}
