// Package chunker splits page text into overlapping fixed-size windows.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

const idHashLen = 8

// Chunker cuts pages into windows of Size runes, consecutive windows of a
// page sharing Overlap runes. Windows never cross a page boundary.
type Chunker struct {
	size    int
	overlap int
}

func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, ragerr.ErrConfiguration.WithReason("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, ragerr.ErrConfiguration.WithReason("chunk overlap must be in [0, %d), got %d", size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

func (c *Chunker) Size() int    { return c.size }
func (c *Chunker) Overlap() int { return c.overlap }

// Split chunks every page of docName in order. The chunk index restarts at
// zero on each page.
func (c *Chunker) Split(docName string, pages []models.Page) []models.Chunk {
	var chunks []models.Chunk
	for _, page := range pages {
		for i, content := range c.windows(page.Text) {
			chunks = append(chunks, models.Chunk{
				ID:           ChunkID(docName, page.Number, i, content),
				DocumentName: docName,
				Page:         page.Number,
				Index:        i,
				Content:      content,
				IsSection:    page.IsSection,
			})
		}
	}
	return chunks
}

func (c *Chunker) windows(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	runes := []rune(text)
	n := len(runes)
	step := c.size - c.overlap

	var out []string
	for start := 0; ; start += step {
		end := min(start+c.size, n)
		out = append(out, string(runes[start:end]))
		if end == n {
			break
		}
	}
	return out
}

// ChunkID is deterministic in its inputs. The content hash keeps ids of
// re-uploaded documents stable while telling apart edited chunks.
func ChunkID(docName string, page, index int, content string) string {
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s_p%d_c%d_%s", docName, page, index, hex.EncodeToString(sum[:])[:idHashLen])
}

// Reassemble rebuilds page text from a page's chunks in index order by
// dropping the overlapped prefix of every chunk after the first.
func Reassemble(chunks []models.Chunk, overlap int) string {
	var b strings.Builder
	for i, ch := range chunks {
		if i == 0 {
			b.WriteString(ch.Content)
			continue
		}
		r := []rune(ch.Content)
		if overlap < len(r) {
			b.WriteString(string(r[overlap:]))
		}
	}
	return b.String()
}
