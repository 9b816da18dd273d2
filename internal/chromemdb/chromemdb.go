package chromemdb

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

const (
	catalogSuffix = "_catalog"

	metaDocument  = "document_name"
	metaPage      = "page"
	metaIndex     = "index"
	metaSection   = "is_section"
	metaFormat    = "format"
	metaPages     = "pages"
	metaChunks    = "chunks"
	metaUploaded  = "uploaded_at"
	backendName   = "chromem"
	maxQueryTries = 3
)

// catalog records carry no meaningful vector; chromem only needs one.
var catalogVector = []float32{1}

// VectorDBManager stores chunks in one chromem collection and the
// document catalogue in a second one. A document's catalogue record is
// written after its chunks and removed before them, and searches only
// return chunks of catalogued documents, so a document being written is
// never visible half way.
type VectorDBManager struct {
	db       *chromem.DB
	chunks   *chromem.Collection
	catalog  *chromem.Collection
	dbPath   string
	compress bool
	name     string
}

// NewVectorDBManager opens (or creates) the persistent database at dbPath,
// or an in-memory one when inMemory is set.
func NewVectorDBManager(dbPath, collectionName string, inMemory, compress bool) (*VectorDBManager, error) {
	var (
		db  *chromem.DB
		err error
	)
	if inMemory {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(dbPath, compress)
		if err != nil {
			return nil, ragerr.ErrStoreUnavailable.WithReason("open chromem database %s", dbPath).WithCause(err)
		}
	}

	m := &VectorDBManager{
		db:       db,
		dbPath:   dbPath,
		compress: compress,
		name:     collectionName,
	}
	if err := m.openCollections(); err != nil {
		return nil, err
	}
	log.Debug().Str("path", dbPath).Bool("in_memory", inMemory).Str("collection", collectionName).Msg("Opened chromem store")
	return m, nil
}

func (m *VectorDBManager) openCollections() error {
	meta := map[string]string{"metric": models.MetricCosine}
	c, err := m.db.GetOrCreateCollection(m.name, meta, nil)
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to create/get collection %s", m.name).WithCause(err)
	}
	cat, err := m.db.GetOrCreateCollection(m.name+catalogSuffix, meta, nil)
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to create/get collection %s", m.name+catalogSuffix).WithCause(err)
	}
	m.chunks, m.catalog = c, cat
	return nil
}

// Upsert replaces every chunk of doc with chunks.
func (m *VectorDBManager) Upsert(ctx context.Context, doc models.Document, chunks []models.EmbeddedChunk) error {
	if err := m.catalog.Delete(ctx, map[string]string{metaDocument: doc.Name}, nil); err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}
	if err := m.chunks.Delete(ctx, map[string]string{metaDocument: doc.Name}, nil); err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}

	if len(chunks) > 0 {
		docs := make([]chromem.Document, len(chunks))
		for i, c := range chunks {
			docs[i] = chromem.Document{
				ID:      c.ID,
				Content: c.Content,
				Metadata: map[string]string{
					metaDocument: c.DocumentName,
					metaPage:     strconv.Itoa(c.Page),
					metaIndex:    strconv.Itoa(c.Index),
					metaSection:  strconv.FormatBool(c.IsSection),
				},
				Embedding: c.Embedding,
			}
		}
		if err := m.chunks.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("failed to add chunks").WithCause(err)
		}
	}

	record := chromem.Document{
		ID:      doc.Name,
		Content: doc.Name,
		Metadata: map[string]string{
			metaDocument: doc.Name,
			metaFormat:   doc.Format,
			metaPages:    strconv.Itoa(doc.PageCount),
			metaChunks:   strconv.Itoa(doc.ChunkCount),
			metaUploaded: doc.UploadedAt.UTC().Format(time.RFC3339Nano),
		},
		Embedding: catalogVector,
	}
	if err := m.catalog.AddDocument(ctx, record); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to add catalog record").WithCause(err)
	}
	return nil
}

// Search returns up to k chunks of catalogued documents, most similar first.
func (m *VectorDBManager) Search(ctx context.Context, vec []float32, k int, filter models.SearchFilter) ([]models.RetrievedChunk, error) {
	if k <= 0 || len(vec) == 0 {
		return []models.RetrievedChunk{}, nil
	}

	visible, err := m.catalogNames(ctx)
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return []models.RetrievedChunk{}, nil
	}
	var where map[string]string
	if filter.DocumentName != "" {
		if !visible[filter.DocumentName] {
			return []models.RetrievedChunk{}, nil
		}
		where = map[string]string{metaDocument: filter.DocumentName}
	}

	// over-fetch while chunks of uncatalogued documents crowd out results
	n := k
	for {
		results, total, err := m.query(ctx, vec, n, where)
		if err != nil {
			return nil, err
		}
		out := make([]models.RetrievedChunk, 0, k)
		for _, r := range results {
			if !visible[r.Metadata[metaDocument]] {
				continue
			}
			out = append(out, toRetrieved(r))
			if len(out) == k {
				break
			}
		}
		if len(out) == k || n >= total {
			return out, nil
		}
		n *= 2
	}
}

// query clamps nResults to the collection size, which chromem requires.
// The size is re-read if a concurrent delete shrank it in between.
func (m *VectorDBManager) query(ctx context.Context, vec []float32, n int, where map[string]string) ([]chromem.Result, int, error) {
	var lastErr error
	for try := 0; try < maxQueryTries; try++ {
		total := m.chunks.Count()
		if total == 0 {
			return nil, 0, nil
		}
		res, err := m.chunks.QueryWithOptions(ctx, chromem.QueryOptions{
			QueryEmbedding: vec,
			NResults:       min(n, total),
			Where:          where,
		})
		if err == nil {
			return res, total, nil
		}
		lastErr = err
		if !strings.Contains(err.Error(), "nResults") {
			break
		}
	}
	return nil, 0, ragerr.ErrStoreUnavailable.WithReason("failed to query by similarity").WithCause(lastErr)
}

func toRetrieved(r chromem.Result) models.RetrievedChunk {
	page, _ := strconv.Atoi(r.Metadata[metaPage])
	idx, _ := strconv.Atoi(r.Metadata[metaIndex])
	section, _ := strconv.ParseBool(r.Metadata[metaSection])
	return models.RetrievedChunk{
		Chunk: models.Chunk{
			ID:           r.ID,
			DocumentName: r.Metadata[metaDocument],
			Page:         page,
			Index:        idx,
			Content:      r.Content,
			IsSection:    section,
		},
		Score: r.Similarity,
	}
}

// DeleteByDocument removes the document and returns how many chunks it had.
// Deleting an unknown document is a no-op.
func (m *VectorDBManager) DeleteByDocument(ctx context.Context, name string) (int, error) {
	before := m.chunks.Count()
	if err := m.catalog.Delete(ctx, map[string]string{metaDocument: name}, nil); err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	if err := m.chunks.Delete(ctx, map[string]string{metaDocument: name}, nil); err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return max(before-m.chunks.Count(), 0), nil
}

func (m *VectorDBManager) ListDocuments(ctx context.Context) ([]models.Document, error) {
	total := m.catalog.Count()
	if total == 0 {
		return []models.Document{}, nil
	}
	res, err := m.catalog.QueryWithOptions(ctx, chromem.QueryOptions{
		QueryEmbedding: catalogVector,
		NResults:       total,
	})
	if err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to list documents").WithCause(err)
	}
	docs := make([]models.Document, 0, len(res))
	for _, r := range res {
		docs = append(docs, toDocument(r.ID, r.Metadata))
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	return docs, nil
}

func (m *VectorDBManager) GetDocument(ctx context.Context, name string) (models.Document, error) {
	d, err := m.catalog.GetByID(ctx, name)
	if err != nil {
		return models.Document{}, ragerr.ErrDocumentNotFound.WithReason("%s", name)
	}
	return toDocument(d.ID, d.Metadata), nil
}

func (m *VectorDBManager) catalogNames(ctx context.Context) (map[string]bool, error) {
	docs, err := m.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]bool, len(docs))
	for _, d := range docs {
		names[d.Name] = true
	}
	return names, nil
}

func toDocument(id string, meta map[string]string) models.Document {
	pages, _ := strconv.Atoi(meta[metaPages])
	chunks, _ := strconv.Atoi(meta[metaChunks])
	uploaded, _ := time.Parse(time.RFC3339Nano, meta[metaUploaded])
	return models.Document{
		Name:       id,
		Format:     meta[metaFormat],
		PageCount:  pages,
		ChunkCount: chunks,
		UploadedAt: uploaded,
	}
}

func (m *VectorDBManager) Stats(ctx context.Context) (models.StoreStats, error) {
	return models.StoreStats{
		Backend:   backendName,
		Metric:    models.MetricCosine,
		Documents: m.catalog.Count(),
		Chunks:    m.chunks.Count(),
	}, nil
}

// Close is a no-op: a persistent chromem database writes every change
// through to disk as it happens.
func (m *VectorDBManager) Close() error {
	return nil
}

// Export writes both collections to an encrypted backup file.
func (m *VectorDBManager) Export(filePath, encryptionKey string) error {
	if encryptionKey == "" {
		return ragerr.ErrConfiguration.WithReason("encryption key is required")
	}
	if filePath == "" {
		return ragerr.ErrConfiguration.WithReason("export path is required")
	}

	log.Debug().Str("file", filePath).Bool("compress", m.compress).Msg("Exporting chromem store")
	if err := m.db.ExportToFile(filePath, m.compress, encryptionKey, m.name, m.name+catalogSuffix); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	return nil
}

// Import restores both collections from a backup written by Export.
func (m *VectorDBManager) Import(filePath, encryptionKey string) error {
	if encryptionKey == "" {
		return ragerr.ErrConfiguration.WithReason("encryption key is required")
	}
	if err := m.db.ImportFromFile(filePath, encryptionKey, m.name, m.name+catalogSuffix); err != nil {
		return fmt.Errorf("failed to import database: %w", err)
	}
	return m.openCollections()
}
