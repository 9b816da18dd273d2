// Package db is the Postgres/pgvector chunk store, built on bun.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

const (
	backendName   = "postgres"
	metaMetric    = "metric"
	metaDimension = "dimension"
)

type Document struct {
	bun.BaseModel `bun:"table:rag_documents,alias:d"`
	Name          string    `bun:"name,pk"`
	Format        string    `bun:"format,notnull"`
	Pages         int       `bun:"pages,notnull"`
	Chunks        int       `bun:"chunks,notnull"`
	UploadedAt    time.Time `bun:"uploaded_at,notnull"`
}

// Chunk rows are created by ensureChunkTable, since the vector column's
// dimension is only known once the first embeddings arrive.
type Chunk struct {
	bun.BaseModel `bun:"table:rag_chunks,alias:c"`
	ID            string          `bun:"id,pk"`
	DocumentName  string          `bun:"document_name,notnull"`
	Page          int             `bun:"page,notnull"`
	ChunkIndex    int             `bun:"chunk_index,notnull"`
	Content       string          `bun:"content,notnull"`
	IsSection     bool            `bun:"is_section,notnull"`
	Embedding     pgvector.Vector `bun:"embedding,type:vector"`
	Score         float32         `bun:"score,scanonly"`
}

type StoreMeta struct {
	bun.BaseModel `bun:"table:rag_store_meta,alias:m"`
	Key           string `bun:"key,pk"`
	Value         string `bun:"value,notnull"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

func ConnectDB(dsn string) *sql.DB {
	return sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
}

// Store keeps documents, chunks and store metadata in three tables. A
// document and its chunks are always written and removed in one
// transaction.
type Store struct {
	db *bun.DB

	mu  sync.Mutex
	dim int
}

// NewStore connects to dsn and creates the tables that do not depend on
// the embedding dimension.
func NewStore(ctx context.Context, dsn string, debug bool) (*Store, error) {
	db := NewDB(ConnectDB(dsn), debug)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ragerr.ErrStoreUnavailable.WithReason("connect to postgres").WithCause(err)
	}
	s := &Store{db: db}
	if err := s.InitDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) InitDB(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to create vector extension").WithCause(err)
	}
	for _, model := range []interface{}{(*Document)(nil), (*StoreMeta)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("failed to create table").WithCause(err)
		}
	}
	metric, ok, err := s.storedMeta(ctx, metaMetric)
	if err != nil {
		return err
	}
	if ok && metric != models.MetricCosine {
		return ragerr.ErrStoreUnavailable.WithReason("stored metric %q is not %s, reindex required", metric, models.MetricCosine)
	}
	dim, err := s.storedDimension(ctx)
	if err != nil {
		return err
	}
	s.dim = dim
	log.Debug().Int("dimension", dim).Msg("Postgres store ready")
	return nil
}

func (s *Store) storedMeta(ctx context.Context, key string) (string, bool, error) {
	var meta StoreMeta
	err := s.db.NewSelect().Model(&meta).Where("key = ?", key).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return meta.Value, true, nil
}

func (s *Store) storedDimension(ctx context.Context) (int, error) {
	value, ok, err := s.storedMeta(ctx, metaDimension)
	if err != nil || !ok {
		return 0, err
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithReason("bad stored dimension %q", value)
	}
	return dim, nil
}

// ensureChunkTable creates the chunk table for dim-sized vectors on first
// use and rejects vectors of any other size afterwards.
func (s *Store) ensureChunkTable(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim != 0 {
		if s.dim != dim {
			return ragerr.ErrStoreUnavailable.WithReason("embedding dimension %d does not match store dimension %d, reindex required", dim, s.dim)
		}
		return nil
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rag_chunks (
			id TEXT PRIMARY KEY,
			document_name TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_section BOOLEAN NOT NULL DEFAULT FALSE,
			embedding vector(%d) NOT NULL
		)`, dim)
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS rag_chunks_document_idx ON rag_chunks (document_name)"); err != nil {
			return err
		}
		meta := []StoreMeta{
			{Key: metaMetric, Value: models.MetricCosine},
			{Key: metaDimension, Value: strconv.Itoa(dim)},
		}
		_, err := tx.NewInsert().Model(&meta).On("CONFLICT (key) DO UPDATE").Set("value = EXCLUDED.value").Exec(ctx)
		return err
	})
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to create chunk table").WithCause(err)
	}
	s.dim = dim
	return nil
}

func (s *Store) dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dim
}

func (s *Store) Upsert(ctx context.Context, doc models.Document, chunks []models.EmbeddedChunk) error {
	if len(chunks) > 0 {
		if err := s.ensureChunkTable(ctx, len(chunks[0].Embedding)); err != nil {
			return err
		}
	}
	hasChunks := s.dimension() != 0

	rows := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if len(c.Embedding) != len(chunks[0].Embedding) {
			return ragerr.ErrEmbeddingService.WithReason("chunk %s has dimension %d", c.ID, len(c.Embedding))
		}
		rows[i] = Chunk{
			ID:           c.ID,
			DocumentName: c.DocumentName,
			Page:         c.Page,
			ChunkIndex:   c.Index,
			Content:      c.Content,
			IsSection:    c.IsSection,
			Embedding:    pgvector.NewVector(c.Embedding),
		}
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if hasChunks {
			if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("document_name = ?", doc.Name).Exec(ctx); err != nil {
				return err
			}
		}
		if len(rows) > 0 {
			_, err := tx.NewInsert().Model(&rows).
				Column("id", "document_name", "page", "chunk_index", "content", "is_section", "embedding").
				On("CONFLICT (id) DO UPDATE").
				Set("content = EXCLUDED.content").
				Set("embedding = EXCLUDED.embedding").
				Exec(ctx)
			if err != nil {
				return err
			}
		}
		row := &Document{
			Name:       doc.Name,
			Format:     doc.Format,
			Pages:      doc.PageCount,
			Chunks:     doc.ChunkCount,
			UploadedAt: doc.UploadedAt.UTC(),
		}
		_, err := tx.NewInsert().Model(row).
			On("CONFLICT (name) DO UPDATE").
			Set("format = EXCLUDED.format").
			Set("pages = EXCLUDED.pages").
			Set("chunks = EXCLUDED.chunks").
			Set("uploaded_at = EXCLUDED.uploaded_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("upsert %s", doc.Name).WithCause(err)
	}
	return nil
}

// Search ranks chunks by cosine distance; the returned score is
// 1 - distance.
func (s *Store) Search(ctx context.Context, vec []float32, k int, filter models.SearchFilter) ([]models.RetrievedChunk, error) {
	out := []models.RetrievedChunk{}
	dim := s.dimension()
	if k <= 0 || dim == 0 {
		return out, nil
	}
	if len(vec) != dim {
		return nil, ragerr.ErrStoreUnavailable.WithReason("query dimension %d does not match store dimension %d, reindex required", len(vec), dim)
	}

	qv := pgvector.NewVector(vec)
	var rows []Chunk
	q := s.db.NewSelect().
		Model(&rows).
		Column("id", "document_name", "page", "chunk_index", "content", "is_section").
		ColumnExpr("1 - (embedding <=> ?) AS score", qv).
		OrderExpr("embedding <=> ?", qv).
		Limit(k)
	if filter.DocumentName != "" {
		q = q.Where("document_name = ?", filter.DocumentName)
	}
	if err := q.Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to query by similarity").WithCause(err)
	}

	for _, r := range rows {
		out = append(out, models.RetrievedChunk{
			Chunk: models.Chunk{
				ID:           r.ID,
				DocumentName: r.DocumentName,
				Page:         r.Page,
				Index:        r.ChunkIndex,
				Content:      r.Content,
				IsSection:    r.IsSection,
			},
			Score: r.Score,
		})
	}
	return out, nil
}

func (s *Store) DeleteByDocument(ctx context.Context, name string) (int, error) {
	var deleted int
	hasChunks := s.dimension() != 0
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if hasChunks {
			res, err := tx.NewDelete().Model((*Chunk)(nil)).Where("document_name = ?", name).Exec(ctx)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			deleted = int(n)
		}
		_, err := tx.NewDelete().Model((*Document)(nil)).Where("name = ?", name).Exec(ctx)
		return err
	})
	if err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithReason("delete %s", name).WithCause(err)
	}
	return deleted, nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	var rows []Document
	if err := s.db.NewSelect().Model(&rows).Order("name ASC").Scan(ctx); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to list documents").WithCause(err)
	}
	docs := make([]models.Document, len(rows))
	for i, r := range rows {
		docs[i] = r.toModel()
	}
	return docs, nil
}

func (s *Store) GetDocument(ctx context.Context, name string) (models.Document, error) {
	var row Document
	err := s.db.NewSelect().Model(&row).Where("name = ?", name).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ragerr.ErrDocumentNotFound.WithReason("%s", name)
	}
	if err != nil {
		return models.Document{}, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return row.toModel(), nil
}

func (r Document) toModel() models.Document {
	return models.Document{
		Name:       r.Name,
		Format:     r.Format,
		PageCount:  r.Pages,
		ChunkCount: r.Chunks,
		UploadedAt: r.UploadedAt,
	}
}

func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	stats := models.StoreStats{Backend: backendName, Metric: models.MetricCosine}
	docs, err := s.db.NewSelect().Model((*Document)(nil)).Count(ctx)
	if err != nil {
		return stats, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	stats.Documents = docs
	if s.dimension() != 0 {
		chunks, err := s.db.NewSelect().Model((*Chunk)(nil)).Count(ctx)
		if err != nil {
			return stats, ragerr.ErrStoreUnavailable.WithCause(err)
		}
		stats.Chunks = chunks
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DropTables removes every table the store owns.
func (s *Store) DropTables(ctx context.Context) error {
	for _, model := range []interface{}{(*Chunk)(nil), (*Document)(nil), (*StoreMeta)(nil)} {
		if _, err := s.db.NewDropTable().Model(model).IfExists().Exec(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.dim = 0
	s.mu.Unlock()
	return nil
}
