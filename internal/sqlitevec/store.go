// Package sqlitevec is a single-file chunk store on SQLite with the
// sqlite-vec extension.
package sqlitevec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/ragerr"
)

func init() {
	sqlite_vec.Auto()
}

const (
	backendName = "sqlite"

	initialMultiplier = 2
	growthFactor      = 2
	maxAttempts       = 10
	// vec0 refuses larger k
	maxKNN = 4096
)

// Store keeps document and chunk rows in ordinary tables and the vectors
// in a vec0 virtual table keyed by chunk id.
type Store struct {
	db *sql.DB

	mu  sync.Mutex
	dim int
}

func NewStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to open database").WithCause(err)
	}
	// one writer at a time, and in-memory databases live per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to connect to database").WithCause(err)
	}

	s := &Store{db: db}
	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initDB(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			format TEXT NOT NULL,
			pages INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			uploaded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_name TEXT NOT NULL,
			page INTEGER NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			is_section INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS chunks_document_idx ON chunks (document_name)`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, q := range ddl {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("failed to create tables").WithCause(err)
		}
	}

	metric, ok, err := s.readMeta(ctx, "metric")
	if err != nil {
		return err
	}
	if ok && metric != models.MetricCosine {
		return ragerr.ErrStoreUnavailable.WithReason("stored metric %q is not %s, reindex required", metric, models.MetricCosine)
	}
	value, ok, err := s.readMeta(ctx, "dimension")
	if err != nil {
		return err
	}
	if ok {
		if s.dim, err = strconv.Atoi(value); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("bad stored dimension %q", value)
		}
	}

	var version string
	if err := s.db.QueryRowContext(ctx, "SELECT vec_version()").Scan(&version); err == nil {
		log.Debug().Str("vec_version", version).Int("dimension", s.dim).Msg("SQLite store ready")
	}
	return nil
}

func (s *Store) readMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_meta WHERE key = ?`, key).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", false, nil
	case err != nil:
		return "", false, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return value, true, nil
}

// ensureVecTable creates the vec0 table the first time vectors arrive and
// pins the store to their dimension.
func (s *Store) ensureVecTable(ctx context.Context, dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dim != 0 {
		if s.dim != dim {
			return ragerr.ErrStoreUnavailable.WithReason("embedding dimension %d does not match store dimension %d, reindex required", dim, s.dim)
		}
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	vecQuery := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
		id TEXT PRIMARY KEY,
		embedding FLOAT[%d] distance_metric=cosine
	)`, dim)
	if _, err := tx.ExecContext(ctx, vecQuery); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to create vec_chunks table").WithCause(err)
	}
	meta := `INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := tx.ExecContext(ctx, meta, "metric", models.MetricCosine); err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}
	if _, err := tx.ExecContext(ctx, meta, "dimension", strconv.Itoa(dim)); err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
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
		if err := s.ensureVecTable(ctx, len(chunks[0].Embedding)); err != nil {
			return err
		}
	}
	hasVectors := s.dimension() != 0

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ragerr.ErrStoreUnavailable.WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := deleteDocument(ctx, tx, doc.Name, hasVectors); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("upsert %s", doc.Name).WithCause(err)
	}

	for _, c := range chunks {
		if len(c.Embedding) != s.dimension() {
			return ragerr.ErrStoreUnavailable.WithReason("chunk %s has dimension %d, store has %d", c.ID, len(c.Embedding), s.dimension())
		}
		blob, err := sqlite_vec.SerializeFloat32(c.Embedding)
		if err != nil {
			return ragerr.ErrStoreUnavailable.WithCause(err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, document_name, page, chunk_index, content, is_section) VALUES (?, ?, ?, ?, ?, ?)`,
			c.ID, c.DocumentName, c.Page, c.Index, c.Content, c.IsSection); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("failed to insert chunk %s", c.ID).WithCause(err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO vec_chunks (id, embedding) VALUES (?, ?)`, c.ID, blob); err != nil {
			return ragerr.ErrStoreUnavailable.WithReason("failed to insert vector %s", c.ID).WithCause(err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (name, format, pages, chunks, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		doc.Name, doc.Format, doc.PageCount, doc.ChunkCount, doc.UploadedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to insert document %s", doc.Name).WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return ragerr.ErrStoreUnavailable.WithReason("failed to commit transaction").WithCause(err)
	}
	return nil
}

// deleteDocument removes the document row, its chunks and their vectors,
// returning the number of chunks removed.
func deleteDocument(ctx context.Context, tx *sql.Tx, name string, hasVectors bool) (int64, error) {
	if hasVectors {
		// vec0 does not support UPDATE or joins in DELETE, so go through ids
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM vec_chunks WHERE id IN (SELECT id FROM chunks WHERE document_name = ?)`, name); err != nil {
			return 0, err
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_name = ?`, name)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE name = ?`, name); err != nil {
		return 0, err
	}
	return n, nil
}

// Search runs a KNN query and, when filtering by document, widens the
// candidate pool until k matches are found or the table is exhausted.
func (s *Store) Search(ctx context.Context, vec []float32, k int, filter models.SearchFilter) ([]models.RetrievedChunk, error) {
	dim := s.dimension()
	if k <= 0 || dim == 0 {
		return []models.RetrievedChunk{}, nil
	}
	if len(vec) != dim {
		return nil, ragerr.ErrStoreUnavailable.WithReason("query dimension %d does not match store dimension %d, reindex required", len(vec), dim)
	}
	blob, err := sqlite_vec.SerializeFloat32(vec)
	if err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithCause(err)
	}

	if filter.DocumentName == "" {
		return s.knn(ctx, blob, min(k, maxKNN))
	}
	return s.searchFiltered(ctx, blob, k, filter.DocumentName, initialMultiplier, 0)
}

func (s *Store) searchFiltered(ctx context.Context, blob []byte, k int, name string, multiplier, attempt int) ([]models.RetrievedChunk, error) {
	candidateCount := min(k*multiplier, maxKNN)
	candidates, err := s.knn(ctx, blob, candidateCount)
	if err != nil {
		return nil, err
	}

	out := make([]models.RetrievedChunk, 0, k)
	for _, c := range candidates {
		if c.DocumentName != name {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}

	if len(out) >= k || len(candidates) < candidateCount || candidateCount == maxKNN {
		return out, nil
	}
	if attempt+1 >= maxAttempts {
		log.Warn().Int("found", len(out)).Int("k", k).Msg("Filtered search gave up widening, returning partial results")
		return out, nil
	}
	log.Debug().Int("found", len(out)).Int("k", k).Int("candidates", candidateCount).Msg("Widening filtered search")
	return s.searchFiltered(ctx, blob, k, name, multiplier*growthFactor, attempt+1)
}

func (s *Store) knn(ctx context.Context, blob []byte, k int) ([]models.RetrievedChunk, error) {
	// k must be part of the MATCH constraint for vec0
	query := `
		SELECT c.id, c.document_name, c.page, c.chunk_index, c.content, c.is_section, v.distance
		FROM vec_chunks v
		JOIN chunks c ON c.id = v.id
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance`

	rows, err := s.db.QueryContext(ctx, query, blob, k)
	if err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to perform vector search").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	out := []models.RetrievedChunk{}
	for rows.Next() {
		var (
			c        models.Chunk
			distance float64
		)
		if err := rows.Scan(&c.ID, &c.DocumentName, &c.Page, &c.Index, &c.Content, &c.IsSection, &distance); err != nil {
			return nil, ragerr.ErrStoreUnavailable.WithCause(err)
		}
		out = append(out, models.RetrievedChunk{Chunk: c, Score: float32(1 - distance)})
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithReason("error iterating results").WithCause(err)
	}
	return out, nil
}

func (s *Store) DeleteByDocument(ctx context.Context, name string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	defer func() { _ = tx.Rollback() }()

	n, err := deleteDocument(ctx, tx, name, s.dimension() != 0)
	if err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithReason("delete %s", name).WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return 0, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return int(n), nil
}

func (s *Store) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, format, pages, chunks, uploaded_at FROM documents ORDER BY name`)
	if err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithReason("failed to list documents").WithCause(err)
	}
	defer func() { _ = rows.Close() }()

	docs := []models.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return docs, nil
}

func (s *Store) GetDocument(ctx context.Context, name string) (models.Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, format, pages, chunks, uploaded_at FROM documents WHERE name = ?`, name)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Document{}, ragerr.ErrDocumentNotFound.WithReason("%s", name)
	}
	return d, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(r scanner) (models.Document, error) {
	var (
		d        models.Document
		uploaded string
	)
	if err := r.Scan(&d.Name, &d.Format, &d.PageCount, &d.ChunkCount, &uploaded); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return d, err
		}
		return d, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	d.UploadedAt, _ = time.Parse(time.RFC3339Nano, uploaded)
	return d, nil
}

func (s *Store) Stats(ctx context.Context) (models.StoreStats, error) {
	stats := models.StoreStats{Backend: backendName, Metric: models.MetricCosine}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&stats.Documents); err != nil {
		return stats, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&stats.Chunks); err != nil {
		return stats, ragerr.ErrStoreUnavailable.WithCause(err)
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
