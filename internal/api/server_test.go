package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"multidoc-rag/internal/models"
	"multidoc-rag/internal/rag"
	"multidoc-rag/internal/ragerr"
)

type fakePipeline struct {
	docs       map[string]models.Document
	ingested   []byte
	lastQuery  rag.QueryRequest
	answer     models.Answer
	ingestErr  error
	queryErr   error
	healthErr  error
	panicQuery bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{docs: map[string]models.Document{}}
}

func (f *fakePipeline) Ingest(_ context.Context, name string, data []byte, _ ...rag.IngestOption) (rag.IngestResult, error) {
	if f.ingestErr != nil {
		return rag.IngestResult{}, f.ingestErr
	}
	f.ingested = data
	doc := models.Document{Name: name, Format: "txt", PageCount: 2, ChunkCount: 4, UploadedAt: time.Now()}
	f.docs[name] = doc
	return rag.IngestResult{Document: doc}, nil
}

func (f *fakePipeline) Query(_ context.Context, req rag.QueryRequest) (rag.QueryResult, error) {
	if f.panicQuery {
		panic("boom")
	}
	f.lastQuery = req
	if f.queryErr != nil {
		return rag.QueryResult{}, f.queryErr
	}
	return rag.QueryResult{Answer: f.answer, RetrievedChunks: len(f.answer.Sources)}, nil
}

func (f *fakePipeline) Delete(_ context.Context, name string) (int, error) {
	name = rag.SanitizeName(name)
	if _, ok := f.docs[name]; !ok {
		return 0, ragerr.ErrDocumentNotFound.WithReason("%s", name)
	}
	delete(f.docs, name)
	return 4, nil
}

func (f *fakePipeline) List(context.Context) ([]models.Document, error) {
	out := []models.Document{}
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakePipeline) Health(context.Context) (rag.Health, error) {
	if f.healthErr != nil {
		return rag.Health{}, f.healthErr
	}
	return rag.Health{Status: rag.StatusHealthy, Documents: len(f.docs), Chunks: 4 * len(f.docs), EmbeddingModel: "embed", LLMModel: "llm", Metric: "cosine"}, nil
}

type errorBody struct {
	Error struct {
		ID      string `json:"id"`
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
		Reason  string `json:"reason"`
	} `json:"error"`
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, field, name string, body []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, name)
	require.NoError(t, err)
	_, err = fw.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, Prefix+"/documents/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestHealth(t *testing.T) {
	s := NewServer(newFakePipeline(), 1<<20)
	w := do(t, s, httptest.NewRequest(http.MethodGet, Prefix+"/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "cosine", body["metric"])
	assert.Equal(t, "embed", body["embedding_model"])
	assert.Equal(t, "llm", body["llm_model"])
}

func TestHealthStoreDown(t *testing.T) {
	p := newFakePipeline()
	p.healthErr = ragerr.ErrStoreUnavailable.WithReason("connection refused")
	w := do(t, NewServer(p, 1<<20), httptest.NewRequest(http.MethodGet, Prefix+"/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", decodeError(t, w).Error.ID)
}

func TestUploadListDelete(t *testing.T) {
	p := newFakePipeline()
	s := NewServer(p, 1<<20)

	w := do(t, s, uploadRequest(t, "file", "doc.txt", []byte("Page1 text.\fPage2 text.")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var up uploadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &up))
	assert.Equal(t, "doc.txt", up.DocumentName)
	assert.Equal(t, 2, up.Pages)
	assert.Equal(t, 4, up.Chunks)
	assert.Equal(t, []byte("Page1 text.\fPage2 text."), p.ingested)

	w = do(t, s, httptest.NewRequest(http.MethodGet, Prefix+"/documents", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Documents []map[string]interface{} `json:"documents"`
		Total     int                      `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "doc.txt", list.Documents[0]["document_name"])

	w = do(t, s, httptest.NewRequest(http.MethodDelete, Prefix+"/documents/doc.txt", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var del deleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &del))
	assert.Equal(t, deleteResponse{DocumentName: "doc.txt", ChunksDeleted: 4, Message: "Document doc.txt deleted"}, del)

	w = do(t, s, httptest.NewRequest(http.MethodDelete, Prefix+"/documents/doc.txt", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "document_not_found", body.Error.ID)
	assert.Equal(t, "doc.txt", body.Error.Reason)
}

func TestDeleteEchoesStoredName(t *testing.T) {
	p := newFakePipeline()
	s := NewServer(p, 1<<20)

	w := do(t, s, uploadRequest(t, "file", "doc.txt", []byte("text")))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, s, httptest.NewRequest(http.MethodDelete, Prefix+"/documents/%20doc.txt%20", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var del deleteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &del))
	assert.Equal(t, "doc.txt", del.DocumentName)
	assert.Equal(t, "Document doc.txt deleted", del.Message)
}

func TestErrorReasonCarriesCause(t *testing.T) {
	p := newFakePipeline()
	s := NewServer(p, 1<<20)

	p.ingestErr = ragerr.ErrStoreUnavailable.WithReason("upsert doc.txt").WithCause(errors.New("connection refused"))
	w := do(t, s, uploadRequest(t, "file", "doc.txt", []byte("x")))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decodeError(t, w)
	assert.Equal(t, "store_unavailable", body.Error.ID)
	assert.Equal(t, ragerr.ErrStoreUnavailable.Message, body.Error.Message)
	assert.Equal(t, "upsert doc.txt: connection refused", body.Error.Reason)

	p.ingestErr = assert.AnError
	w = do(t, s, uploadRequest(t, "file", "doc.txt", []byte("x")))
	body = decodeError(t, w)
	assert.Equal(t, "internal_error", body.Error.ID)
	assert.Equal(t, assert.AnError.Error(), body.Error.Reason)
}

func TestUploadErrors(t *testing.T) {
	p := newFakePipeline()
	s := NewServer(p, 512)

	w := do(t, s, uploadRequest(t, "document", "doc.txt", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w).Error.ID)

	w = do(t, s, uploadRequest(t, "file", "big.txt", bytes.Repeat([]byte("a"), 8192)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	cases := []struct {
		err    error
		status int
		id     string
	}{
		{ragerr.ErrUnsupportedFormat.WithReason(".png"), http.StatusUnsupportedMediaType, "unsupported_format"},
		{ragerr.ErrCorruptFile, http.StatusUnprocessableEntity, "corrupt_file"},
		{ragerr.ErrEmptyDocument, http.StatusUnprocessableEntity, "empty_document"},
		{ragerr.ErrEmbeddingTimeout, http.StatusGatewayTimeout, "embedding_timeout"},
		{ragerr.ErrEmbeddingService, http.StatusBadGateway, "embedding_service_error"},
		{ragerr.ErrDocumentExists, http.StatusConflict, "document_exists"},
		{assert.AnError, http.StatusInternalServerError, "internal_error"},
	}
	s = NewServer(p, 1<<20)
	for _, tc := range cases {
		p.ingestErr = tc.err
		w := do(t, s, uploadRequest(t, "file", "doc.txt", []byte("x")))
		assert.Equal(t, tc.status, w.Code, tc.id)
		body := decodeError(t, w)
		assert.Equal(t, tc.id, body.Error.ID)
		assert.Equal(t, tc.status, body.Error.Code)
		assert.Equal(t, http.StatusText(tc.status), body.Error.Status)
	}
}

func TestQuery(t *testing.T) {
	p := newFakePipeline()
	p.answer = models.Answer{
		Text:    "Page two says Page2 text.",
		Sources: []models.Source{{DocumentName: "doc.txt", Page: 2, ChunkID: "doc.txt_p2_c0_abcd1234"}},
	}
	s := NewServer(p, 1<<20)

	req := httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":"What is on page 2?","top_k":3,"filter_document":"doc.txt"}`))
	req.Header.Set(RequestIDHeader, "req-123")
	w := do(t, s, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "req-123", w.Header().Get(RequestIDHeader))
	assert.Equal(t, rag.QueryRequest{Question: "What is on page 2?", TopK: 3, FilterDocument: "doc.txt"}, p.lastQuery)

	var body struct {
		Answer          string          `json:"answer"`
		Sources         []models.Source `json:"sources"`
		RetrievedChunks int             `json:"retrieved_chunks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, p.answer.Text, body.Answer)
	assert.Equal(t, p.answer.Sources, body.Sources)
	assert.Equal(t, 1, body.RetrievedChunks)
}

func TestQueryNoInfoHasEmptySources(t *testing.T) {
	p := newFakePipeline()
	p.answer = models.Answer{Text: models.NoInfoAnswer}
	w := do(t, NewServer(p, 1<<20), httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":"?"}`)))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"sources":[]`)
}

func TestQueryErrors(t *testing.T) {
	p := newFakePipeline()
	s := NewServer(p, 1<<20)

	w := do(t, s, httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	p.queryErr = ragerr.ErrGenerationTimeout
	w = do(t, s, httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":"q"}`)))
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, "generation_timeout", decodeError(t, w).Error.ID)

	p.queryErr = ragerr.ErrInvalidRequest.WithReason("question must not be empty")
	w = do(t, s, httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":""}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "question must not be empty", decodeError(t, w).Error.Reason)
}

func TestPanicIsRecovered(t *testing.T) {
	p := newFakePipeline()
	p.panicQuery = true
	w := do(t, NewServer(p, 1<<20), httptest.NewRequest(http.MethodPost, Prefix+"/query", strings.NewReader(`{"question":"q"}`)))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal_error", decodeError(t, w).Error.ID)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	s := NewServer(newFakePipeline(), 1<<20)

	w := do(t, s, httptest.NewRequest(http.MethodGet, Prefix+"/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, httptest.NewRequest(http.MethodGet, Prefix+"/query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
