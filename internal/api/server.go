// Package api exposes the document pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ory/herodot"
	"github.com/rs/zerolog/log"

	"multidoc-rag/internal/config"
	"multidoc-rag/internal/models"
	"multidoc-rag/internal/rag"
	"multidoc-rag/internal/ragerr"
)

const (
	Prefix    = "/api/v1"
	formField = "file"
	// multipart parts beyond this are spilled to temp files
	maxMemory = 8 << 20
)

// Pipeline is what the HTTP layer needs from rag.RAG.
type Pipeline interface {
	Ingest(ctx context.Context, name string, data []byte, opts ...rag.IngestOption) (rag.IngestResult, error)
	Query(ctx context.Context, req rag.QueryRequest) (rag.QueryResult, error)
	Delete(ctx context.Context, name string) (int, error)
	List(ctx context.Context) ([]models.Document, error)
	Health(ctx context.Context) (rag.Health, error)
}

type Server struct {
	router    *mux.Router
	pipeline  Pipeline
	writer    *herodot.JSONWriter
	maxUpload int64
}

type uploadResponse struct {
	DocumentName string `json:"document_name"`
	Format       string `json:"format"`
	Pages        int    `json:"pages"`
	Chunks       int    `json:"chunks"`
	Message      string `json:"message"`
}

type listResponse struct {
	Documents []models.Document `json:"documents"`
	Total     int               `json:"total"`
}

type deleteResponse struct {
	DocumentName  string `json:"document_name"`
	ChunksDeleted int    `json:"chunks_deleted"`
	Message       string `json:"message"`
}

type queryResponse struct {
	Answer          string          `json:"answer"`
	Sources         []models.Source `json:"sources"`
	RetrievedChunks int             `json:"retrieved_chunks"`
}

func NewServer(pipeline Pipeline, maxUploadBytes int64) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		pipeline:  pipeline,
		writer:    herodot.NewJSONWriter(nil),
		maxUpload: maxUploadBytes,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(loggingMiddleware)
	s.router.Use(s.recoverMiddleware)

	v1 := s.router.PathPrefix(Prefix).Subrouter()
	v1.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet)
	v1.HandleFunc("/documents/upload", s.uploadDocument).Methods(http.MethodPost)
	v1.HandleFunc("/documents", s.listDocuments).Methods(http.MethodGet)
	v1.HandleFunc("/documents/{name}", s.deleteDocument).Methods(http.MethodDelete)
	v1.HandleFunc("/query", s.queryDocuments).Methods(http.MethodPost)

	s.router.NotFoundHandler = requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writer.WriteError(w, r, herodot.ErrNotFound.WithReasonf("no route for %s %s", r.Method, r.URL.Path))
	}))
	s.router.MethodNotAllowedHandler = requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writer.WriteError(w, r, &herodot.DefaultError{
			IDField:     "method_not_allowed",
			CodeField:   http.StatusMethodNotAllowed,
			StatusField: http.StatusText(http.StatusMethodNotAllowed),
			ErrorField:  "Method not allowed",
			ReasonField: fmt.Sprintf("%s is not allowed on %s", r.Method, r.URL.Path),
		})
	}))
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	h, err := s.pipeline.Health(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writer.Write(w, r, &h)
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	if s.maxUpload > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	}
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writer.WriteError(w, r, &herodot.DefaultError{
				IDField:     "payload_too_large",
				CodeField:   http.StatusRequestEntityTooLarge,
				StatusField: http.StatusText(http.StatusRequestEntityTooLarge),
				ErrorField:  "The uploaded file is too large",
				ReasonField: fmt.Sprintf("limit is %d bytes", tooLarge.Limit),
				RIDField:    RequestID(r.Context()),
			})
			return
		}
		s.writeError(w, r, ragerr.ErrInvalidRequest.WithReason("expected a multipart form with a %q field", formField).WithCause(err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(formField)
	if err != nil {
		s.writeError(w, r, ragerr.ErrInvalidRequest.WithReason("missing %q field", formField).WithCause(err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeError(w, r, ragerr.ErrInvalidRequest.WithReason("failed to read upload").WithCause(err))
		return
	}

	res, err := s.pipeline.Ingest(r.Context(), header.Filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	doc := res.Document
	s.writer.WriteCreated(w, r, Prefix+"/documents", &uploadResponse{
		DocumentName: doc.Name,
		Format:       doc.Format,
		Pages:        doc.PageCount,
		Chunks:       doc.ChunkCount,
		Message:      fmt.Sprintf("Document %s processed into %d chunks", doc.Name, doc.ChunkCount),
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.pipeline.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writer.Write(w, r, &listResponse{Documents: docs, Total: len(docs)})
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	n, err := s.pipeline.Delete(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	name = rag.SanitizeName(name)
	s.writer.Write(w, r, &deleteResponse{
		DocumentName:  name,
		ChunksDeleted: n,
		Message:       fmt.Sprintf("Document %s deleted", name),
	})
}

func (s *Server) queryDocuments(w http.ResponseWriter, r *http.Request) {
	var req rag.QueryRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, ragerr.ErrInvalidRequest.WithReason("invalid request body").WithCause(err))
		return
	}

	res, err := s.pipeline.Query(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sources := res.Answer.Sources
	if sources == nil {
		sources = []models.Source{}
	}
	s.writer.Write(w, r, &queryResponse{
		Answer:          res.Answer.Text,
		Sources:         sources,
		RetrievedChunks: res.RetrievedChunks,
	})
}

// writeError renders err as a herodot error carrying its ragerr code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := ragerr.As(err)
	if !ok {
		e = ragerr.ErrInternal.WithCause(err)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	reason := e.Reason
	if cause := e.Cause(); cause != nil {
		if reason != "" {
			reason += ": "
		}
		reason += cause.Error()
	}

	evt := log.Warn()
	if status >= http.StatusInternalServerError {
		evt = log.Error()
	}
	evt.Err(err).Str("request_id", RequestID(r.Context())).Str("code", e.Code).Int("status", status).Msg("Request failed")

	s.writer.WriteError(w, r, &herodot.DefaultError{
		IDField:     e.Code,
		CodeField:   status,
		StatusField: http.StatusText(status),
		ErrorField:  e.Message,
		ReasonField: reason,
		RIDField:    RequestID(r.Context()),
	})
}
