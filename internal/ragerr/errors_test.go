package ragerr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesAncestors(t *testing.T) {
	err := ErrCorruptFile.WithReason("bad xref table")

	assert.True(t, errors.Is(err, ErrCorruptFile))
	assert.True(t, errors.Is(err, ErrInputFormat))
	assert.False(t, errors.Is(err, ErrUnsupportedFormat))
	assert.False(t, errors.Is(err, ErrStoreUnavailable))
}

func TestIsThroughFmtWrapping(t *testing.T) {
	err := fmt.Errorf("ingest report.pdf: %w", ErrEmbeddingTimeout.WithCause(context.DeadlineExceeded))

	assert.True(t, errors.Is(err, ErrEmbeddingTimeout))
	assert.True(t, errors.Is(err, ErrEmbeddingService))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestWithCauseDoesNotMutateSentinel(t *testing.T) {
	_ = ErrStoreUnavailable.WithCause(errors.New("connection refused")).WithReason("ping")

	assert.Nil(t, ErrStoreUnavailable.Cause())
	assert.Empty(t, ErrStoreUnavailable.Reason)
}

func TestErrorMessage(t *testing.T) {
	err := ErrUnsupportedFormat.WithReason(".exe").WithCause(errors.New("boom"))
	assert.Equal(t, "Unsupported file format: .exe: boom", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{ErrUnsupportedFormat, http.StatusUnsupportedMediaType, "unsupported_format"},
		{ErrCorruptFile, http.StatusUnprocessableEntity, "corrupt_file"},
		{ErrEmptyDocument, http.StatusUnprocessableEntity, "empty_document"},
		{ErrEmbeddingService, http.StatusBadGateway, "embedding_service_error"},
		{ErrGenerationTimeout, http.StatusGatewayTimeout, "generation_timeout"},
		{ErrStoreUnavailable, http.StatusServiceUnavailable, "store_unavailable"},
		{ErrDocumentNotFound, http.StatusNotFound, "document_not_found"},
		{ErrDocumentExists, http.StatusConflict, "document_exists"},
		{ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{fmt.Errorf("wrapped: %w", ErrDocumentNotFound), http.StatusNotFound, "document_not_found"},
		{errors.New("plain"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
			assert.Equal(t, tc.code, Code(tc.err))
		})
	}
}

func TestAs(t *testing.T) {
	e, ok := As(fmt.Errorf("x: %w", ErrConfiguration.WithReason("missing key")))
	require.True(t, ok)
	assert.Equal(t, "configuration_error", e.Code)
	assert.Equal(t, "missing key", e.Reason)

	_, ok = As(errors.New("x"))
	assert.False(t, ok)
}
