// Package ragerr holds the typed error taxonomy shared by every layer of the
// document pipeline, and its mapping onto HTTP status codes.
package ragerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a coded error. Codes form a small tree: errors.Is matches an
// Error against any of its ancestors, so a corrupt file is also an input
// format error.
type Error struct {
	Code    string
	Message string
	Reason  string
	Status  int
	parent  *Error
	cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is this error's code or one of its ancestors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	for cur := e; cur != nil; cur = cur.parent {
		if cur.Code == t.Code {
			return true
		}
	}
	return false
}

// WithCause returns a copy of e wrapping err.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithReason returns a copy of e carrying a human-readable detail.
func (e *Error) WithReason(format string, args ...interface{}) *Error {
	c := *e
	c.Reason = fmt.Sprintf(format, args...)
	return &c
}

// Cause returns the wrapped error, if any.
func (e *Error) Cause() error {
	return e.cause
}

func newCode(parent *Error, code, msg string, status int) *Error {
	return &Error{Code: code, Message: msg, Status: status, parent: parent}
}

var (
	ErrInputFormat       = newCode(nil, "input_format_error", "The uploaded file could not be read", http.StatusUnprocessableEntity)
	ErrUnsupportedFormat = newCode(ErrInputFormat, "unsupported_format", "Unsupported file format", http.StatusUnsupportedMediaType)
	ErrCorruptFile       = newCode(ErrInputFormat, "corrupt_file", "The file is corrupt or its text cannot be extracted", http.StatusUnprocessableEntity)
	ErrEmptyDocument     = newCode(ErrInputFormat, "empty_document", "The document contains no extractable text", http.StatusUnprocessableEntity)

	ErrConversion = newCode(nil, "conversion_failed", "Document conversion failed", http.StatusUnprocessableEntity)

	ErrEmbeddingService = newCode(nil, "embedding_service_error", "The embedding service failed", http.StatusBadGateway)
	ErrEmbeddingTimeout = newCode(ErrEmbeddingService, "embedding_timeout", "The embedding service timed out", http.StatusGatewayTimeout)

	ErrGenerationService = newCode(nil, "generation_service_error", "The answer generation service failed", http.StatusBadGateway)
	ErrGenerationTimeout = newCode(ErrGenerationService, "generation_timeout", "The answer generation service timed out", http.StatusGatewayTimeout)

	ErrStoreUnavailable = newCode(nil, "store_unavailable", "The vector store is unavailable", http.StatusServiceUnavailable)
	ErrDocumentNotFound = newCode(nil, "document_not_found", "Document not found", http.StatusNotFound)
	ErrDocumentExists   = newCode(nil, "document_exists", "A document with this name already exists", http.StatusConflict)
	ErrInvalidRequest   = newCode(nil, "invalid_request", "Invalid request", http.StatusBadRequest)
	ErrConfiguration    = newCode(nil, "configuration_error", "Invalid configuration", http.StatusInternalServerError)
	ErrInternal         = newCode(nil, "internal_error", "Internal server error", http.StatusInternalServerError)
)

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps err to the status code the API answers with. Uncoded
// errors are internal server errors.
func HTTPStatus(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

// Code returns the machine readable code of err, or "internal_error".
func Code(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrInternal.Code
}
