package app

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/dulibrarytech/exhibits-backend-sub001/internal/media"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/search"
	"github.com/dulibrarytech/exhibits-backend-sub001/internal/store"
)

const (
	CodeValidation     = "VALIDATION_ERROR"
	CodeInvalidBody    = "INVALID_BODY"
	CodeNotFound       = "NOT_FOUND"
	CodeLockConflict   = "LOCK_CONFLICT"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeStore          = "STORE_ERROR"
	CodeIndex          = "INDEX_ERROR"
	CodeMedia          = "MEDIA_ERROR"
	CodePartialFailure = "PARTIAL_FAILURE"
	CodeNoContent      = "NO_CONTENT"
	CodeServer         = "SERVER_ERROR"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// mapError classifies a collaborator error. The message never leaks driver
// text; callers log the original error.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var validationErr *store.ValidationError
	var indexErr *search.IndexError
	var storeErr *store.StoreError
	switch {
	case errors.As(err, &validationErr):
		return domainError(http.StatusUnprocessableEntity, CodeValidation, fmt.Sprintf("Invalid %s", validationErr.Field), map[string]any{"field": validationErr.Field})
	case errors.Is(err, media.ErrInvalidPath):
		return domainError(http.StatusUnprocessableEntity, CodeValidation, "Invalid media path", nil)
	case errors.Is(err, store.ErrNotDeleted):
		return domainError(http.StatusNotFound, CodeNotFound, "Record is not in the trash", nil)
	case errors.Is(err, store.ErrMissingParent):
		return domainError(http.StatusNotFound, CodeNotFound, "Parent record not found", nil)
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Record not found", nil)
	case errors.Is(err, search.ErrDocumentNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Document not found", nil)
	case errors.Is(err, media.ErrObjectNotFound):
		return domainError(http.StatusNotFound, CodeNotFound, "Media not found", nil)
	case errors.Is(err, store.ErrDuplicate):
		return domainError(http.StatusConflict, CodeStore, "Record already exists", nil)
	case errors.Is(err, store.ErrTimeout):
		return domainError(http.StatusGatewayTimeout, CodeStore, "Content store timed out", nil)
	case errors.As(err, &indexErr), errors.Is(err, search.ErrUnavailable), errors.Is(err, search.ErrNotAcknowledged):
		return domainError(http.StatusBadGateway, CodeIndex, "Search index error", nil)
	case errors.As(err, &storeErr):
		return domainError(http.StatusInternalServerError, CodeStore, "Content store error", nil)
	}
	return domainError(http.StatusInternalServerError, CodeServer, "Server error", nil)
}

// envelopeStatus is the envelope status string for an error code.
func envelopeStatus(code string) string {
	switch code {
	case CodeValidation, CodeInvalidBody:
		return "invalid"
	case CodeNotFound:
		return "not_found"
	case CodeLockConflict:
		return "locked"
	case CodeUnauthorized:
		return "unauthorized"
	case CodeForbidden:
		return "forbidden"
	case CodePartialFailure:
		return "partial_failure"
	case CodeNoContent:
		return "no_items"
	default:
		return "failed"
	}
}
