// Package faults defines the typed error kinds surfaced by the ingestion core.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a failure class. Synchronous kinds surface to API callers;
// asynchronous kinds only appear in audit details and INGESTION.FAILED events.
type Kind string

const (
	ValidationMissingFields    Kind = "VALIDATION_MISSING_FIELDS"
	PayloadTooLarge            Kind = "PAYLOAD_TOO_LARGE"
	UnsupportedMime            Kind = "UNSUPPORTED_MIME"
	PrimaryAxisMismatch        Kind = "PRIMARY_AXIS_MISMATCH"
	ParentVersionUnknown       Kind = "PARENT_VERSION_UNKNOWN"
	ParentVersionWrongDocument Kind = "PARENT_VERSION_WRONG_DOCUMENT"
	EvidenceNotFound           Kind = "EVIDENCE_NOT_FOUND"
	EvidenceReadFailed         Kind = "EVIDENCE_READ_FAILED"
	CanonicalizationFailed     Kind = "CANONICALIZATION_FAILED"
	LLMFailed                  Kind = "LLM_FAILED"
	StorageWriteFailed         Kind = "STORAGE_WRITE_FAILED"
	DuplicateKey               Kind = "DUPLICATE_KEY"
)

// Error is a failure with a machine-readable kind and the correlation id of
// the request that produced it.
type Error struct {
	Kind          Kind
	Detail        string
	CorrelationID string
	Err           error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Newf constructs an Error with a formatted detail.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error wrapping an underlying cause.
func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the Kind from err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// HTTPStatus maps an error kind to the status code the API surface uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ValidationMissingFields, UnsupportedMime, PrimaryAxisMismatch,
		ParentVersionUnknown, ParentVersionWrongDocument:
		return http.StatusBadRequest
	case PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case EvidenceNotFound:
		return http.StatusNotFound
	case DuplicateKey:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
