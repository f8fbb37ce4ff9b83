// Package domainerrors defines the coded error taxonomy surfaced by the
// signing engine. Services translate infrastructure sentinels into these
// codes; the HTTP layer translates codes into status responses.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code identifies a class of domain failure independent of transport.
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeOutOfTurn         Code = "out_of_turn"
	CodeInvalidCredential Code = "invalid_credential"
	CodeExpired           Code = "expired"
	CodeAlreadySigned     Code = "already_signed"
	CodeDocumentCorrupt   Code = "document_corrupt"
	CodeInvalidInput      Code = "invalid_input"
	CodeValidation        Code = "validation_error"
	CodeConflict          Code = "version_conflict"
	CodeStorage           Code = "storage_failure"
	CodeNotReady          Code = "not_ready"
	CodeRateLimited       Code = "rate_limited"
	CodeInternal          Code = "internal_error"
)

// String returns the code as a plain string.
func (c Code) String() string {
	return string(c)
}

// Error is a coded domain error. Compare with Is rather than string matching.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New builds a coded error with a human-readable message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf extracts the domain code from an error chain, defaulting to
// CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ToHTTPStatus maps a domain code to an HTTP status for the transport layer.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeOutOfTurn, CodeAlreadySigned:
		return http.StatusForbidden
	case CodeInvalidCredential, CodeExpired:
		return http.StatusUnauthorized
	case CodeValidation, CodeInvalidInput, CodeDocumentCorrupt:
		return http.StatusBadRequest
	case CodeConflict, CodeNotReady:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
