// internal/apperr/errors.go

// Package apperr provides the coded error taxonomy shared by every ledger.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeValidation       Code = "VALIDATION"
	CodeNotFound         Code = "NOT_FOUND"
	CodeForbidden        Code = "FORBIDDEN"
	CodeTariffInactive   Code = "TARIFF_INACTIVE"
	CodeTokenNotFound    Code = "TOKEN_NOT_FOUND"
	CodeTokenExpired     Code = "TOKEN_EXPIRED"
	CodeTokenExhausted   Code = "TOKEN_EXHAUSTED"
	CodeInvalidState     Code = "INVALID_STATE"
	CodeTransientStorage Code = "TRANSIENT_STORAGE"
)

// HTTPStatus maps a code onto the status the HTTP surface responds with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound, CodeTokenNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTariffInactive, CodeInvalidState, CodeTokenExhausted:
		return http.StatusConflict
	case CodeTokenExpired:
		return http.StatusGone
	case CodeTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may retry the same request unchanged.
func (c Code) Retryable() bool {
	return c == CodeTransientStorage
}

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Sentinels for errors.Is checks. Only the code is compared.
var (
	ErrValidation       = New(CodeValidation, "validation failed")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrForbidden        = New(CodeForbidden, "forbidden")
	ErrTariffInactive   = New(CodeTariffInactive, "tariff is inactive")
	ErrTokenNotFound    = New(CodeTokenNotFound, "token not found")
	ErrTokenExpired     = New(CodeTokenExpired, "token expired")
	ErrTokenExhausted   = New(CodeTokenExhausted, "token exhausted")
	ErrInvalidState     = New(CodeInvalidState, "invalid state transition")
	ErrTransientStorage = New(CodeTransientStorage, "storage temporarily unavailable")
)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Validation is shorthand for a CodeValidation error naming the offending field.
func Validation(field, message string) *Error {
	return WithMetadata(CodeValidation, message, map[string]string{"field": field})
}

// Transient wraps a storage failure as retryable.
func Transient(op string, cause error) *Error {
	return Wrap(CodeTransientStorage, op, cause)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ErrVersionConflict is returned by repositories when an optimistic version
// check fails. Services retry on it and never surface it.
var ErrVersionConflict = errors.New("version conflict")
