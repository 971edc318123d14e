// Package apierrors defines the error taxonomy shared across the registry and
// its mapping onto HTTP status codes.
//
// Handlers wrap domain failures in one of these classes; the API layer maps
// any *Error to a JSON error body with the class's status. Private-package
// access failures must use NotFound, never Forbidden, so that unauthorized
// clients cannot probe for package existence.
package apierrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP status mapping.
type Kind int

const (
	KindUpstream Kind = iota
	KindNetwork
	KindParse
	KindCache
	KindDatabase
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindUpstream:
		return "upstream_error"
	case KindNetwork:
		return "network_error"
	case KindParse:
		return "parse_error"
	case KindCache:
		return "cache_error"
	case KindDatabase:
		return "database_error"
	case KindBadRequest:
		return "bad_request"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "internal_error"
	}
}

// StatusCode returns the HTTP status for the error class.
func (k Kind) StatusCode() int {
	switch k {
	case KindUpstream, KindNetwork:
		return http.StatusBadGateway
	case KindParse, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a classified registry error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status for this error.
func (e *Error) StatusCode() int {
	return e.Kind.StatusCode()
}

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a classified error wrapping an underlying cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Upstream reports a non-2xx response from the upstream registry.
func Upstream(format string, args ...interface{}) *Error {
	return New(KindUpstream, format, args...)
}

// Network reports a transport failure reaching the upstream registry.
func Network(err error, format string, args ...interface{}) *Error {
	return Wrap(KindNetwork, err, format, args...)
}

// Parse reports an unparseable payload.
func Parse(err error, format string, args ...interface{}) *Error {
	return Wrap(KindParse, err, format, args...)
}

// Cache reports a cache read/write failure.
func Cache(err error, format string, args ...interface{}) *Error {
	return Wrap(KindCache, err, format, args...)
}

// Database reports a relational store failure.
func Database(err error, format string, args ...interface{}) *Error {
	return Wrap(KindDatabase, err, format, args...)
}

// BadRequest reports an invalid client request.
func BadRequest(format string, args ...interface{}) *Error {
	return New(KindBadRequest, format, args...)
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...interface{}) *Error {
	return New(KindUnauthorized, format, args...)
}

// Forbidden reports an authenticated but unpermitted action.
func Forbidden(format string, args ...interface{}) *Error {
	return New(KindForbidden, format, args...)
}

// NotFound reports a missing resource.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict reports a uniqueness or state conflict.
func Conflict(format string, args ...interface{}) *Error {
	return New(KindConflict, format, args...)
}

// Internal reports an unexpected server failure.
func Internal(err error, format string, args ...interface{}) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == KindNotFound
}

// StatusOf returns the HTTP status for any error; unclassified errors map
// to 500.
func StatusOf(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode()
	}
	return http.StatusInternalServerError
}

// KindOf returns the classification of any error; unclassified errors map to
// KindInternal.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindInternal
}
