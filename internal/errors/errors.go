// Package errors provides typed service errors and their HTTP mapping.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes.
type ErrorCode string

const (
	ErrorCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrorCodeNotAuthenticated ErrorCode = "NOT_AUTHENTICATED"
	ErrorCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrorCodeAlreadyExists    ErrorCode = "ALREADY_EXISTS"
	ErrorCodeRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// Error is a service error carrying a code for the HTTP layer.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// InvalidArgument reports a request that failed validation.
func InvalidArgument(format string, args ...interface{}) *Error {
	return &Error{Code: ErrorCodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// NotAuthenticated reports a missing or rejected credential.
func NotAuthenticated(message string) *Error {
	return &Error{Code: ErrorCodeNotAuthenticated, Message: message}
}

// NotFound reports a missing record.
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: ErrorCodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// AlreadyExists reports a uniqueness conflict.
func AlreadyExists(format string, args ...interface{}) *Error {
	return &Error{Code: ErrorCodeAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

// StoreUnavailable wraps a record store failure during op.
func StoreUnavailable(op string, cause error) *Error {
	return &Error{Code: ErrorCodeStoreUnavailable, Message: fmt.Sprintf("failed to %s", op), Cause: cause}
}

// Internal wraps an unexpected failure.
func Internal(message string, cause error) *Error {
	return &Error{Code: ErrorCodeInternalError, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorCodeInternalError when there is none.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrorCodeInternalError
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}

// HTTPStatus maps an error code to an HTTP status code.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrorCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrorCodeNotAuthenticated:
		return http.StatusUnauthorized
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeAlreadyExists:
		return http.StatusConflict
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
