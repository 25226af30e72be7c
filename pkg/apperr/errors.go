// Package apperr defines the error taxonomy surfaced to callers. Every error
// carries a stable code that clients can branch on.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code
type Code string

const (
	CodeNotFound          Code = "not_found"
	CodeForbidden         Code = "forbidden"
	CodeUnauthorized      Code = "unauthorized"
	CodeInvalidState      Code = "invalid_state"
	CodeInvalidTransition Code = "invalid_transition"
	CodeValidation        Code = "validation_error"
	CodeConflict          Code = "conflict"
	CodeUnavailable       Code = "unavailable"
	CodeInternal          Code = "internal"
)

// ReasonCannotCancel qualifies InvalidState errors returned by cancel
const ReasonCannotCancel = "cannot_cancel"

// Error is a coded application error
type Error struct {
	Code    Code
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, apperr.NotFound("")) works
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithReason returns a copy of e carrying reason
func (e *Error) WithReason(reason string) *Error {
	c := *e
	c.Reason = reason
	return &c
}

// New builds an error with a formatted message
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(CodeForbidden, format, args...)
}

func Unauthorized(format string, args ...interface{}) *Error {
	return New(CodeUnauthorized, format, args...)
}

func InvalidState(format string, args ...interface{}) *Error {
	return New(CodeInvalidState, format, args...)
}

func InvalidTransition(format string, args ...interface{}) *Error {
	return New(CodeInvalidTransition, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return New(CodeConflict, format, args...)
}

func Unavailable(err error, format string, args ...interface{}) *Error {
	return Wrap(CodeUnavailable, err, format, args...)
}

func Internal(err error, format string, args ...interface{}) *Error {
	return Wrap(CodeInternal, err, format, args...)
}

// CodeOf extracts the code of err, or CodeInternal when err is not coded
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries code
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the operation may succeed if retried unchanged
func Retryable(err error) bool {
	return IsCode(err, CodeUnavailable)
}

// HTTPStatus maps a code to its HTTP status
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeInvalidState, CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
