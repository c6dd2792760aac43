// Package apperrors carries machine-readable error codes across service and
// repository boundaries so handlers can map failures to transport status codes
// without string matching.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT"
	CodeNotInApprovalStage Code = "NOT_IN_APPROVAL_STAGE"
	CodeDeadEnd            Code = "DEAD_END"
	CodeInternal           Code = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message. Returns nil when err is nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return Newf(CodeNotFound, "%s not found: %s", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, msg string) error {
	return Newf(CodeValidation, "invalid %s: %s", field, msg)
}

// Forbidden reports an authorization failure.
func Forbidden(msg string) error {
	return New(CodeForbidden, msg)
}

// Conflict reports a state conflict (lost race, already acted on).
func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

// CodeOf extracts the code from an error chain, defaulting to INTERNAL.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether the error chain carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code to an HTTP status for the handler layer.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeNotInApprovalStage, CodeDeadEnd:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
