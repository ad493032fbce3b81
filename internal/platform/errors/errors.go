// Package errors provides coded application errors shared across the
// service. Every error carries a stable machine-readable code that the
// HTTP layer maps to a status and that callers can branch on.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Generic error codes.
const (
	ErrCodeInternal     = "internal_error"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeInvalidInput = "invalid_input"
)

// Approval-domain error codes.
const (
	ErrCodeNoApplicableRule = "no_applicable_rule"
	ErrCodeNoApprovers      = "no_approvers"
	ErrCodeNotAnApprover    = "not_an_approver"
	ErrCodeAlreadyDecided   = "already_decided"
	ErrCodeRequestTerminal  = "request_terminal"
	ErrCodeNotRequester     = "not_requester"
	ErrCodeActionFailed     = "action_failed"
)

// Error is a coded application error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with a code and message while preserving the cause
// for errors.Is / errors.As chains.
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound creates a not_found error for a resource/id pair.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %q not found", resource, id)
}

// InvalidInput creates an invalid_input error for a specific field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeInvalidInput, "%s: %s", field, message)
}

// CodeOf extracts the code from err, walking the unwrap chain.
// Returns ErrCodeInternal for non-coded errors and "" for nil.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err (or anything it wraps) carries the code.
func HasCode(err error, code string) bool {
	return CodeOf(err) == code
}
