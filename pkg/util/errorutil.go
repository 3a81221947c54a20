package util

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared by the HTTP and WebSocket surfaces.
const (
	CodeValidation        = "VALIDATION_FAILED"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeIllegalTransition = "ILLEGAL_TRANSITION"
	CodeConflict          = "CONFLICT"
	CodeStoreFailure      = "STORE_FAILURE"
	CodeInternal          = "INTERNAL_ERROR"
)

// DomainError standardizes application errors.
type DomainError struct {
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]any
	Err        error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError constructs a DomainError.
func NewDomainError(code, message string, status int, details map[string]any) *DomainError {
	return &DomainError{Code: code, Message: message, HTTPStatus: status, Details: details}
}

func NewValidationError(message string, details map[string]any) error {
	return NewDomainError(CodeValidation, message, http.StatusBadRequest, details)
}

func NewNotFound(resource string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	return &DomainError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		HTTPStatus: http.StatusNotFound,
		Details:    details,
	}
}

func NewUnauthorized(message string) error {
	return NewDomainError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

// NewForbidden is the authorization error: the actor is not a party to the request
// or lacks the role the command requires.
func NewForbidden(message string) error {
	return NewDomainError(CodeForbidden, message, http.StatusForbidden, nil)
}

// NewIllegalTransition reports a command the state machine refuses in the current status.
func NewIllegalTransition(message string, details map[string]any) error {
	return NewDomainError(CodeIllegalTransition, message, http.StatusUnprocessableEntity, details)
}

func NewConflict(message string, details map[string]any) error {
	return NewDomainError(CodeConflict, message, http.StatusConflict, details)
}

// NewStoreFailure wraps a persistence error. Callers may retry.
func NewStoreFailure(err error) error {
	return &DomainError{
		Code:       CodeStoreFailure,
		Message:    "event store unavailable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewInternalError(err error) error {
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode reports whether err carries a DomainError with the given code.
func HasCode(err error, code string) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code == code
	}
	return false
}

// ToDomainError converts generic errors to DomainError.
func ToDomainError(err error) *DomainError {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	if errors.Is(err, sql.ErrNoRows) {
		if de, ok := NewNotFound("resource", nil).(*DomainError); ok {
			return de
		}
	}
	return &DomainError{
		Code:       CodeInternal,
		Message:    "internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

func MapError(err error) error {
	return ToDomainError(err)
}
