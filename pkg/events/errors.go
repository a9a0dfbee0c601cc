package events

import (
	"errors"
	"fmt"

	"github.com/triggerline/eventbus/pkg/store"
)

// Code identifies the class of a service error for callers.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeNotFound   Code = "NOT_FOUND"
	CodeForbidden  Code = "FORBIDDEN"
	CodeDuplicate  Code = "DUPLICATE"
	CodeStorage    Code = "STORAGE_ERROR"
)

// Error is the caller-facing error type of the service layer.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func validationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("event %s not found", id), cause: store.ErrNotFound}
}

// mapStoreError translates store sentinels into caller-facing errors.
func mapStoreError(id string, err error) *Error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFoundError(id)
	case errors.Is(err, store.ErrForbidden):
		return &Error{Code: CodeForbidden, Message: fmt.Sprintf("event %s belongs to another principal", id), cause: err}
	default:
		return &Error{Code: CodeStorage, Message: "storage operation failed", cause: err}
	}
}

// CodeOf extracts the service error code, defaulting to STORAGE_ERROR.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeStorage
}
