package usecase

import (
	"errors"
	"fmt"

	"chat-history/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorNotFound     ErrorCode = "NOT_FOUND"
	ErrorConflict     ErrorCode = "CONFLICT"
	ErrorStoreFailure ErrorCode = "STORE_FAILURE"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// classify maps repository errors onto usecase codes.
func classify(reason string, err error) *Error {
	switch {
	case errors.Is(err, domain.ErrInvalidMessage):
		return newError(ErrorInvalidInput, reason, err)
	case errors.Is(err, domain.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, domain.ErrConflict):
		return newError(ErrorConflict, reason, err)
	case errors.Is(err, domain.ErrStoreFailure):
		return newError(ErrorStoreFailure, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}
