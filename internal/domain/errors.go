package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedTransaction is returned when a transaction fails validation.
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrAllModelsUnavailable is returned when no model in the bundle produced a score.
	ErrAllModelsUnavailable = errors.New("all models unavailable")

	// ErrInvalidTransition is returned for a disallowed alert status change.
	ErrInvalidTransition = errors.New("invalid alert status transition")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
)

// ErrorCode is the machine-readable error code surfaced by the API.
type ErrorCode string

const (
	CodeMalformedTransaction ErrorCode = "MALFORMED_TRANSACTION"
	CodeModelsUnavailable    ErrorCode = "MODELS_UNAVAILABLE"
	CodeInvalidTransition    ErrorCode = "INVALID_TRANSITION"
	CodeNotFound             ErrorCode = "NOT_FOUND"
	CodeRateLimited          ErrorCode = "RATE_LIMITED"
	CodeBadRequest           ErrorCode = "BAD_REQUEST"
	CodeUnavailable          ErrorCode = "UNAVAILABLE"
	CodeInternal             ErrorCode = "INTERNAL"
)

// ValidationError describes why a transaction was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrMalformedTransaction, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrMalformedTransaction }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// CodeFor maps an error to its API error code.
func CodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrMalformedTransaction):
		return CodeMalformedTransaction
	case errors.Is(err, ErrAllModelsUnavailable):
		return CodeModelsUnavailable
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	default:
		return CodeInternal
	}
}
