package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by storage backends and services. Callers classify
// with errors.Is; backends wrap driver errors around these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrDuplicateRequest  = errors.New("contact request already exists")
	ErrForbidden         = errors.New("operation not permitted")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	ErrUnavailable       = errors.New("backing service unavailable")
	ErrCaptchaRejected   = errors.New("captcha verification failed")
	ErrCaptchaProvider   = errors.New("captcha provider failed")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a field-scoped ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// RateLimitedError carries the moment the caller may retry.
type RateLimitedError struct {
	Action  string
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("too many %s attempts", e.Action)
	}
	return fmt.Sprintf("too many %s attempts, retry after %s", e.Action, e.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}
