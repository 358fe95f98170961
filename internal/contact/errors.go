package contact

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"marketplace/internal/models"
)

// ServiceError is a contact service failure with its HTTP mapping.
type ServiceError struct {
	Code       string
	Message    string
	StatusCode int
	Err        error

	// ResetAt is set on rate limit errors.
	ResetAt time.Time
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func NewValidationError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeValidation,
		Message:    message,
		StatusCode: http.StatusBadRequest,
		Err:        err,
	}
}

func NewRateLimitedError(resetAt time.Time, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeRateLimitExceeded,
		Message:    "too many contact requests, try again later",
		StatusCode: http.StatusTooManyRequests,
		Err:        err,
		ResetAt:    resetAt,
	}
}

func NewDuplicateError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeDuplicateRequest,
		Message:    "you have already sent a contact request for this property",
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

func NewForbiddenError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeForbidden,
		Message:    "only the property owner can update this request",
		StatusCode: http.StatusForbidden,
		Err:        err,
	}
}

func NewInvalidTransitionError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInvalidTransition,
		Message:    "contact request has already been answered",
		StatusCode: http.StatusConflict,
		Err:        err,
	}
}

func NewNotFoundError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Err:        err,
	}
}

func NewUnavailableError(err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeServiceUnavailable,
		Message:    "service temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

func NewInternalError(message string, err error) *ServiceError {
	return &ServiceError{
		Code:       models.ErrorCodeInternalError,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// wrapError maps a store or limiter error onto a ServiceError. fallback
// describes the operation for errors that match no sentinel.
func wrapError(err error, fallback string) *ServiceError {
	var limited *models.RateLimitedError
	switch {
	case errors.As(err, &limited):
		return NewRateLimitedError(limited.ResetAt, err)
	case errors.Is(err, models.ErrValidation):
		return NewValidationError(err.Error(), err)
	case errors.Is(err, models.ErrDuplicateRequest):
		return NewDuplicateError(err)
	case errors.Is(err, models.ErrForbidden):
		return NewForbiddenError(err)
	case errors.Is(err, models.ErrInvalidTransition):
		return NewInvalidTransitionError(err)
	case errors.Is(err, models.ErrNotFound):
		return NewNotFoundError("contact request not found", err)
	case errors.Is(err, models.ErrUnavailable):
		return NewUnavailableError(err)
	default:
		return NewInternalError(fallback, err)
	}
}
