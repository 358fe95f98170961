// Package models - API response types and error codes.
//
// Every error leaves the API as an ErrorResponse with a machine-readable
// code; 429 responses also carry reset_time in epoch milliseconds.
package models

import (
	"time"
)

// RateLimitCheckResponse mirrors the check_rate_limit RPC result.
type RateLimitCheckResponse struct {
	Allowed           bool   `json:"allowed"`
	RemainingAttempts int    `json:"remaining_attempts"`
	ResetTime         *int64 `json:"reset_time,omitempty"`
}

func NewRateLimitCheckResponse(res RateLimitResult) *RateLimitCheckResponse {
	return &RateLimitCheckResponse{
		Allowed:           res.Allowed,
		RemainingAttempts: res.RemainingAttempts,
		ResetTime:         res.ResetTimeMillis(),
	}
}

// RateLimitRecordResponse exposes a stored counter to administrators.
type RateLimitRecordResponse struct {
	Identifier   string     `json:"identifier"`
	ActionType   string     `json:"action_type"`
	AttemptCount int        `json:"attempt_count"`
	WindowStart  time.Time  `json:"window_start"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`
	Blocked      bool       `json:"blocked"`
}

func NewRateLimitRecordResponse(rec *RateLimitRecord, now time.Time) *RateLimitRecordResponse {
	return &RateLimitRecordResponse{
		Identifier:   rec.Identifier,
		ActionType:   rec.Action,
		AttemptCount: rec.AttemptCount,
		WindowStart:  rec.WindowStart,
		BlockedUntil: rec.BlockedUntil,
		Blocked:      rec.IsBlocked(now),
	}
}

type CaptchaVerifyResponse struct {
	Success           bool     `json:"success"`
	Score             *float64 `json:"score,omitempty"`
	Action            string   `json:"action,omitempty"`
	RemainingAttempts *int     `json:"remaining_attempts,omitempty"`
}

// PrecheckResponse answers whether an auth attempt may go ahead. Reason is
// set when Allowed is false.
type PrecheckResponse struct {
	Allowed           bool   `json:"allowed"`
	RemainingAttempts int    `json:"remaining_attempts"`
	Reason            string `json:"reason,omitempty"`
	ResetTime         *int64 `json:"reset_time,omitempty"`
}

// Precheck rejection reasons.
const (
	PrecheckReasonRateLimited    = "rate_limited"
	PrecheckReasonCaptchaFailed  = "captcha_failed"
	PrecheckReasonCaptchaMissing = "captcha_missing"
)

type ListContactRequestsResponse struct {
	ContactRequests []*ContactRequest `json:"contact_requests"`
	TotalCount      int               `json:"total_count"`
}

type ErrorResponse struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Code      string            `json:"code,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	ResetTime *int64            `json:"reset_time,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	RequestID string            `json:"request_id,omitempty"`
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

type ComponentHealth struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

const (
	ErrorCodeValidation         = "VALIDATION_ERROR"
	ErrorCodeBadRequest         = "BAD_REQUEST"
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrorCodeDuplicateRequest   = "DUPLICATE_REQUEST"
	ErrorCodeForbidden          = "FORBIDDEN"
	ErrorCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrorCodeNotFound           = "NOT_FOUND"
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrorCodeUnauthorized       = "UNAUTHORIZED"
	ErrorCodeInternalError      = "INTERNAL_ERROR"
	ErrorCodeCaptchaFailed      = "CAPTCHA_FAILED"
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}
