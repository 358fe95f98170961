// Package models - API request types and input validation.
//
// Every request type normalizes in place and reports the first invalid field
// as a *ValidationError.
package models

import (
	"strings"
	"unicode/utf8"
)

const (
	maxFullNameLength = 255
	maxPhoneLength    = 32
	maxTokenLength    = 4096
)

// RateLimitCheckRequest is the body of the raw check_rate_limit operation.
// Field names follow the RPC contract used by the front end.
type RateLimitCheckRequest struct {
	Identifier      string `json:"identifier"`
	ActionType      string `json:"action_type"`
	MaxAttempts     int    `json:"max_attempts"`
	WindowMs        int64  `json:"window_ms"`
	BlockDurationMs int64  `json:"block_duration_ms,omitempty"`
}

// Validate normalizes the request and returns its key and policy.
func (r *RateLimitCheckRequest) Validate() (RateLimitKey, RateLimitPolicy, error) {
	key, err := NewRateLimitKey(r.Identifier, r.ActionType)
	if err != nil {
		return RateLimitKey{}, RateLimitPolicy{}, err
	}
	policy, err := PolicyFromMillis(r.MaxAttempts, r.WindowMs, r.BlockDurationMs)
	if err != nil {
		return RateLimitKey{}, RateLimitPolicy{}, err
	}
	if err := policy.Validate(); err != nil {
		return RateLimitKey{}, RateLimitPolicy{}, err
	}
	r.Identifier, r.ActionType = key.Identifier, key.Action
	return key, policy.Effective(), nil
}

// CaptchaVerifyRequest carries the client-side token and the action it was
// minted for.
type CaptchaVerifyRequest struct {
	Token  string `json:"token"`
	Action string `json:"action,omitempty"`
}

func (r *CaptchaVerifyRequest) Validate() error {
	r.Token = strings.TrimSpace(r.Token)
	r.Action = strings.TrimSpace(r.Action)
	if r.Token == "" {
		return NewValidationError("token", "is required")
	}
	if len(r.Token) > maxTokenLength {
		return NewValidationError("token", "is too long")
	}
	return nil
}

// PrecheckRequest asks whether a login or signup attempt may proceed.
type PrecheckRequest struct {
	Identifier string `json:"identifier"`
	Token      string `json:"token"`
}

func (r *PrecheckRequest) Validate() error {
	id, err := NormalizeIdentifier(r.Identifier)
	if err != nil {
		return err
	}
	r.Identifier = id
	r.Token = strings.TrimSpace(r.Token)
	if len(r.Token) > maxTokenLength {
		return NewValidationError("token", "is too long")
	}
	return nil
}

// CreateContactRequestRequest is submitted by the requester; the requester
// id comes from the authenticated caller, never from the body.
type CreateContactRequestRequest struct {
	PropertyID      string  `json:"property_id"`
	PropertyOwnerID string  `json:"property_owner_id"`
	Message         *string `json:"message,omitempty"`
}

func (r *CreateContactRequestRequest) Validate() error {
	r.PropertyID = strings.TrimSpace(r.PropertyID)
	r.PropertyOwnerID = strings.TrimSpace(r.PropertyOwnerID)
	if r.PropertyID == "" {
		return NewValidationError("property_id", "is required")
	}
	if r.PropertyOwnerID == "" {
		return NewValidationError("property_owner_id", "is required")
	}
	if r.Message != nil {
		msg := strings.TrimSpace(*r.Message)
		if utf8.RuneCountInString(msg) > MaxContactMessageLength {
			return NewValidationError("message", "must be less than 1000 characters")
		}
		r.Message = &msg
	}
	return nil
}

// MessageText returns the trimmed message or "".
func (r *CreateContactRequestRequest) MessageText() string {
	if r.Message == nil {
		return ""
	}
	return *r.Message
}

// UpdateContactStatusRequest moves a pending request to approved or denied.
type UpdateContactStatusRequest struct {
	Status string `json:"status"`
}

func (r *UpdateContactStatusRequest) Validate() (ContactStatus, error) {
	status, err := ParseContactStatus(r.Status)
	if err != nil {
		return "", err
	}
	if !status.IsTerminal() {
		return "", NewValidationError("status", "must be approved or denied")
	}
	return status, nil
}

// UpsertProfileRequest sets the caller's disclosable contact details.
type UpsertProfileRequest struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone"`
}

func (r *UpsertProfileRequest) Validate() error {
	r.FullName = strings.TrimSpace(r.FullName)
	r.Phone = strings.TrimSpace(r.Phone)
	if r.FullName == "" {
		return NewValidationError("full_name", "is required")
	}
	if utf8.RuneCountInString(r.FullName) > maxFullNameLength {
		return NewValidationError("full_name", "must be at most 255 characters")
	}
	if len(r.Phone) > maxPhoneLength {
		return NewValidationError("phone", "must be at most 32 characters")
	}
	for _, c := range r.Phone {
		if !strings.ContainsRune("0123456789+-() ", c) {
			return NewValidationError("phone", "contains invalid characters")
		}
	}
	return nil
}
