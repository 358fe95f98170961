// Package models - contact requests, owner profiles and the disclosure payload.
//
// Lifecycle:
//
//	pending --approve--> approved   (terminal)
//	pending --deny-----> denied     (terminal)
//
// Only the property owner moves a request out of pending. The owner's
// contact details leave the service through one query that requires an
// approved request whose requester is the caller.
package models

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxContactMessageLength bounds the optional message, counted in characters.
const MaxContactMessageLength = 1000

// ContactStatus is the state of a ContactRequest.
type ContactStatus string

const (
	ContactStatusPending  ContactStatus = "pending"
	ContactStatusApproved ContactStatus = "approved"
	ContactStatusDenied   ContactStatus = "denied"
)

// ParseContactStatus accepts the three known statuses, case-insensitively.
func ParseContactStatus(s string) (ContactStatus, error) {
	switch st := ContactStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case ContactStatusPending, ContactStatusApproved, ContactStatusDenied:
		return st, nil
	default:
		return "", NewValidationError("status", "must be one of pending, approved, denied")
	}
}

// IsTerminal reports whether no further transition is possible.
func (s ContactStatus) IsTerminal() bool {
	return s == ContactStatusApproved || s == ContactStatusDenied
}

// CanTransitionTo reports whether s may move to next.
func (s ContactStatus) CanTransitionTo(next ContactStatus) bool {
	return s == ContactStatusPending && next.IsTerminal()
}

// ContactRequest asks a property owner to release their contact details.
type ContactRequest struct {
	ID              string        `json:"id" db:"id"`
	PropertyID      string        `json:"property_id" db:"property_id"`
	RequesterID     string        `json:"requester_id" db:"requester_id"`
	PropertyOwnerID string        `json:"property_owner_id" db:"property_owner_id"`
	Message         *string       `json:"message" db:"message"`
	Status          ContactStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" db:"updated_at"`
}

// NewContactRequest builds a pending request with a fresh UUID. The message
// is trimmed and stored as nil when empty.
func NewContactRequest(propertyID, requesterID, ownerID string, message string, now time.Time) *ContactRequest {
	var msg *string
	if trimmed := strings.TrimSpace(message); trimmed != "" {
		msg = &trimmed
	}
	return &ContactRequest{
		ID:              uuid.NewString(),
		PropertyID:      strings.TrimSpace(propertyID),
		RequesterID:     strings.TrimSpace(requesterID),
		PropertyOwnerID: strings.TrimSpace(ownerID),
		Message:         msg,
		Status:          ContactStatusPending,
		CreatedAt:       now.UTC(),
		UpdatedAt:       now.UTC(),
	}
}

// Validate checks the required references and the message bound.
func (cr *ContactRequest) Validate() error {
	if cr.PropertyID == "" {
		return NewValidationError("property_id", "is required")
	}
	if cr.RequesterID == "" {
		return NewValidationError("requester_id", "is required")
	}
	if cr.PropertyOwnerID == "" {
		return NewValidationError("property_owner_id", "is required")
	}
	if cr.RequesterID == cr.PropertyOwnerID {
		return NewValidationError("property_owner_id", "cannot request contact for your own property")
	}
	if cr.Message != nil && utf8.RuneCountInString(*cr.Message) > MaxContactMessageLength {
		return NewValidationError("message", "must be less than 1000 characters")
	}
	return nil
}

// MessageText returns the message or "".
func (cr *ContactRequest) MessageText() string {
	if cr.Message == nil {
		return ""
	}
	return *cr.Message
}

// ContactInfo is what the disclosure gate releases.
type ContactInfo struct {
	FullName string `json:"full_name" db:"full_name"`
	Phone    string `json:"phone" db:"phone"`
}

// Profile holds a user's private contact details.
type Profile struct {
	UserID    string    `json:"user_id" db:"user_id"`
	FullName  string    `json:"full_name" db:"full_name"`
	Phone     string    `json:"phone" db:"phone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ContactInfo projects the disclosable fields.
func (p *Profile) ContactInfo() ContactInfo {
	return ContactInfo{FullName: p.FullName, Phone: p.Phone}
}
