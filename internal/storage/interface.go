package storage

import (
	"context"
	"time"

	"marketplace/internal/models"
)

// RateLimitStore persists per-(identifier, action) attempt counters.
//
// HitRateLimit must evaluate and persist one attempt atomically with respect
// to every other caller hitting the same key, including callers in other
// processes when the backend is shared.
type RateLimitStore interface {
	// HitRateLimit records one attempt at now and returns the decision.
	HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error)

	// GetRateLimit returns the stored record or models.ErrNotFound.
	GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error)

	// ResetRateLimit deletes the record. Resetting a missing key is not an error.
	ResetRateLimit(ctx context.Context, key models.RateLimitKey) error

	Ping(ctx context.Context) error
	Close() error
}

// ContactStore persists contact requests and the owner profiles the
// disclosure gate reads from.
type ContactStore interface {
	// CreateContactRequest inserts a pending request. A second request for
	// the same (property, requester) pair fails with models.ErrDuplicateRequest.
	CreateContactRequest(ctx context.Context, cr *models.ContactRequest) error

	// GetContactRequest returns the request or models.ErrNotFound.
	GetContactRequest(ctx context.Context, id string) (*models.ContactRequest, error)

	// UpdateContactRequestStatus moves a pending request owned by ownerID to
	// status in one conditional write. Failures are models.ErrNotFound,
	// models.ErrForbidden or models.ErrInvalidTransition and leave the row
	// untouched.
	UpdateContactRequestStatus(ctx context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error)

	// ListContactRequestsByRequester and ListContactRequestsByOwner return
	// newest first.
	ListContactRequestsByRequester(ctx context.Context, requesterID string) ([]*models.ContactRequest, error)
	ListContactRequestsByOwner(ctx context.Context, ownerID string) ([]*models.ContactRequest, error)

	// ApprovedContactInfo returns the owner's contact details only when the
	// request exists, is approved and callerID is its requester. Every other
	// case returns (nil, nil) so callers cannot tell them apart.
	ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error)

	UpsertProfile(ctx context.Context, p *models.Profile) error
	// GetProfile returns the profile or models.ErrNotFound.
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)

	Ping(ctx context.Context) error
	Close() error
}

// Storage is the full persistence surface used by the services.
type Storage interface {
	RateLimitStore
	ContactStore
}
