// Package contact implements the contact-request lifecycle between a
// requester and a property owner, and the gate that discloses the owner's
// contact details only after approval.
package contact

import (
	"context"
	"log/slog"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/storage"
)

// RateLimiter is the part of ratelimit.Limiter the service needs.
type RateLimiter interface {
	Enforce(ctx context.Context, identifier, action string) (models.RateLimitResult, error)
}

type Service struct {
	store   storage.ContactStore
	limiter RateLimiter
	now     func() time.Time
}

func NewService(store storage.ContactStore, limiter RateLimiter) *Service {
	return &Service{store: store, limiter: limiter, now: time.Now}
}

// Create files a pending request from requesterID. The contact_request rate
// limit is charged only for well-formed requests and nothing is stored when
// it denies.
func (s *Service) Create(ctx context.Context, requesterID string, req *models.CreateContactRequestRequest) (*models.ContactRequest, error) {
	if err := req.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	cr := models.NewContactRequest(req.PropertyID, requesterID, req.PropertyOwnerID, req.MessageText(), s.now())
	if err := cr.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	if _, err := s.limiter.Enforce(ctx, requesterID, models.ActionContactRequest); err != nil {
		return nil, wrapError(err, "failed to check rate limit")
	}

	if err := s.store.CreateContactRequest(ctx, cr); err != nil {
		return nil, wrapError(err, "failed to create contact request")
	}

	slog.Info("Contact request created",
		"request_id", cr.ID,
		"property_id", cr.PropertyID,
	)
	return cr, nil
}

// UpdateStatus approves or denies a pending request on behalf of its owner.
func (s *Service) UpdateStatus(ctx context.Context, requestID, actingUserID string, req *models.UpdateContactStatusRequest) (*models.ContactRequest, error) {
	status, err := req.Validate()
	if err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	cr, err := s.store.UpdateContactRequestStatus(ctx, requestID, actingUserID, status, s.now())
	if err != nil {
		return nil, wrapError(err, "failed to update contact request")
	}

	slog.Info("Contact request answered",
		"request_id", cr.ID,
		"status", cr.Status,
	)
	return cr, nil
}

// ListSent returns the requests filed by requesterID, newest first.
func (s *Service) ListSent(ctx context.Context, requesterID string) (*models.ListContactRequestsResponse, error) {
	list, err := s.store.ListContactRequestsByRequester(ctx, requesterID)
	if err != nil {
		return nil, wrapError(err, "failed to list sent contact requests")
	}
	return &models.ListContactRequestsResponse{ContactRequests: list, TotalCount: len(list)}, nil
}

// ListReceived returns the requests addressed to ownerID, newest first.
func (s *Service) ListReceived(ctx context.Context, ownerID string) (*models.ListContactRequestsResponse, error) {
	list, err := s.store.ListContactRequestsByOwner(ctx, ownerID)
	if err != nil {
		return nil, wrapError(err, "failed to list received contact requests")
	}
	return &models.ListContactRequestsResponse{ContactRequests: list, TotalCount: len(list)}, nil
}

// ApprovedContactInfo returns the owner's details when callerID's request is
// approved and nil otherwise. Missing, pending, denied and foreign requests
// all look the same to the caller.
func (s *Service) ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	if requestID == "" || callerID == "" {
		return nil, nil
	}
	info, err := s.store.ApprovedContactInfo(ctx, requestID, callerID)
	if err != nil {
		return nil, wrapError(err, "failed to read contact info")
	}
	return info, nil
}

// UpsertProfile stores userID's disclosable details.
func (s *Service) UpsertProfile(ctx context.Context, userID string, req *models.UpsertProfileRequest) (*models.Profile, error) {
	if err := req.Validate(); err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	now := s.now().UTC()
	p := &models.Profile{
		UserID:    userID,
		FullName:  req.FullName,
		Phone:     req.Phone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return nil, wrapError(err, "failed to save profile")
	}
	return s.GetProfile(ctx, userID)
}

func (s *Service) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if se := wrapError(err, "failed to load profile"); se.Code != models.ErrorCodeNotFound {
			return nil, se
		}
		return nil, NewNotFoundError("profile not found", err)
	}
	return p, nil
}
