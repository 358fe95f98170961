package storage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"marketplace/internal/models"
)

// MemoryStorage implements Storage with in-process maps behind one mutex.
// Counters are authoritative only for a single process; use it for
// development, tests, or as the counter store of a single-replica deploy.
type MemoryStorage struct {
	mu         sync.RWMutex
	rateLimits map[models.RateLimitKey]*models.RateLimitRecord
	expiry     map[models.RateLimitKey]time.Time
	requests   map[string]*models.ContactRequest
	pairs      map[contactPair]string // (property, requester) -> request id
	profiles   map[string]*models.Profile

	stop     chan struct{}
	stopOnce sync.Once
}

type contactPair struct {
	propertyID, requesterID string
}

// NewMemoryStorage creates an empty store. A positive cleanupInterval starts
// a janitor that drops counters whose window and block have both ended.
func NewMemoryStorage(cleanupInterval time.Duration) *MemoryStorage {
	m := &MemoryStorage{
		rateLimits: make(map[models.RateLimitKey]*models.RateLimitRecord),
		expiry:     make(map[models.RateLimitKey]time.Time),
		requests:   make(map[string]*models.ContactRequest),
		pairs:      make(map[contactPair]string),
		profiles:   make(map[string]*models.Profile),
		stop:       make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go m.cleanup(cleanupInterval)
	}
	return m
}

func (m *MemoryStorage) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.Sweep(now)
		}
	}
}

// Sweep removes counters that can no longer affect a decision at now and
// returns how many were dropped.
func (m *MemoryStorage) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, exp := range m.expiry {
		if now.After(exp) {
			delete(m.expiry, key)
			delete(m.rateLimits, key)
			removed++
		}
	}
	return removed
}

// HitRateLimit applies one attempt under the write lock.
func (m *MemoryStorage) HitRateLimit(_ context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.rateLimits[key]
	if !ok {
		rec = models.NewRateLimitRecord(key)
		m.rateLimits[key] = rec
	}
	res := rec.Apply(now, policy)

	exp := rec.WindowStart.Add(policy.Effective().Window)
	if rec.BlockedUntil != nil && rec.BlockedUntil.After(exp) {
		exp = *rec.BlockedUntil
	}
	m.expiry[key] = exp
	return res, nil
}

func (m *MemoryStorage) GetRateLimit(_ context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.rateLimits[key]
	if !ok {
		return nil, fmt.Errorf("rate limit %s: %w", key, models.ErrNotFound)
	}
	return copyRecord(rec), nil
}

func (m *MemoryStorage) ResetRateLimit(_ context.Context, key models.RateLimitKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rateLimits, key)
	delete(m.expiry, key)
	return nil
}

func (m *MemoryStorage) CreateContactRequest(_ context.Context, cr *models.ContactRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := contactPair{cr.PropertyID, cr.RequesterID}
	if _, exists := m.pairs[pair]; exists {
		return fmt.Errorf("property %s: %w", cr.PropertyID, models.ErrDuplicateRequest)
	}
	m.requests[cr.ID] = copyContactRequest(cr)
	m.pairs[pair] = cr.ID
	return nil
}

func (m *MemoryStorage) GetContactRequest(_ context.Context, id string) (*models.ContactRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cr, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("contact request %s: %w", id, models.ErrNotFound)
	}
	return copyContactRequest(cr), nil
}

func (m *MemoryStorage) UpdateContactRequestStatus(_ context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error) {
	if err := validateStatusTarget(status); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cr, ok := m.requests[id]
	if !ok || cr.PropertyOwnerID != ownerID || cr.Status != models.ContactStatusPending {
		var current *models.ContactRequest
		if ok {
			current = cr
		}
		return nil, classifyStatusConflict(current, ownerID)
	}
	cr.Status = status
	cr.UpdatedAt = now.UTC()
	return copyContactRequest(cr), nil
}

func (m *MemoryStorage) ListContactRequestsByRequester(_ context.Context, requesterID string) ([]*models.ContactRequest, error) {
	return m.listContactRequests(func(cr *models.ContactRequest) bool { return cr.RequesterID == requesterID }), nil
}

func (m *MemoryStorage) ListContactRequestsByOwner(_ context.Context, ownerID string) ([]*models.ContactRequest, error) {
	return m.listContactRequests(func(cr *models.ContactRequest) bool { return cr.PropertyOwnerID == ownerID }), nil
}

func (m *MemoryStorage) listContactRequests(match func(*models.ContactRequest) bool) []*models.ContactRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.ContactRequest, 0)
	for _, cr := range m.requests {
		if match(cr) {
			out = append(out, copyContactRequest(cr))
		}
	}
	sortNewestFirst(out)
	return out
}

// ApprovedContactInfo checks the request and reads the profile under one
// read lock, so approval and disclosure cannot interleave with a writer.
func (m *MemoryStorage) ApprovedContactInfo(_ context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cr, ok := m.requests[requestID]
	if !ok || cr.RequesterID != callerID || cr.Status != models.ContactStatusApproved {
		return nil, nil
	}
	p, ok := m.profiles[cr.PropertyOwnerID]
	if !ok {
		return nil, nil
	}
	info := p.ContactInfo()
	return &info, nil
}

func (m *MemoryStorage) UpsertProfile(_ context.Context, p *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if existing, ok := m.profiles[p.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	m.profiles[p.UserID] = &cp
	return nil
}

func (m *MemoryStorage) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[userID]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStorage) Ping(context.Context) error {
	return nil
}

// Close stops the janitor. Data stays readable.
func (m *MemoryStorage) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

func copyRecord(r *models.RateLimitRecord) *models.RateLimitRecord {
	cp := *r
	if r.BlockedUntil != nil {
		until := *r.BlockedUntil
		cp.BlockedUntil = &until
	}
	return &cp
}

func copyContactRequest(cr *models.ContactRequest) *models.ContactRequest {
	cp := *cr
	if cr.Message != nil {
		msg := *cr.Message
		cp.Message = &msg
	}
	return &cp
}

func sortNewestFirst(list []*models.ContactRequest) {
	slices.SortStableFunc(list, func(a, b *models.ContactRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		// Stable order for equal timestamps.
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
}
