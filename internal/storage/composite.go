package storage

import (
	"context"
	"errors"
	"time"

	"marketplace/internal/models"
)

// CompositeStorage serves rate limit counters from one backend and contact
// data from another.
type CompositeStorage struct {
	ContactStore
	counters RateLimitStore
}

// NewCompositeStorage combines counters and contacts into one Storage.
func NewCompositeStorage(counters RateLimitStore, contacts ContactStore) *CompositeStorage {
	return &CompositeStorage{ContactStore: contacts, counters: counters}
}

func (c *CompositeStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	return c.counters.HitRateLimit(ctx, key, policy, now)
}

func (c *CompositeStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	return c.counters.GetRateLimit(ctx, key)
}

func (c *CompositeStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	return c.counters.ResetRateLimit(ctx, key)
}

// Counters exposes the counter backend, e.g. for purging.
func (c *CompositeStorage) Counters() RateLimitStore {
	return c.counters
}

// Ping fails when either backend is unreachable.
func (c *CompositeStorage) Ping(ctx context.Context) error {
	return errors.Join(c.counters.Ping(ctx), c.ContactStore.Ping(ctx))
}

func (c *CompositeStorage) Close() error {
	return errors.Join(c.counters.Close(), c.ContactStore.Close())
}
