package storage

import (
	"context"
	"log/slog"
	"time"
)

// Purger drops rate limit records that stopped mattering before cutoff.
// Backends with their own expiry (memory janitor, Redis TTLs, BaaS) do not
// implement it.
type Purger interface {
	PurgeRateLimits(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgerFor returns the Purger behind store, looking through composites
// and decorators that expose Unwrap.
func PurgerFor(store RateLimitStore) (Purger, bool) {
	for {
		switch s := store.(type) {
		case Purger:
			return s, true
		case *CompositeStorage:
			store = s.Counters()
		case interface{ Unwrap() Storage }:
			store = s.Unwrap()
		default:
			return nil, false
		}
	}
}

// RunPurger purges records idle for longer than retention every interval
// until ctx is done.
func RunPurger(ctx context.Context, p Purger, interval, retention time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := p.PurgeRateLimits(ctx, now.Add(-retention))
			if err != nil {
				slog.Warn("Rate limit purge failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("Purged rate limit records", "count", n)
			}
		}
	}
}
