// Package ratelimit enforces per-(identifier, action) attempt limits backed
// by a shared counter store, and throttles raw HTTP traffic per client with
// in-process token buckets.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"marketplace/internal/models"
	"marketplace/internal/storage"
)

// Decision outcomes recorded on the ratelimit.decisions counter.
const (
	OutcomeAllowed    = "allowed"
	OutcomeDenied     = "denied"
	OutcomeFailOpen   = "fail_open"
	OutcomeFailClosed = "fail_closed"
)

// Limiter is the authoritative rate limiter. Every check is a single atomic
// hit on the counter store, so limits hold across replicas that share it.
type Limiter struct {
	store    storage.RateLimitStore
	security models.SecurityConfig
	timeout  time.Duration
	local    *LocalCounter
	now      func() time.Time

	decisions metric.Int64Counter
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLocalFallback consults counter when the store is unreachable and the
// action fails open, so a single process still slows an obvious burst.
func WithLocalFallback(counter *LocalCounter) Option {
	return func(l *Limiter) { l.local = counter }
}

// NewLimiter creates a limiter over store using the per-action policies and
// timeout from security.
func NewLimiter(store storage.RateLimitStore, security models.SecurityConfig, opts ...Option) (*Limiter, error) {
	decisions, err := otel.Meter("marketplace/ratelimit").Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by action and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	l := &Limiter{
		store:     store,
		security:  security,
		timeout:   security.RateLimitTimeout,
		now:       time.Now,
		decisions: decisions,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the configured policy for action.
func (l *Limiter) Policy(action string) (models.ActionPolicy, bool) {
	return l.security.Policy(action)
}

// Check records one attempt for identifier under the configured policy of
// action. A denial is a normal result, not an error.
//
// When the store fails the action's failure policy decides: fail open
// returns an allowed, Degraded result and no error; fail closed returns a
// denied, Degraded result and an error wrapping models.ErrUnavailable.
func (l *Limiter) Check(ctx context.Context, identifier, action string) (models.RateLimitResult, error) {
	key, err := models.NewRateLimitKey(identifier, action)
	if err != nil {
		return models.RateLimitResult{}, err
	}
	policy, ok := l.Policy(key.Action)
	if !ok {
		return models.RateLimitResult{}, models.NewValidationError("action_type", fmt.Sprintf("no rate limit policy for %q", key.Action))
	}
	return l.CheckWithPolicy(ctx, key, policy.RateLimitPolicy, policy.OnFailure)
}

// Enforce is Check with a denial turned into a *models.RateLimitedError.
func (l *Limiter) Enforce(ctx context.Context, identifier, action string) (models.RateLimitResult, error) {
	res, err := l.Check(ctx, identifier, action)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		return res, &models.RateLimitedError{Action: action, ResetAt: res.ResetAt}
	}
	return res, nil
}

// CheckWithPolicy records one attempt for key under an explicit policy.
func (l *Limiter) CheckWithPolicy(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, onFailure models.FailurePolicy) (models.RateLimitResult, error) {
	if err := policy.Validate(); err != nil {
		return models.RateLimitResult{}, err
	}
	policy = policy.Effective()
	now := l.now()

	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	res, err := l.store.HitRateLimit(callCtx, key, policy, now)
	if err != nil {
		return l.degrade(ctx, key, policy, onFailure, now, err)
	}

	outcome := OutcomeAllowed
	if !res.Allowed {
		outcome = OutcomeDenied
		slog.Info("Rate limit exceeded",
			"action", key.Action,
			"reset_at", res.ResetAt,
		)
	}
	l.record(ctx, key.Action, outcome)
	return res, nil
}

func (l *Limiter) degrade(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, onFailure models.FailurePolicy, now time.Time, cause error) (models.RateLimitResult, error) {
	timedOut := errors.Is(cause, context.DeadlineExceeded)

	if onFailure == models.FailOpen {
		slog.Warn("Rate limit store unavailable, failing open",
			"action", key.Action,
			"timeout", timedOut,
			"error", cause,
		)
		l.record(ctx, key.Action, OutcomeFailOpen)

		res := models.RateLimitResult{Allowed: true, RemainingAttempts: policy.MaxAttempts}
		if l.local != nil {
			res = l.local.Hit(key, policy, now)
		}
		res.Degraded = true
		return res, nil
	}

	slog.Error("Rate limit store unavailable, failing closed",
		"action", key.Action,
		"timeout", timedOut,
		"error", cause,
	)
	l.record(ctx, key.Action, OutcomeFailClosed)
	return models.RateLimitResult{Allowed: false, Degraded: true},
		fmt.Errorf("rate limit check for %s: %w: %w", key.Action, models.ErrUnavailable, cause)
}

func (l *Limiter) record(ctx context.Context, action, outcome string) {
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
}

// Get returns the stored record for identifier and action.
func (l *Limiter) Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error) {
	key, err := models.NewRateLimitKey(identifier, action)
	if err != nil {
		return nil, err
	}
	return l.store.GetRateLimit(ctx, key)
}

// Reset clears the record for identifier and action.
func (l *Limiter) Reset(ctx context.Context, identifier, action string) error {
	key, err := models.NewRateLimitKey(identifier, action)
	if err != nil {
		return err
	}
	if err := l.store.ResetRateLimit(ctx, key); err != nil {
		return err
	}
	if l.local != nil {
		l.local.Reset(key)
	}
	slog.Info("Rate limit reset", "action", key.Action)
	return nil
}

// Now is the limiter's clock.
func (l *Limiter) Now() time.Time {
	return l.now()
}
