// Package models - rate limiting records, policies and the windowed evaluator.
//
// A RateLimitRecord exists per (identifier, action) pair. Every attempt is
// evaluated against a RateLimitPolicy with the decision table implemented by
// Apply; SQL and Redis backends reproduce the same table inside a single
// atomic statement or script.
package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Action types with a configured default policy.
const (
	ActionLogin          = "login"
	ActionSignup         = "signup"
	ActionContactRequest = "contact_request"
	ActionCaptchaVerify  = "captcha_verify"
)

// MaxIdentifierLength bounds identifiers (emails are capped at 255 at signup).
const MaxIdentifierLength = 255

var actionPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// KnownActions returns the action types the service ships policies for.
func KnownActions() []string {
	return []string{ActionLogin, ActionSignup, ActionContactRequest, ActionCaptchaVerify}
}

// NormalizeIdentifier trims the identifier and lower-cases email addresses so
// "User@Example.com " and "user@example.com" share one counter.
func NormalizeIdentifier(identifier string) (string, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", NewValidationError("identifier", "is required")
	}
	if len(id) > MaxIdentifierLength {
		return "", NewValidationError("identifier", fmt.Sprintf("must be at most %d characters", MaxIdentifierLength))
	}
	if strings.Contains(id, "@") {
		id = strings.ToLower(id)
	}
	return id, nil
}

// NormalizeAction trims and lower-cases an action type and checks its shape.
func NormalizeAction(action string) (string, error) {
	a := strings.ToLower(strings.TrimSpace(action))
	if a == "" {
		return "", NewValidationError("action_type", "is required")
	}
	if !actionPattern.MatchString(a) {
		return "", NewValidationError("action_type", "must be lowercase letters, digits or underscores")
	}
	return a, nil
}

// RateLimitKey addresses one counter.
type RateLimitKey struct {
	Identifier string `json:"identifier"`
	Action     string `json:"action_type"`
}

// NewRateLimitKey normalizes both halves of the key.
func NewRateLimitKey(identifier, action string) (RateLimitKey, error) {
	id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return RateLimitKey{}, err
	}
	a, err := NormalizeAction(action)
	if err != nil {
		return RateLimitKey{}, err
	}
	return RateLimitKey{Identifier: id, Action: a}, nil
}

func (k RateLimitKey) String() string {
	return k.Action + ":" + k.Identifier
}

// RateLimitPolicy is the per-action threshold. BlockDuration defaults to
// Window when zero.
type RateLimitPolicy struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	Window        time.Duration `yaml:"window" json:"window"`
	BlockDuration time.Duration `yaml:"block_duration" json:"block_duration"`
}

// MaxPolicyDuration bounds windows and blocks.
const MaxPolicyDuration = 365 * 24 * time.Hour

// PolicyFromMillis builds a policy from the millisecond fields of the RPC
// contract. A zero blockMs falls back to the window. Values outside
// [0, MaxPolicyDuration] are rejected before conversion so they cannot wrap.
func PolicyFromMillis(maxAttempts int, windowMs, blockMs int64) (RateLimitPolicy, error) {
	limit := MaxPolicyDuration.Milliseconds()
	if windowMs <= 0 {
		return RateLimitPolicy{}, NewValidationError("window_ms", "must be positive")
	}
	if windowMs > limit {
		return RateLimitPolicy{}, NewValidationError("window_ms", "must not exceed 365 days")
	}
	if blockMs < 0 {
		return RateLimitPolicy{}, NewValidationError("block_duration_ms", "must be positive")
	}
	if blockMs > limit {
		return RateLimitPolicy{}, NewValidationError("block_duration_ms", "must not exceed 365 days")
	}
	return RateLimitPolicy{
		MaxAttempts:   maxAttempts,
		Window:        time.Duration(windowMs) * time.Millisecond,
		BlockDuration: time.Duration(blockMs) * time.Millisecond,
	}, nil
}

// Effective fills in the default block duration.
func (p RateLimitPolicy) Effective() RateLimitPolicy {
	if p.BlockDuration == 0 {
		p.BlockDuration = p.Window
	}
	return p
}

func (p RateLimitPolicy) Validate() error {
	if p.MaxAttempts <= 0 {
		return NewValidationError("max_attempts", "must be positive")
	}
	if p.Window <= 0 {
		return NewValidationError("window_ms", "must be positive")
	}
	if p.Window > MaxPolicyDuration {
		return NewValidationError("window_ms", "must not exceed 365 days")
	}
	if p.BlockDuration < 0 {
		return NewValidationError("block_duration_ms", "must be positive")
	}
	if p.BlockDuration > MaxPolicyDuration {
		return NewValidationError("block_duration_ms", "must not exceed 365 days")
	}
	return nil
}

// RateLimitRecord is the persisted counter state.
type RateLimitRecord struct {
	Identifier   string     `json:"identifier" db:"identifier"`
	Action       string     `json:"action_type" db:"action_type"`
	WindowStart  time.Time  `json:"window_start" db:"-"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	BlockedUntil *time.Time `json:"blocked_until,omitempty" db:"-"`
	UpdatedAt    time.Time  `json:"updated_at" db:"-"`
}

// NewRateLimitRecord returns the implicit record for a key that has never
// been hit. Its zero WindowStart makes the first Apply open a fresh window.
func NewRateLimitRecord(key RateLimitKey) *RateLimitRecord {
	return &RateLimitRecord{Identifier: key.Identifier, Action: key.Action}
}

// Key returns the record's counter key.
func (r *RateLimitRecord) Key() RateLimitKey {
	return RateLimitKey{Identifier: r.Identifier, Action: r.Action}
}

// IsBlocked reports whether blocked_until lies strictly after now. A block in
// the past is equivalent to no block.
func (r *RateLimitRecord) IsBlocked(now time.Time) bool {
	return r.BlockedUntil != nil && now.Before(*r.BlockedUntil)
}

// Apply records one attempt at now and returns the decision:
//
//  1. an active block denies without counting,
//  2. an elapsed window (now - window_start > window) restarts at count 1,
//  3. otherwise the count grows and exceeding MaxAttempts starts a block.
func (r *RateLimitRecord) Apply(now time.Time, policy RateLimitPolicy) RateLimitResult {
	p := policy.Effective()

	if r.IsBlocked(now) {
		return RateLimitResult{Allowed: false, RemainingAttempts: 0, ResetAt: *r.BlockedUntil}
	}

	r.UpdatedAt = now
	if now.Sub(r.WindowStart) > p.Window {
		r.WindowStart = now
		r.AttemptCount = 1
		r.BlockedUntil = nil
		return RateLimitResult{Allowed: true, RemainingAttempts: p.MaxAttempts - 1}
	}

	r.AttemptCount++
	if r.AttemptCount > p.MaxAttempts {
		until := now.Add(p.BlockDuration)
		r.BlockedUntil = &until
		return RateLimitResult{Allowed: false, RemainingAttempts: 0, ResetAt: until}
	}

	r.BlockedUntil = nil
	return RateLimitResult{Allowed: true, RemainingAttempts: p.MaxAttempts - r.AttemptCount}
}

// Result derives the decision from a record that a store has already
// advanced for the attempt at now.
func (r *RateLimitRecord) Result(now time.Time, policy RateLimitPolicy) RateLimitResult {
	if r.IsBlocked(now) {
		return RateLimitResult{Allowed: false, RemainingAttempts: 0, ResetAt: *r.BlockedUntil}
	}
	remaining := policy.MaxAttempts - r.AttemptCount
	if remaining < 0 {
		remaining = 0
	}
	return RateLimitResult{Allowed: true, RemainingAttempts: remaining}
}

// RateLimitResult is the outcome of one check. ResetAt is zero unless the
// caller is blocked.
type RateLimitResult struct {
	Allowed           bool      `json:"allowed"`
	RemainingAttempts int       `json:"remaining_attempts"`
	ResetAt           time.Time `json:"-"`

	// Degraded is set when the store failed and the decision came from the
	// action's failure policy instead of a counter.
	Degraded bool `json:"-"`
}

// ResetTimeMillis returns ResetAt as epoch milliseconds, or nil when unset.
func (r RateLimitResult) ResetTimeMillis() *int64 {
	if r.ResetAt.IsZero() {
		return nil
	}
	ms := r.ResetAt.UnixMilli()
	return &ms
}

// RetryAfter is the wait until ResetAt.
func (r RateLimitResult) RetryAfter(now time.Time) time.Duration {
	if r.ResetAt.IsZero() || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

// FailurePolicy decides the outcome when the counter store cannot answer.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "open"
	FailClosed FailurePolicy = "closed"
)

func (f FailurePolicy) Valid() bool {
	return f == FailOpen || f == FailClosed
}
