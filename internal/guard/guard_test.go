package guard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/captcha"
	"marketplace/internal/models"
	"marketplace/internal/ratelimit"
	"marketplace/internal/storage"
)

type stubCaptcha struct {
	passed bool
	err    error
	calls  int
}

func (s *stubCaptcha) Verify(context.Context, string, string, string) (*captcha.Verification, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &captcha.Verification{Passed: s.passed}, nil
}

func newTestGuard(t *testing.T, c CaptchaVerifier, requireCaptcha bool) *Guard {
	t.Helper()
	store := storage.NewMemoryStorage(0)
	t.Cleanup(func() { store.Close() })
	limiter, err := ratelimit.NewLimiter(store, models.NewDefaultConfig().Security)
	require.NoError(t, err)
	return New(limiter, c, requireCaptcha)
}

func TestPrecheck_Allowed(t *testing.T) {
	c := &stubCaptcha{passed: true}
	g := newTestGuard(t, c, true)

	resp, err := g.Precheck(context.Background(), models.ActionLogin, "user@example.com", "tok", "203.0.113.1")
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.Empty(t, resp.Reason)
	assert.Equal(t, 4, resp.RemainingAttempts)
	assert.Equal(t, 1, c.calls)
}

func TestPrecheck_RateLimitedSkipsCaptcha(t *testing.T) {
	c := &stubCaptcha{passed: true}
	g := newTestGuard(t, c, true)
	ctx := context.Background()

	for range 3 {
		resp, err := g.Precheck(ctx, models.ActionSignup, "user@example.com", "tok", "")
		require.NoError(t, err)
		require.True(t, resp.Allowed)
	}

	resp, err := g.Precheck(ctx, models.ActionSignup, "USER@example.com ", "tok", "")
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, models.PrecheckReasonRateLimited, resp.Reason)
	assert.NotNil(t, resp.ResetTime)
	assert.Equal(t, 3, c.calls)
}

func TestPrecheck_Captcha(t *testing.T) {
	tests := []struct {
		name           string
		token          string
		requireCaptcha bool
		captcha        *stubCaptcha
		allowed        bool
		reason         string
		calls          int
	}{
		{name: "failed", token: "tok", requireCaptcha: true, captcha: &stubCaptcha{}, reason: models.PrecheckReasonCaptchaFailed, calls: 1},
		{name: "missing", requireCaptcha: true, captcha: &stubCaptcha{passed: true}, reason: models.PrecheckReasonCaptchaMissing},
		{name: "optional and absent", captcha: &stubCaptcha{}, allowed: true},
		{name: "optional but supplied", token: "tok", captcha: &stubCaptcha{}, reason: models.PrecheckReasonCaptchaFailed, calls: 1},
		{
			name:    "address limited",
			token:   "tok",
			captcha: &stubCaptcha{err: &models.RateLimitedError{Action: models.ActionCaptchaVerify}},
			reason:  models.PrecheckReasonRateLimited,
			calls:   1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t, tt.captcha, tt.requireCaptcha)
			resp, err := g.Precheck(context.Background(), models.ActionLogin, "user@example.com", tt.token, "203.0.113.1")
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, resp.Allowed)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.Equal(t, tt.calls, tt.captcha.calls)
		})
	}
}

func TestPrecheck_Errors(t *testing.T) {
	ctx := context.Background()

	g := newTestGuard(t, &stubCaptcha{passed: true}, true)
	_, err := g.Precheck(ctx, models.ActionContactRequest, "user@example.com", "tok", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = g.Precheck(ctx, models.ActionLogin, "   ", "tok", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	unavailable := fmt.Errorf("captcha verification: %w: %w", models.ErrUnavailable, errors.New("timeout"))
	g = newTestGuard(t, &stubCaptcha{err: unavailable}, true)
	_, err = g.Precheck(ctx, models.ActionLogin, "user@example.com", "tok", "")
	assert.ErrorIs(t, err, models.ErrUnavailable)
}

func TestPrecheck_ProviderFailureRejects(t *testing.T) {
	failed := fmt.Errorf("captcha verification: %w: %w: %w",
		models.ErrCaptchaProvider, models.ErrUnavailable, errors.New("siteverify returned 500"))
	c := &stubCaptcha{err: failed}
	g := newTestGuard(t, c, true)

	resp, err := g.Precheck(context.Background(), models.ActionLogin, "user@example.com", "tok", "203.0.113.1")
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.Equal(t, models.PrecheckReasonCaptchaFailed, resp.Reason)
	assert.Equal(t, 1, c.calls)
}
