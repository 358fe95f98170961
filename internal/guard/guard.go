// Package guard answers whether a login or signup attempt may proceed. The
// answer combines the per-identifier rate limit and the CAPTCHA gate; both
// must pass.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"marketplace/internal/captcha"
	"marketplace/internal/models"
)

type RateLimiter interface {
	Check(ctx context.Context, identifier, action string) (models.RateLimitResult, error)
}

type CaptchaVerifier interface {
	Verify(ctx context.Context, token, action, remoteIP string) (*captcha.Verification, error)
}

// Guard runs the pre-auth checks.
type Guard struct {
	limiter        RateLimiter
	captcha        CaptchaVerifier
	requireCaptcha bool
}

// New creates a Guard. When requireCaptcha is false an empty token skips
// the CAPTCHA gate; a supplied token is still verified.
func New(limiter RateLimiter, verifier CaptchaVerifier, requireCaptcha bool) *Guard {
	return &Guard{
		limiter:        limiter,
		captcha:        verifier,
		requireCaptcha: requireCaptcha,
	}
}

// Precheck charges one attempt against (identifier, action) and then
// verifies token. The rate limit runs first so a blocked caller never
// spends a CAPTCHA verification.
//
// Rejections are reported in the response. Errors are reserved for invalid
// input and for backing services that fail closed.
func (g *Guard) Precheck(ctx context.Context, action, identifier, token, remoteIP string) (*models.PrecheckResponse, error) {
	if action != models.ActionLogin && action != models.ActionSignup {
		return nil, models.NewValidationError("action", fmt.Sprintf("precheck is not available for %q", action))
	}

	limit, err := g.limiter.Check(ctx, identifier, action)
	if err != nil {
		return nil, err
	}
	if !limit.Allowed {
		slog.Info("Precheck rejected", "action", action, "reason", models.PrecheckReasonRateLimited)
		return &models.PrecheckResponse{
			Allowed:   false,
			Reason:    models.PrecheckReasonRateLimited,
			ResetTime: limit.ResetTimeMillis(),
		}, nil
	}

	resp := &models.PrecheckResponse{Allowed: true, RemainingAttempts: limit.RemainingAttempts}

	if token == "" {
		if g.requireCaptcha {
			slog.Info("Precheck rejected", "action", action, "reason", models.PrecheckReasonCaptchaMissing)
			resp.Allowed = false
			resp.Reason = models.PrecheckReasonCaptchaMissing
		}
		return resp, nil
	}

	v, err := g.captcha.Verify(ctx, token, action, remoteIP)
	if err != nil {
		var limited *models.RateLimitedError
		if errors.As(err, &limited) {
			resp.Allowed = false
			resp.Reason = models.PrecheckReasonRateLimited
			resp.ResetTime = models.RateLimitResult{ResetAt: limited.ResetAt}.ResetTimeMillis()
			return resp, nil
		}
		if errors.Is(err, models.ErrCaptchaProvider) {
			slog.Warn("Precheck rejected", "action", action, "reason", models.PrecheckReasonCaptchaFailed, "error", err)
			resp.Allowed = false
			resp.Reason = models.PrecheckReasonCaptchaFailed
			return resp, nil
		}
		return nil, err
	}
	if !v.Passed {
		slog.Info("Precheck rejected", "action", action, "reason", models.PrecheckReasonCaptchaFailed)
		resp.Allowed = false
		resp.Reason = models.PrecheckReasonCaptchaFailed
	}
	return resp, nil
}
