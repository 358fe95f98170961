package captcha

import (
	"context"
	"fmt"
	"log/slog"

	"marketplace/internal/models"
)

// RateLimiter is the part of ratelimit.Limiter the service needs.
type RateLimiter interface {
	Enforce(ctx context.Context, identifier, action string) (models.RateLimitResult, error)
}

// Verification is the outcome of one accepted verify call.
type Verification struct {
	Result            models.CaptchaResult
	Passed            bool
	RemainingAttempts int
}

type Service struct {
	verifier    Verifier
	limiter     RateLimiter
	minScore    float64
	checkAction bool
}

func NewService(verifier Verifier, limiter RateLimiter, cfg models.CaptchaConfig) *Service {
	return &Service{
		verifier:    verifier,
		limiter:     limiter,
		minScore:    cfg.MinScore,
		checkAction: cfg.CheckAction,
	}
}

// NewVerifier returns the siteverify client for cfg, or StaticVerifier when
// verification is disabled.
func NewVerifier(cfg models.CaptchaConfig) Verifier {
	if !cfg.Enabled {
		return StaticVerifier{}
	}
	return NewSiteVerifyClient(cfg.VerifyURL, cfg.SecretKey, cfg.Timeout)
}

// Verify charges the captcha_verify limit for remoteIP and then asks the
// provider about token. A denied limit returns *models.RateLimitedError
// without contacting the provider. A provider failure wraps
// models.ErrUnavailable.
func (s *Service) Verify(ctx context.Context, token, action, remoteIP string) (*Verification, error) {
	subject := remoteIP
	if subject == "" {
		subject = "unknown"
	}
	limit, err := s.limiter.Enforce(ctx, subject, models.ActionCaptchaVerify)
	if err != nil {
		return nil, err
	}

	result, err := s.verifier.Verify(ctx, token, remoteIP)
	if err != nil {
		slog.Warn("CAPTCHA verification unavailable", "error", err)
		return nil, fmt.Errorf("captcha verification: %w: %w: %w", models.ErrCaptchaProvider, models.ErrUnavailable, err)
	}

	passed := result.Passes(s.minScore)
	if passed && s.checkAction && action != "" && result.Action != "" && result.Action != action {
		slog.Warn("CAPTCHA action mismatch", "expected", action, "actual", result.Action)
		passed = false
	}

	slog.Debug("CAPTCHA verified",
		"success", result.Success,
		"passed", passed,
		"action", result.Action,
		"error_codes", result.ErrorCodes,
	)

	return &Verification{
		Result:            result,
		Passed:            passed,
		RemainingAttempts: limit.RemainingAttempts,
	}, nil
}
