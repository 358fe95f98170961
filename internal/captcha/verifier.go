// Package captcha verifies client CAPTCHA tokens against a siteverify
// endpoint (reCAPTCHA v3 or Turnstile) and applies the per-address
// captcha_verify rate limit in front of it.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace/internal/models"
)

// Verifier checks one token with the CAPTCHA provider.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) (models.CaptchaResult, error)
}

// SiteVerifyClient posts tokens to a siteverify URL.
type SiteVerifyClient struct {
	verifyURL string
	secret    string
	client    *http.Client
}

func NewSiteVerifyClient(verifyURL, secret string, timeout time.Duration) *SiteVerifyClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SiteVerifyClient{
		verifyURL: verifyURL,
		secret:    secret,
		client:    &http.Client{Timeout: timeout},
	}
}

type siteVerifyReply struct {
	Success     bool     `json:"success"`
	Score       *float64 `json:"score"`
	Action      string   `json:"action"`
	Hostname    string   `json:"hostname"`
	ChallengeTS string   `json:"challenge_ts"`
	ErrorCodes  []string `json:"error-codes"`
}

// Verify returns the provider's verdict. A transport failure, non-2xx status
// or malformed body yields an unsuccessful result and an error.
func (c *SiteVerifyClient) Verify(ctx context.Context, token, remoteIP string) (models.CaptchaResult, error) {
	form := url.Values{}
	form.Set("secret", c.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return models.CaptchaResult{}, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return models.CaptchaResult{}, fmt.Errorf("siteverify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return models.CaptchaResult{}, fmt.Errorf("siteverify returned status %d", resp.StatusCode)
	}

	var reply siteVerifyReply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&reply); err != nil {
		return models.CaptchaResult{}, fmt.Errorf("failed to decode siteverify response: %w", err)
	}

	result := models.CaptchaResult{
		Success:    reply.Success,
		Score:      reply.Score,
		Action:     reply.Action,
		Hostname:   reply.Hostname,
		ErrorCodes: reply.ErrorCodes,
	}
	if ts, err := time.Parse(time.RFC3339, reply.ChallengeTS); err == nil {
		result.ChallengeTS = ts
	}
	return result, nil
}

// StaticVerifier accepts every non-empty token with a perfect score. It is
// installed when CAPTCHA verification is disabled.
type StaticVerifier struct{}

func (StaticVerifier) Verify(_ context.Context, token, _ string) (models.CaptchaResult, error) {
	if token == "" {
		return models.CaptchaResult{Success: false, ErrorCodes: []string{"missing-input-response"}}, nil
	}
	score := 1.0
	return models.CaptchaResult{Success: true, Score: &score}, nil
}
