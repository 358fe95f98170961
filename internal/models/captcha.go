package models

import "time"

// CaptchaResult is the verifier's answer for one token. Score is nil for
// providers that do not score (checkbox challenges).
type CaptchaResult struct {
	Success     bool      `json:"success"`
	Score       *float64  `json:"score,omitempty"`
	Action      string    `json:"action,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	ChallengeTS time.Time `json:"challenge_ts,omitzero"`
	ErrorCodes  []string  `json:"error_codes,omitempty"`
}

// Passes reports whether the result clears minScore. An unscored success
// only passes when no threshold is configured.
func (r CaptchaResult) Passes(minScore float64) bool {
	if !r.Success {
		return false
	}
	if r.Score == nil {
		return minScore <= 0
	}
	return *r.Score >= minScore
}
