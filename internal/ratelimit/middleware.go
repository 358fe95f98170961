package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"marketplace/internal/models"
)

// ClientFunc names the caller of r. authenticated selects the higher tier.
type ClientFunc func(r *http.Request) (key string, authenticated bool)

// ThrottleMiddleware rejects requests over the client's token bucket with
// 429 and sets X-RateLimit-* headers on every response.
func ThrottleMiddleware(anonymous, authenticated Throttle, client ClientFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, authed := client(r)
			throttle := anonymous
			if authed {
				throttle = authenticated
			}

			allowed, info := throttle.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(info.ResetAt.Unix(), 10))

			if !allowed {
				retryAfter := int(info.RetryAfter.Seconds()) + 1
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)

				resp := models.NewErrorResponse("Too many requests", models.ErrorCodeRateLimitExceeded)
				json.NewEncoder(w).Encode(resp)

				slog.Warn("Request throttled",
					"authenticated", authed,
					"limit", info.Limit,
					"retry_after", retryAfter,
				)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address without port. Proxy headers are
// honoured only when trustProxy is set, since clients can forge them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
