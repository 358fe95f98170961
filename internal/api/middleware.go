package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/ratelimit"
	"marketplace/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type contextKey int

const (
	apiKeyContextKey contextKey = iota
	userIDContextKey
)

// SecurityContext represents the API key behind a service request.
type SecurityContext struct {
	APIKey *models.APIKey
}

// HasPermission checks if the security context has the required permission
func (sc *SecurityContext) HasPermission(required string) bool {
	if sc == nil || sc.APIKey == nil {
		return false
	}
	return sc.APIKey.HasPermission(required)
}

// GetSecurityContext extracts security context from request context
func GetSecurityContext(r *http.Request) *SecurityContext {
	if apiKey, ok := r.Context().Value(apiKeyContextKey).(*models.APIKey); ok {
		return &SecurityContext{APIKey: apiKey}
	}
	return nil
}

// UserID returns the authenticated user, or "" outside userAuthMiddleware.
func UserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDContextKey).(string)
	return id
}

// KeyRing indexes configured API keys by hash.
type KeyRing map[string]*models.APIKey

func NewKeyRing(configs []models.APIKeyConfig) KeyRing {
	ring := make(KeyRing, len(configs))
	for _, cfg := range configs {
		k := models.NewAPIKey(cfg)
		ring[k.KeyHash] = k
	}
	return ring
}

// Lookup returns the enabled key matching raw.
func (kr KeyRing) Lookup(raw string) (*models.APIKey, bool) {
	if raw == "" {
		return nil, false
	}
	k, ok := kr[models.HashAPIKey(raw)]
	if !ok || !k.Enabled {
		return nil, false
	}
	return k, true
}

// apiKeyFromRequest reads X-API-Key, falling back to a bearer token.
func apiKeyFromRequest(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	token, _ := bearerToken(r)
	return token
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	authHeader := r.Header.Get("Authorization")
	if len(authHeader) <= len(prefix) || !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(authHeader[len(prefix):]), true
}

// apiKeyMiddleware authenticates service callers and enforces required.
func apiKeyMiddleware(keys KeyRing, required string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := apiKeyFromRequest(r)
			if raw == "" {
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "API key required")
				return
			}
			key, ok := keys.Lookup(raw)
			if !ok {
				slog.Warn("Rejected API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid API key")
				return
			}
			if !key.HasPermission(required) {
				writeMiddlewareError(w, http.StatusForbidden, models.ErrorCodeForbidden, "Insufficient permissions for this operation")
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyContextKey, key)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserVerifier validates access tokens issued by the auth backend.
type UserVerifier struct {
	secret []byte
	issuer string
}

func NewUserVerifier(secret, issuer string) *UserVerifier {
	return &UserVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify returns the token subject. Only HS256 tokens with an expiry are
// accepted.
func (v *UserVerifier) Verify(raw string) (string, error) {
	if len(v.secret) == 0 {
		return "", errors.New("user authentication is not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	sub, err := token.Claims.GetSubject()
	if err != nil {
		return "", err
	}
	if sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// userAuthMiddleware authenticates end users by bearer JWT. The raw token
// travels on in the context so the BaaS store can act as the user.
func userAuthMiddleware(verifier *UserVerifier) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Authorization required")
				return
			}
			sub, err := verifier.Verify(raw)
			if err != nil {
				slog.Debug("Rejected access token", "error", err, "path", r.URL.Path)
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, sub)
			ctx = storage.ContextWithAccessToken(ctx, raw)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ThrottleClient keys the request throttle. Callers presenting a valid API
// key or access token get the authenticated tier; everyone else is keyed
// by address.
func ThrottleClient(keys KeyRing, verifier *UserVerifier, trustProxy bool) ratelimit.ClientFunc {
	return func(r *http.Request) (string, bool) {
		if key, ok := keys.Lookup(strings.TrimSpace(r.Header.Get("X-API-Key"))); ok {
			return "key:" + key.KeyHash, true
		}
		if raw, ok := bearerToken(r); ok {
			if key, ok := keys.Lookup(raw); ok {
				return "key:" + key.KeyHash, true
			}
			if sub, err := verifier.Verify(raw); err == nil {
				return "user:" + sub, true
			}
		}
		return "ip:" + ratelimit.ClientIP(r, trustProxy), false
	}
}

// corsMiddleware handles Cross-Origin Resource Sharing
func corsMiddleware(corsConfig models.CORSConfig) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				if contains(corsConfig.AllowedOrigins, "*") || contains(corsConfig.AllowedOrigins, origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
			}
			if len(corsConfig.AllowedMethods) > 0 {
				w.Header().Set("Access-Control-Allow-Methods", strings.Join(corsConfig.AllowedMethods, ", "))
			}
			if len(corsConfig.AllowedHeaders) > 0 {
				w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsConfig.AllowedHeaders, ", "))
			}
			if corsConfig.MaxAge > 0 {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsConfig.MaxAge))
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr)
	})
}

// recoveryMiddleware handles panics
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				slog.Error("Panic recovered", "error", err, "path", r.URL.Path)
				writeMiddlewareError(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeMiddlewareError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}

// getAPIKeyName safely extracts the API key name for logging
func getAPIKeyName(securityContext *SecurityContext) string {
	if securityContext == nil || securityContext.APIKey == nil {
		return "anonymous"
	}
	if securityContext.APIKey.Name != "" {
		return securityContext.APIKey.Name
	}
	return "unnamed-key"
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
