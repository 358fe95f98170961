package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace/internal/captcha"
	"marketplace/internal/contact"
	"marketplace/internal/guard"
	"marketplace/internal/models"
	"marketplace/internal/ratelimit"
	"marketplace/internal/storage"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret  = "test-jwt-secret-at-least-32-bytes-long"
	testServiceKey = "mkt_service_key"
	testAdminKey   = "mkt_admin_key"
)

func testConfig() *models.Config {
	cfg := models.NewDefaultConfig()
	cfg.Security.JWTSecret = testJWTSecret
	cfg.Security.JWTIssuer = "https://auth.example.com"
	cfg.Security.APIKeys = []models.APIKeyConfig{
		{Name: "frontend", Key: testServiceKey, Permissions: []string{models.PermissionService}, Enabled: true},
		{Name: "ops", Key: testAdminKey, Permissions: []string{models.PermissionAdmin}, Enabled: true},
		{Name: "retired", Key: "mkt_retired", Permissions: []string{models.PermissionAdmin}, Enabled: false},
	}
	return cfg
}

func signToken(t *testing.T, secret, issuer, sub string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, sub string) string {
	return signToken(t, testJWTSecret, "https://auth.example.com", sub, time.Now().Add(time.Hour))
}

// newTestRouter wires the real services over one memory store.
func newTestRouter(t *testing.T) (*mux.Router, *storage.MemoryStorage) {
	t.Helper()
	cfg := testConfig()
	store := storage.NewMemoryStorage(0)
	t.Cleanup(func() { store.Close() })

	limiter, err := ratelimit.NewLimiter(store, cfg.Security)
	require.NoError(t, err)
	captchaSvc := captcha.NewService(captcha.StaticVerifier{}, limiter, cfg.Captcha)

	handlers := NewHandlers(limiter, contact.NewService(store, limiter),
		WithStorage(store),
		WithCaptcha(captchaSvc),
		WithPrechecker(guard.New(limiter, captchaSvc, true)),
	)
	return SetupRoutes(handlers, cfg), store
}

func do(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestUserVerifier(t *testing.T) {
	v := NewUserVerifier(testJWTSecret, "https://auth.example.com")

	sub, err := v.Verify(userToken(t, "user-1"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub)

	tests := []struct {
		name  string
		token string
	}{
		{name: "expired", token: signToken(t, testJWTSecret, "https://auth.example.com", "user-1", time.Now().Add(-time.Hour))},
		{name: "wrong secret", token: signToken(t, "another-secret-of-sufficient-length!", "https://auth.example.com", "user-1", time.Now().Add(time.Hour))},
		{name: "wrong issuer", token: signToken(t, testJWTSecret, "https://evil.example.com", "user-1", time.Now().Add(time.Hour))},
		{name: "no subject", token: signToken(t, testJWTSecret, "https://auth.example.com", "", time.Now().Add(time.Hour))},
		{name: "garbage", token: "not.a.jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.Error(t, err)
		})
	}

	t.Run("no expiry", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject: "user-1",
			Issuer:  "https://auth.example.com",
		}).SignedString([]byte(testJWTSecret))
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.Error(t, err)
	})

	t.Run("none algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = v.Verify(token)
		assert.Error(t, err)
	})

	t.Run("unconfigured", func(t *testing.T) {
		_, err := NewUserVerifier("", "").Verify(userToken(t, "user-1"))
		assert.Error(t, err)
	})
}

func TestKeyRing(t *testing.T) {
	ring := NewKeyRing(testConfig().Security.APIKeys)

	key, ok := ring.Lookup(testServiceKey)
	require.True(t, ok)
	assert.Equal(t, "frontend", key.Name)
	assert.True(t, key.HasPermission(models.PermissionService))
	assert.False(t, key.HasPermission(models.PermissionAdmin))

	_, ok = ring.Lookup("mkt_retired")
	assert.False(t, ok, "disabled keys never authenticate")
	_, ok = ring.Lookup("")
	assert.False(t, ok)
	_, ok = ring.Lookup("unknown")
	assert.False(t, ok)
}

func TestRoutes_ServiceKeyRequired(t *testing.T) {
	router, _ := newTestRouter(t)
	body := map[string]any{"identifier": "user@example.com", "action_type": "login", "max_attempts": 5, "window_ms": 60000}

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{name: "no key", status: http.StatusUnauthorized},
		{name: "unknown key", headers: map[string]string{"X-API-Key": "nope"}, status: http.StatusUnauthorized},
		{name: "disabled key", headers: map[string]string{"X-API-Key": "mkt_retired"}, status: http.StatusUnauthorized},
		{name: "service key", headers: map[string]string{"X-API-Key": testServiceKey}, status: http.StatusOK},
		{name: "service key as bearer", headers: bearer(testServiceKey), status: http.StatusOK},
		{name: "admin implies service", headers: map[string]string{"X-API-Key": testAdminKey}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := do(t, router, http.MethodPost, "/api/v1/rate-limit/check", body, tt.headers)
			assert.Equal(t, tt.status, recorder.Code)
		})
	}
}

func TestRoutes_AdminKeyRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := do(t, router, http.MethodDelete, "/api/v1/rate-limit/login/user@example.com", nil, map[string]string{"X-API-Key": testServiceKey})
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = do(t, router, http.MethodDelete, "/api/v1/rate-limit/login/user@example.com", nil, map[string]string{"X-API-Key": testAdminKey})
	assert.Equal(t, http.StatusNoContent, recorder.Code)

	recorder = do(t, router, http.MethodGet, "/api/v1/rate-limit/login/user@example.com", nil, map[string]string{"X-API-Key": testAdminKey})
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestRoutes_UserAuthRequired(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := do(t, router, http.MethodGet, "/api/v1/contact-requests/sent", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)

	recorder = do(t, router, http.MethodGet, "/api/v1/contact-requests/sent", nil, bearer(testServiceKey))
	assert.Equal(t, http.StatusUnauthorized, recorder.Code, "service keys are not user identities")

	recorder = do(t, router, http.MethodGet, "/api/v1/contact-requests/sent", nil, bearer(userToken(t, "user-1")))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestRoutes_ContactLifecycle(t *testing.T) {
	router, _ := newTestRouter(t)
	owner, requester, stranger := userToken(t, "owner-1"), userToken(t, "user-1"), userToken(t, "user-2")

	recorder := do(t, router, http.MethodPut, "/api/v1/profiles/me", map[string]string{"full_name": "Olive Owner", "phone": "+1 555 0100"}, bearer(owner))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = do(t, router, http.MethodPost, "/api/v1/contact-requests",
		map[string]string{"property_id": "prop-1", "property_owner_id": "owner-1", "message": "Is it available?"}, bearer(requester))
	require.Equal(t, http.StatusCreated, recorder.Code)
	var cr models.ContactRequest
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &cr))
	assert.Equal(t, "user-1", cr.RequesterID)

	recorder = do(t, router, http.MethodPost, "/api/v1/contact-requests",
		map[string]string{"property_id": "prop-1", "property_owner_id": "owner-1"}, bearer(requester))
	assert.Equal(t, http.StatusConflict, recorder.Code)

	infoPath := "/api/v1/contact-requests/" + cr.ID + "/contact-info"
	recorder = do(t, router, http.MethodGet, infoPath, nil, bearer(requester))
	assert.Equal(t, http.StatusNotFound, recorder.Code, "pending requests disclose nothing")

	recorder = do(t, router, http.MethodPatch, "/api/v1/contact-requests/"+cr.ID, map[string]string{"status": "approved"}, bearer(requester))
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = do(t, router, http.MethodPatch, "/api/v1/contact-requests/"+cr.ID, map[string]string{"status": "approved"}, bearer(owner))
	require.Equal(t, http.StatusOK, recorder.Code)

	recorder = do(t, router, http.MethodPatch, "/api/v1/contact-requests/"+cr.ID, map[string]string{"status": "denied"}, bearer(owner))
	assert.Equal(t, http.StatusConflict, recorder.Code)

	recorder = do(t, router, http.MethodGet, infoPath, nil, bearer(requester))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"full_name":"Olive Owner","phone":"+1 555 0100"}`, recorder.Body.String())

	strangerResp := do(t, router, http.MethodGet, infoPath, nil, bearer(stranger))
	missingResp := do(t, router, http.MethodGet, "/api/v1/contact-requests/does-not-exist/contact-info", nil, bearer(stranger))
	assert.Equal(t, http.StatusNotFound, strangerResp.Code)
	assert.Equal(t, missingResp.Code, strangerResp.Code)
	assert.Equal(t, decodeError(t, missingResp).Message, decodeError(t, strangerResp).Message)

	recorder = do(t, router, http.MethodGet, "/api/v1/contact-requests/received", nil, bearer(owner))
	require.Equal(t, http.StatusOK, recorder.Code)
	var received models.ListContactRequestsResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &received))
	require.Equal(t, 1, received.TotalCount)
	assert.Equal(t, models.ContactStatusApproved, received.ContactRequests[0].Status)
}

func TestRoutes_ContactRequestRateLimited(t *testing.T) {
	router, _ := newTestRouter(t)
	token := userToken(t, "user-1")

	for i := range 5 {
		recorder := do(t, router, http.MethodPost, "/api/v1/contact-requests",
			map[string]string{"property_id": "prop-" + string(rune('a'+i)), "property_owner_id": "owner-1"}, bearer(token))
		require.Equal(t, http.StatusCreated, recorder.Code, "request %d", i+1)
	}

	recorder := do(t, router, http.MethodPost, "/api/v1/contact-requests",
		map[string]string{"property_id": "prop-z", "property_owner_id": "owner-1"}, bearer(token))
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get("Retry-After"))
	assert.NotNil(t, decodeError(t, recorder).ResetTime)
}

func TestRoutes_Precheck(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := do(t, router, http.MethodPost, "/api/v1/auth/signup/precheck", map[string]string{"identifier": "new@example.com", "token": "tok"}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	var resp models.PrecheckResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.True(t, resp.Allowed)
	assert.Equal(t, 2, resp.RemainingAttempts)

	recorder = do(t, router, http.MethodPost, "/api/v1/auth/signup/precheck", map[string]string{"identifier": "new@example.com"}, nil)
	require.Equal(t, http.StatusOK, recorder.Code)
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &resp))
	assert.False(t, resp.Allowed)
	assert.Equal(t, models.PrecheckReasonCaptchaMissing, resp.Reason)

	recorder = do(t, router, http.MethodPost, "/api/v1/auth/contact_request/precheck", map[string]string{"identifier": "new@example.com", "token": "tok"}, nil)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestRoutes_HealthAndFallbacks(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, path := range []string{"/health", "/api/v1/health"} {
		recorder := do(t, router, http.MethodGet, path, nil, nil)
		assert.Equal(t, http.StatusOK, recorder.Code, path)
	}

	recorder := do(t, router, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, models.ErrorCodeNotFound, decodeError(t, recorder).Code)

	recorder = do(t, router, http.MethodGet, "/api/v1/captcha/verify", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestCORSMiddleware(t *testing.T) {
	router, _ := newTestRouter(t)

	recorder := do(t, router, http.MethodOptions, "/api/v1/contact-requests", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, "https://app.example.com", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Methods"), "PATCH")
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Headers"), "Authorization")

	mw := corsMiddleware(models.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://app.example.com"}})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, models.ErrorCodeInternalError, decodeError(t, recorder).Code)
}

func TestThrottleClient(t *testing.T) {
	cfg := testConfig()
	client := ThrottleClient(NewKeyRing(cfg.Security.APIKeys), NewUserVerifier(testJWTSecret, cfg.Security.JWTIssuer), false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	key, authed := client(req)
	assert.Equal(t, "ip:203.0.113.5", key)
	assert.False(t, authed)

	req.Header.Set("Authorization", "Bearer forged")
	key, authed = client(req)
	assert.Equal(t, "ip:203.0.113.5", key, "unverified credentials stay anonymous")
	assert.False(t, authed)

	req.Header.Set("Authorization", "Bearer "+userToken(t, "user-1"))
	key, authed = client(req)
	assert.Equal(t, "user:user-1", key)
	assert.True(t, authed)

	req.Header.Set("X-API-Key", testServiceKey)
	key, authed = client(req)
	assert.Equal(t, "key:"+models.HashAPIKey(testServiceKey), key)
	assert.True(t, authed)
}

func TestThrottleOption(t *testing.T) {
	cfg := testConfig()
	store := storage.NewMemoryStorage(0)
	t.Cleanup(func() { store.Close() })
	limiter, err := ratelimit.NewLimiter(store, cfg.Security)
	require.NoError(t, err)

	anonymous := ratelimit.NewMemoryThrottle(60, 1, 0)
	authenticated := ratelimit.NewMemoryThrottle(60, 5, 0)
	t.Cleanup(anonymous.Close)
	t.Cleanup(authenticated.Close)

	handlers := NewHandlers(limiter, contact.NewService(store, limiter), WithStorage(store))
	router := SetupRoutes(handlers, cfg, WithRateLimiter(ratelimit.ThrottleMiddleware(anonymous, authenticated,
		ThrottleClient(NewKeyRing(cfg.Security.APIKeys), NewUserVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer), false))))

	recorder := do(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, recorder.Code)
	recorder = do(t, router, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.NotEmpty(t, recorder.Header().Get("Retry-After"))

	recorder = do(t, router, http.MethodGet, "/health", nil, bearer(userToken(t, "user-1")))
	assert.Equal(t, http.StatusOK, recorder.Code)
}
