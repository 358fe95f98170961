package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"marketplace/internal/captcha"
	"marketplace/internal/contact"
	"marketplace/internal/models"
	"marketplace/internal/ratelimit"
	"marketplace/internal/storage"
	"marketplace/internal/version"

	"github.com/gorilla/mux"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 64 << 10

// RateLimiter is the limiter surface the rate-limit endpoints use.
type RateLimiter interface {
	Policy(action string) (models.ActionPolicy, bool)
	CheckWithPolicy(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, onFailure models.FailurePolicy) (models.RateLimitResult, error)
	Get(ctx context.Context, identifier, action string) (*models.RateLimitRecord, error)
	Reset(ctx context.Context, identifier, action string) error
	Now() time.Time
}

// ContactService is implemented by contact.Service.
type ContactService interface {
	Create(ctx context.Context, requesterID string, req *models.CreateContactRequestRequest) (*models.ContactRequest, error)
	UpdateStatus(ctx context.Context, requestID, actingUserID string, req *models.UpdateContactStatusRequest) (*models.ContactRequest, error)
	ListSent(ctx context.Context, requesterID string) (*models.ListContactRequestsResponse, error)
	ListReceived(ctx context.Context, ownerID string) (*models.ListContactRequestsResponse, error)
	ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error)
	UpsertProfile(ctx context.Context, userID string, req *models.UpsertProfileRequest) (*models.Profile, error)
}

// CaptchaService is implemented by captcha.Service.
type CaptchaService interface {
	Verify(ctx context.Context, token, action, remoteIP string) (*captcha.Verification, error)
}

// Prechecker is implemented by guard.Guard.
type Prechecker interface {
	Precheck(ctx context.Context, action, identifier, token, remoteIP string) (*models.PrecheckResponse, error)
}

// Handlers contains the HTTP handlers for the marketplace API.
type Handlers struct {
	limiter    RateLimiter
	contacts   ContactService
	captcha    CaptchaService
	guard      Prechecker
	storage    storage.Storage
	trustProxy bool
	startTime  time.Time
}

// HandlerOption configures optional Handlers dependencies.
type HandlerOption func(*Handlers)

// WithStorage enables the storage component of the health check.
func WithStorage(s storage.Storage) HandlerOption {
	return func(h *Handlers) { h.storage = s }
}

func WithCaptcha(c CaptchaService) HandlerOption {
	return func(h *Handlers) { h.captcha = c }
}

func WithPrechecker(p Prechecker) HandlerOption {
	return func(h *Handlers) { h.guard = p }
}

// WithTrustProxy reads client addresses from proxy headers.
func WithTrustProxy(trust bool) HandlerOption {
	return func(h *Handlers) { h.trustProxy = trust }
}

func NewHandlers(limiter RateLimiter, contacts ContactService, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		limiter:   limiter,
		contacts:  contacts,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckRateLimit records one attempt under a caller-supplied policy.
// POST /api/v1/rate-limit/check
// Requires the service permission.
func (h *Handlers) CheckRateLimit(w http.ResponseWriter, r *http.Request) {
	var req models.RateLimitCheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	key, policy, err := req.Validate()
	if err != nil {
		h.writeError(w, err)
		return
	}

	onFailure := models.FailClosed
	if configured, ok := h.limiter.Policy(key.Action); ok {
		onFailure = configured.OnFailure
	}

	res, err := h.limiter.CheckWithPolicy(r.Context(), key, policy, onFailure)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, models.NewRateLimitCheckResponse(res))
}

// GetRateLimit returns the stored counter.
// GET /api/v1/rate-limit/{action}/{identifier}
func (h *Handlers) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, identifier := vars["action"], vars["identifier"]
	rec, err := h.limiter.Get(r.Context(), identifier, action)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "No rate limit record")
			return
		}
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, models.NewRateLimitRecordResponse(rec, h.limiter.Now()))
}

// ResetRateLimit clears a counter.
// DELETE /api/v1/rate-limit/{action}/{identifier}
func (h *Handlers) ResetRateLimit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	action, identifier := vars["action"], vars["identifier"]
	if err := h.limiter.Reset(r.Context(), identifier, action); err != nil {
		h.writeError(w, err)
		return
	}

	slog.Info("Rate limit reset by administrator",
		"action", action,
		"api_key", getAPIKeyName(GetSecurityContext(r)),
	)
	w.WriteHeader(http.StatusNoContent)
}

// VerifyCaptcha checks a CAPTCHA token for the calling address.
// POST /api/v1/captcha/verify
func (h *Handlers) VerifyCaptcha(w http.ResponseWriter, r *http.Request) {
	var req models.CaptchaVerifyRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	v, err := h.captcha.Verify(r.Context(), req.Token, req.Action, ratelimit.ClientIP(r, h.trustProxy))
	if errors.Is(err, models.ErrCaptchaProvider) {
		h.writeJSONResponse(w, http.StatusBadGateway, &models.CaptchaVerifyResponse{Success: false})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	remaining := v.RemainingAttempts
	h.writeJSONResponse(w, http.StatusOK, &models.CaptchaVerifyResponse{
		Success:           v.Passed,
		Score:             v.Result.Score,
		Action:            v.Result.Action,
		RemainingAttempts: &remaining,
	})
}

// Precheck answers whether a login or signup attempt may proceed.
// POST /api/v1/auth/{action}/precheck
func (h *Handlers) Precheck(w http.ResponseWriter, r *http.Request) {
	var req models.PrecheckRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.guard.Precheck(r.Context(), mux.Vars(r)["action"], req.Identifier, req.Token, ratelimit.ClientIP(r, h.trustProxy))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// CreateContactRequest
// POST /api/v1/contact-requests
func (h *Handlers) CreateContactRequest(w http.ResponseWriter, r *http.Request) {
	var req models.CreateContactRequestRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	cr, err := h.contacts.Create(r.Context(), UserID(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, cr)
}

// ListSentContactRequests
// GET /api/v1/contact-requests/sent
func (h *Handlers) ListSentContactRequests(w http.ResponseWriter, r *http.Request) {
	resp, err := h.contacts.ListSent(r.Context(), UserID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// ListReceivedContactRequests
// GET /api/v1/contact-requests/received
func (h *Handlers) ListReceivedContactRequests(w http.ResponseWriter, r *http.Request) {
	resp, err := h.contacts.ListReceived(r.Context(), UserID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// UpdateContactRequestStatus approves or denies a pending request.
// PATCH /api/v1/contact-requests/{id}
func (h *Handlers) UpdateContactRequestStatus(w http.ResponseWriter, r *http.Request) {
	var req models.UpdateContactStatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	cr, err := h.contacts.UpdateStatus(r.Context(), mux.Vars(r)["id"], UserID(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, cr)
}

// GetContactInfo releases the owner's contact details to the requester of
// an approved request. Every other case is the same 404.
// GET /api/v1/contact-requests/{id}/contact-info
func (h *Handlers) GetContactInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.contacts.ApprovedContactInfo(r.Context(), mux.Vars(r)["id"], UserID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if info == nil {
		h.writeErrorResponse(w, http.StatusNotFound, models.ErrorCodeNotFound, "Contact information not available")
		return
	}
	h.writeJSONResponse(w, http.StatusOK, info)
}

// UpsertProfile
// PUT /api/v1/profiles/me
func (h *Handlers) UpsertProfile(w http.ResponseWriter, r *http.Request) {
	var req models.UpsertProfileRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	p, err := h.contacts.UpsertProfile(r.Context(), UserID(r), &req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, p)
}

// HealthCheck handles health check requests
// GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = version.GetInfo().Version
	response.Uptime = time.Since(h.startTime).Round(time.Second).String()

	if h.storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.storage.Ping(ctx); err != nil {
			slog.Warn("Health check storage ping failed", "error", err)
			response.Status = models.StatusUnhealthy
			response.AddComponent("storage", models.StatusUnhealthy, "Storage is unreachable")
		} else {
			response.AddComponent("storage", models.StatusHealthy, "Storage is operational")
		}
	}
	response.AddComponent("api", models.StatusHealthy, "API is operational")

	status := http.StatusOK
	if response.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, status, response)
}

// decodeJSON reads a bounded JSON body into dst and writes a 400 on failure.
func (h *Handlers) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Error encoding JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	h.writeJSONResponse(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeError maps a service or limiter error onto its status and code.
func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	var (
		svcErr  *contact.ServiceError
		valErr  *models.ValidationError
		limited *models.RateLimitedError
	)

	switch {
	case errors.As(err, &svcErr):
		if svcErr.StatusCode == http.StatusTooManyRequests {
			h.writeRateLimited(w, svcErr.Message, svcErr.ResetAt)
			return
		}
		if svcErr.StatusCode >= http.StatusInternalServerError {
			slog.Error("Request failed", "code", svcErr.Code, "error", svcErr.Err)
		}
		h.writeErrorResponse(w, svcErr.StatusCode, svcErr.Code, svcErr.Message)
	case errors.As(err, &limited):
		h.writeRateLimited(w, "Too many attempts, try again later", limited.ResetAt)
	case errors.As(err, &valErr):
		resp := models.NewErrorResponse(valErr.Error(), models.ErrorCodeValidation)
		if valErr.Field != "" {
			resp.Details = map[string]string{valErr.Field: valErr.Message}
		}
		h.writeJSONResponse(w, http.StatusBadRequest, resp)
	case errors.Is(err, models.ErrValidation):
		h.writeErrorResponse(w, http.StatusBadRequest, models.ErrorCodeValidation, err.Error())
	case errors.Is(err, models.ErrUnavailable):
		slog.Error("Backing service unavailable", "error", err)
		h.writeErrorResponse(w, http.StatusServiceUnavailable, models.ErrorCodeServiceUnavailable, "Service temporarily unavailable")
	default:
		slog.Error("Unhandled request error", "error", err)
		h.writeErrorResponse(w, http.StatusInternalServerError, models.ErrorCodeInternalError, "Internal server error")
	}
}

// writeRateLimited writes a 429 carrying Retry-After and reset_time.
func (h *Handlers) writeRateLimited(w http.ResponseWriter, message string, resetAt time.Time) {
	resp := models.NewErrorResponse(message, models.ErrorCodeRateLimitExceeded)
	if !resetAt.IsZero() {
		resp.ResetTime = models.RateLimitResult{ResetAt: resetAt}.ResetTimeMillis()
		retryAfter := int(time.Until(resetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	h.writeJSONResponse(w, http.StatusTooManyRequests, resp)
}
