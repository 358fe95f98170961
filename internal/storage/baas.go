package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace/internal/models"
)

type accessTokenKey struct{}

// ContextWithAccessToken attaches the end user's bearer token. The BaaS store
// forwards it instead of the service key so row level security and the
// backend's notion of the calling user apply.
func ContextWithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, accessTokenKey{}, token)
}

func accessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenKey{}).(string)
	return token
}

// BaaSStorage implements Storage against a PostgREST-compatible backend.
type BaaSStorage struct {
	baseURL    string
	serviceKey string
	client     *http.Client
}

// postgrestError is the error body PostgREST returns.
type postgrestError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

// baasStatusError is a non-2xx reply.
type baasStatusError struct {
	Status int
	Body   postgrestError
}

func (e *baasStatusError) Error() string {
	if e.Body.Message != "" {
		return fmt.Sprintf("backend returned %d: %s (%s)", e.Status, e.Body.Message, e.Body.Code)
	}
	return fmt.Sprintf("backend returned %d", e.Status)
}

func NewBaaSStorage(cfg models.BaaSConfig) (*BaaSStorage, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required for BaaS storage")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid BaaS url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BaaSStorage{
		baseURL:    strings.TrimSuffix(cfg.URL, "/"),
		serviceKey: cfg.ServiceKey,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

// do sends one request to /rest/v1/<path> and decodes a 2xx JSON reply into
// out when out is non-nil.
func (bs *BaaSStorage) do(ctx context.Context, method, path string, query url.Values, body any, prefer string, out any) error {
	endpoint := bs.baseURL + "/rest/v1/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	bearer := bs.serviceKey
	if token := accessTokenFromContext(ctx); token != "" {
		bearer = token
	}
	req.Header.Set("apikey", bs.serviceKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	resp, err := bs.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &baasStatusError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &statusErr.Body)
		return statusErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

type checkRateLimitReply struct {
	Allowed           bool   `json:"allowed"`
	RemainingAttempts int    `json:"remaining_attempts"`
	ResetTime         *int64 `json:"reset_time"`
}

// HitRateLimit calls the check_rate_limit RPC, which evaluates and stores the
// attempt inside the backend database. now is not sent: the backend clock is
// authoritative for this store.
func (bs *BaaSStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, _ time.Time) (models.RateLimitResult, error) {
	p := policy.Effective()
	args := map[string]any{
		"_identifier":        key.Identifier,
		"_action_type":       key.Action,
		"_max_attempts":      p.MaxAttempts,
		"_window_ms":         p.Window.Milliseconds(),
		"_block_duration_ms": p.BlockDuration.Milliseconds(),
	}

	var reply checkRateLimitReply
	if err := bs.do(ctx, http.MethodPost, "rpc/check_rate_limit", nil, args, "", &reply); err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}

	res := models.RateLimitResult{Allowed: reply.Allowed, RemainingAttempts: reply.RemainingAttempts}
	if reply.ResetTime != nil {
		res.ResetAt = time.UnixMilli(*reply.ResetTime).UTC()
	}
	return res, nil
}

type baasRateLimitRow struct {
	Identifier   string     `json:"identifier"`
	Action       string     `json:"action_type"`
	AttemptCount int        `json:"attempt_count"`
	WindowStart  time.Time  `json:"window_start"`
	BlockedUntil *time.Time `json:"blocked_until"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func rateLimitFilter(key models.RateLimitKey) url.Values {
	q := url.Values{}
	q.Set("identifier", "eq."+key.Identifier)
	q.Set("action_type", "eq."+key.Action)
	return q
}

func (bs *BaaSStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	q := rateLimitFilter(key)
	q.Set("select", "identifier,action_type,attempt_count,window_start,blocked_until,updated_at")

	var rows []baasRateLimitRow
	if err := bs.do(ctx, http.MethodGet, "rate_limit_attempts", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to get rate limit: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("rate limit %s: %w", key, models.ErrNotFound)
	}
	r := rows[0]
	return &models.RateLimitRecord{
		Identifier:   r.Identifier,
		Action:       r.Action,
		AttemptCount: r.AttemptCount,
		WindowStart:  r.WindowStart,
		BlockedUntil: r.BlockedUntil,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

func (bs *BaaSStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	if err := bs.do(ctx, http.MethodDelete, "rate_limit_attempts", rateLimitFilter(key), nil, "return=minimal", nil); err != nil {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}
	return nil
}

func (bs *BaaSStorage) CreateContactRequest(ctx context.Context, cr *models.ContactRequest) error {
	err := bs.do(ctx, http.MethodPost, "contact_requests", nil, cr, "return=minimal", nil)
	if err != nil {
		var statusErr *baasStatusError
		if errors.As(err, &statusErr) && (statusErr.Body.Code == pgUniqueViolation || statusErr.Status == http.StatusConflict) {
			return fmt.Errorf("property %s: %w", cr.PropertyID, models.ErrDuplicateRequest)
		}
		return fmt.Errorf("failed to create contact request: %w", err)
	}
	return nil
}

func (bs *BaaSStorage) GetContactRequest(ctx context.Context, id string) (*models.ContactRequest, error) {
	q := url.Values{}
	q.Set("id", "eq."+id)

	var rows []*models.ContactRequest
	if err := bs.do(ctx, http.MethodGet, "contact_requests", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to get contact request: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("contact request %s: %w", id, models.ErrNotFound)
	}
	return rows[0], nil
}

// UpdateContactRequestStatus issues one filtered PATCH so the backend applies
// the owner and pending checks in the same UPDATE.
func (bs *BaaSStorage) UpdateContactRequestStatus(ctx context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error) {
	if err := validateStatusTarget(status); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("property_owner_id", "eq."+ownerID)
	q.Set("status", "eq."+string(models.ContactStatusPending))
	patch := map[string]any{"status": status, "updated_at": now.UTC()}

	var rows []*models.ContactRequest
	if err := bs.do(ctx, http.MethodPatch, "contact_requests", q, patch, "return=representation", &rows); err != nil {
		return nil, fmt.Errorf("failed to update contact request: %w", err)
	}
	if len(rows) == 1 {
		return rows[0], nil
	}

	current, err := bs.GetContactRequest(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return nil, classifyStatusConflict(current, ownerID)
}

func (bs *BaaSStorage) listContactRequests(ctx context.Context, column, value string) ([]*models.ContactRequest, error) {
	q := url.Values{}
	q.Set(column, "eq."+value)
	q.Set("order", "created_at.desc,id.asc")

	rows := make([]*models.ContactRequest, 0)
	if err := bs.do(ctx, http.MethodGet, "contact_requests", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to list contact requests: %w", err)
	}
	return rows, nil
}

func (bs *BaaSStorage) ListContactRequestsByRequester(ctx context.Context, requesterID string) ([]*models.ContactRequest, error) {
	return bs.listContactRequests(ctx, "requester_id", requesterID)
}

func (bs *BaaSStorage) ListContactRequestsByOwner(ctx context.Context, ownerID string) ([]*models.ContactRequest, error) {
	return bs.listContactRequests(ctx, "property_owner_id", ownerID)
}

// ApprovedContactInfo calls get_approved_contact_info, which resolves the
// caller from the forwarded user token. Without one the backend cannot tell
// who is asking, so nothing is disclosed.
func (bs *BaaSStorage) ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	if callerID == "" || accessTokenFromContext(ctx) == "" {
		return nil, nil
	}

	var rows []models.ContactInfo
	args := map[string]any{"contact_request_id": requestID}
	if err := bs.do(ctx, http.MethodPost, "rpc/get_approved_contact_info", nil, args, "", &rows); err != nil {
		var statusErr *baasStatusError
		// Malformed ids are indistinguishable from missing requests.
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusBadRequest {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read approved contact info: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (bs *BaaSStorage) UpsertProfile(ctx context.Context, p *models.Profile) error {
	q := url.Values{}
	q.Set("on_conflict", "user_id")
	body := map[string]any{
		"user_id":    p.UserID,
		"full_name":  p.FullName,
		"phone":      p.Phone,
		"updated_at": p.UpdatedAt.UTC(),
	}
	if err := bs.do(ctx, http.MethodPost, "profiles", q, body, "resolution=merge-duplicates,return=minimal", nil); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (bs *BaaSStorage) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)

	var rows []*models.Profile
	if err := bs.do(ctx, http.MethodGet, "profiles", q, nil, "", &rows); err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
	}
	return rows[0], nil
}

// Ping fetches the OpenAPI root, which any reachable PostgREST serves.
func (bs *BaaSStorage) Ping(ctx context.Context) error {
	return bs.do(ctx, http.MethodGet, "", nil, nil, "", nil)
}

func (bs *BaaSStorage) Close() error {
	bs.client.CloseIdleConnections()
	return nil
}
