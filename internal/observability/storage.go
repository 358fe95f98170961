package observability

import (
	"context"
	"errors"
	"time"

	"marketplace/internal/models"
	"marketplace/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStorage wraps a storage.Storage with a span, a latency
// histogram sample and, on failure, an error count for every call.
// Identifiers and user ids never become attributes; only the action does.
type InstrumentedStorage struct {
	inner    storage.Storage
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

func NewInstrumentedStorage(inner storage.Storage) (*InstrumentedStorage, error) {
	tracer := otel.Tracer("marketplace/storage")
	meter := otel.Meter("marketplace/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStorage{
		inner:    inner,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStorage) startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append([]attribute.KeyValue{
			attribute.String("storage.operation", operation),
		}, attrs...)...),
	)
	return ctx, span, time.Now()
}

// record ends span. Expected outcomes (not found, duplicate, lost
// transition) are not counted as errors.
func (s *InstrumentedStorage) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	attrs := metric.WithAttributes(attribute.String("operation", operation))
	s.duration.Record(ctx, time.Since(start).Seconds(), attrs)

	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case isExpected(err):
		span.SetAttributes(attribute.String("storage.outcome", err.Error()))
	default:
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isExpected(err error) bool {
	return errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrDuplicateRequest) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrInvalidTransition)
}

func actionAttr(key models.RateLimitKey) attribute.KeyValue {
	return attribute.String("ratelimit.action", key.Action)
}

func (s *InstrumentedStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	ctx, span, start := s.startSpan(ctx, "HitRateLimit", actionAttr(key))
	res, err := s.inner.HitRateLimit(ctx, key, policy, now)
	if err == nil {
		span.SetAttributes(attribute.Bool("ratelimit.allowed", res.Allowed))
	}
	s.record(ctx, span, "HitRateLimit", start, err)
	return res, err
}

func (s *InstrumentedStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	ctx, span, start := s.startSpan(ctx, "GetRateLimit", actionAttr(key))
	rec, err := s.inner.GetRateLimit(ctx, key)
	s.record(ctx, span, "GetRateLimit", start, err)
	return rec, err
}

func (s *InstrumentedStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	ctx, span, start := s.startSpan(ctx, "ResetRateLimit", actionAttr(key))
	err := s.inner.ResetRateLimit(ctx, key)
	s.record(ctx, span, "ResetRateLimit", start, err)
	return err
}

func (s *InstrumentedStorage) CreateContactRequest(ctx context.Context, cr *models.ContactRequest) error {
	ctx, span, start := s.startSpan(ctx, "CreateContactRequest", attribute.String("contact_request.id", cr.ID))
	err := s.inner.CreateContactRequest(ctx, cr)
	s.record(ctx, span, "CreateContactRequest", start, err)
	return err
}

func (s *InstrumentedStorage) GetContactRequest(ctx context.Context, id string) (*models.ContactRequest, error) {
	ctx, span, start := s.startSpan(ctx, "GetContactRequest", attribute.String("contact_request.id", id))
	cr, err := s.inner.GetContactRequest(ctx, id)
	s.record(ctx, span, "GetContactRequest", start, err)
	return cr, err
}

func (s *InstrumentedStorage) UpdateContactRequestStatus(ctx context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error) {
	ctx, span, start := s.startSpan(ctx, "UpdateContactRequestStatus",
		attribute.String("contact_request.id", id),
		attribute.String("contact_request.status", string(status)),
	)
	cr, err := s.inner.UpdateContactRequestStatus(ctx, id, ownerID, status, now)
	s.record(ctx, span, "UpdateContactRequestStatus", start, err)
	return cr, err
}

func (s *InstrumentedStorage) ListContactRequestsByRequester(ctx context.Context, requesterID string) ([]*models.ContactRequest, error) {
	ctx, span, start := s.startSpan(ctx, "ListContactRequestsByRequester")
	list, err := s.inner.ListContactRequestsByRequester(ctx, requesterID)
	span.SetAttributes(attribute.Int("result.count", len(list)))
	s.record(ctx, span, "ListContactRequestsByRequester", start, err)
	return list, err
}

func (s *InstrumentedStorage) ListContactRequestsByOwner(ctx context.Context, ownerID string) ([]*models.ContactRequest, error) {
	ctx, span, start := s.startSpan(ctx, "ListContactRequestsByOwner")
	list, err := s.inner.ListContactRequestsByOwner(ctx, ownerID)
	span.SetAttributes(attribute.Int("result.count", len(list)))
	s.record(ctx, span, "ListContactRequestsByOwner", start, err)
	return list, err
}

func (s *InstrumentedStorage) ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	ctx, span, start := s.startSpan(ctx, "ApprovedContactInfo", attribute.String("contact_request.id", requestID))
	info, err := s.inner.ApprovedContactInfo(ctx, requestID, callerID)
	s.record(ctx, span, "ApprovedContactInfo", start, err)
	return info, err
}

func (s *InstrumentedStorage) UpsertProfile(ctx context.Context, p *models.Profile) error {
	ctx, span, start := s.startSpan(ctx, "UpsertProfile")
	err := s.inner.UpsertProfile(ctx, p)
	s.record(ctx, span, "UpsertProfile", start, err)
	return err
}

func (s *InstrumentedStorage) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	ctx, span, start := s.startSpan(ctx, "GetProfile")
	p, err := s.inner.GetProfile(ctx, userID)
	s.record(ctx, span, "GetProfile", start, err)
	return p, err
}

func (s *InstrumentedStorage) Ping(ctx context.Context) error {
	ctx, span, start := s.startSpan(ctx, "Ping")
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}

// Unwrap returns the wrapped store.
func (s *InstrumentedStorage) Unwrap() storage.Storage {
	return s.inner
}
