package storage

import (
	"database/sql"
	"time"

	"marketplace/internal/models"
)

// SQLite keeps timestamps as epoch milliseconds; these helpers convert
// between those columns and the models.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// sqliteRateLimitRow is the rate_limit_attempts row shape in SQLite.
type sqliteRateLimitRow struct {
	Identifier     string        `db:"identifier"`
	Action         string        `db:"action_type"`
	AttemptCount   int           `db:"attempt_count"`
	WindowStartMs  int64         `db:"window_start_ms"`
	BlockedUntilMs sql.NullInt64 `db:"blocked_until_ms"`
	UpdatedAtMs    int64         `db:"updated_at_ms"`
}

func (r sqliteRateLimitRow) toModel() *models.RateLimitRecord {
	return &models.RateLimitRecord{
		Identifier:   r.Identifier,
		Action:       r.Action,
		AttemptCount: r.AttemptCount,
		WindowStart:  fromMillis(r.WindowStartMs),
		BlockedUntil: fromNullMillis(r.BlockedUntilMs),
		UpdatedAt:    fromMillis(r.UpdatedAtMs),
	}
}

// sqliteContactRow is the contact_requests row shape in SQLite.
type sqliteContactRow struct {
	ID              string         `db:"id"`
	PropertyID      string         `db:"property_id"`
	RequesterID     string         `db:"requester_id"`
	PropertyOwnerID string         `db:"property_owner_id"`
	Message         sql.NullString `db:"message"`
	Status          string         `db:"status"`
	CreatedAtMs     int64          `db:"created_at_ms"`
	UpdatedAtMs     int64          `db:"updated_at_ms"`
}

func (r sqliteContactRow) toModel() *models.ContactRequest {
	return &models.ContactRequest{
		ID:              r.ID,
		PropertyID:      r.PropertyID,
		RequesterID:     r.RequesterID,
		PropertyOwnerID: r.PropertyOwnerID,
		Message:         fromNullString(r.Message),
		Status:          models.ContactStatus(r.Status),
		CreatedAt:       fromMillis(r.CreatedAtMs),
		UpdatedAt:       fromMillis(r.UpdatedAtMs),
	}
}

func sqliteContactRows(rows []sqliteContactRow) []*models.ContactRequest {
	out := make([]*models.ContactRequest, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

type sqliteProfileRow struct {
	UserID      string `db:"user_id"`
	FullName    string `db:"full_name"`
	Phone       string `db:"phone"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

func (r sqliteProfileRow) toModel() *models.Profile {
	return &models.Profile{
		UserID:    r.UserID,
		FullName:  r.FullName,
		Phone:     r.Phone,
		CreatedAt: fromMillis(r.CreatedAtMs),
		UpdatedAt: fromMillis(r.UpdatedAtMs),
	}
}
