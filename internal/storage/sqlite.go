package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"marketplace/internal/models"
)

// SQLiteStorage implements Storage on SQLite through sqlx and the pure-Go
// modernc driver. Timestamps are stored as epoch milliseconds.
type SQLiteStorage struct {
	db *sqlx.DB
}

// NewSQLiteStorage opens the database, applies migrations when configured
// and verifies the connection.
func NewSQLiteStorage(ctx context.Context, cfg models.DatabaseConfig) (*SQLiteStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sqlx.Open("sqlite", withBusyTimeout(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if strings.Contains(cfg.DSN, ":memory:") {
		db.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := Migrate(ctx, db.DB, goose.DialectSQLite3, "sqlite"); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStorage{db: db}, nil
}

// The upsert evaluates the whole decision table inside one statement, so
// concurrent hits on a key serialize on SQLite's write lock.
//
//	?1 identifier  ?2 action  ?3 now (ms)  ?4 window (ms)  ?5 block (ms)  ?6 max attempts
const sqliteHitRateLimit = `
INSERT INTO rate_limit_attempts (identifier, action_type, attempt_count, window_start_ms, blocked_until_ms, updated_at_ms)
VALUES (?1, ?2, 1, ?3, NULL, ?3)
ON CONFLICT (identifier, action_type) DO UPDATE SET
    attempt_count = CASE
        WHEN rate_limit_attempts.blocked_until_ms > ?3 THEN rate_limit_attempts.attempt_count
        WHEN ?3 - rate_limit_attempts.window_start_ms > ?4 THEN 1
        ELSE rate_limit_attempts.attempt_count + 1
    END,
    window_start_ms = CASE
        WHEN rate_limit_attempts.blocked_until_ms > ?3 THEN rate_limit_attempts.window_start_ms
        WHEN ?3 - rate_limit_attempts.window_start_ms > ?4 THEN ?3
        ELSE rate_limit_attempts.window_start_ms
    END,
    blocked_until_ms = CASE
        WHEN rate_limit_attempts.blocked_until_ms > ?3 THEN rate_limit_attempts.blocked_until_ms
        WHEN ?3 - rate_limit_attempts.window_start_ms > ?4 THEN NULL
        WHEN rate_limit_attempts.attempt_count + 1 > ?6 THEN ?3 + ?5
        ELSE NULL
    END,
    updated_at_ms = ?3
RETURNING identifier, action_type, attempt_count, window_start_ms, blocked_until_ms, updated_at_ms`

func (s *SQLiteStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	p := policy.Effective()
	var row sqliteRateLimitRow
	err := s.db.GetContext(ctx, &row, sqliteHitRateLimit,
		key.Identifier, key.Action, toMillis(now), p.Window.Milliseconds(), p.BlockDuration.Milliseconds(), p.MaxAttempts)
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	return row.toModel().Result(now, p), nil
}

func (s *SQLiteStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	var row sqliteRateLimitRow
	err := s.db.GetContext(ctx, &row, `
		SELECT identifier, action_type, attempt_count, window_start_ms, blocked_until_ms, updated_at_ms
		FROM rate_limit_attempts WHERE identifier = ?1 AND action_type = ?2`, key.Identifier, key.Action)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("rate limit %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get rate limit: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts WHERE identifier = ?1 AND action_type = ?2`, key.Identifier, key.Action)
	if err != nil {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}
	return nil
}

// PurgeRateLimits deletes counters untouched since before cutoff.
func (s *SQLiteStorage) PurgeRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_limit_attempts
		WHERE updated_at_ms < ?1 AND (blocked_until_ms IS NULL OR blocked_until_ms < ?1)`, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limits: %w", err)
	}
	return res.RowsAffected()
}

const sqliteContactColumns = `id, property_id, requester_id, property_owner_id, message, status, created_at_ms, updated_at_ms`

func (s *SQLiteStorage) CreateContactRequest(ctx context.Context, cr *models.ContactRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contact_requests (`+sqliteContactColumns+`)
		VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8)`,
		cr.ID, cr.PropertyID, cr.RequesterID, cr.PropertyOwnerID, nullString(cr.Message),
		string(cr.Status), toMillis(cr.CreatedAt), toMillis(cr.UpdatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("property %s: %w", cr.PropertyID, models.ErrDuplicateRequest)
		}
		return fmt.Errorf("failed to create contact request: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetContactRequest(ctx context.Context, id string) (*models.ContactRequest, error) {
	var row sqliteContactRow
	err := s.db.GetContext(ctx, &row, `SELECT `+sqliteContactColumns+` FROM contact_requests WHERE id = ?1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("contact request %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get contact request: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStorage) UpdateContactRequestStatus(ctx context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error) {
	if err := validateStatusTarget(status); err != nil {
		return nil, err
	}

	var row sqliteContactRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE contact_requests SET status = ?1, updated_at_ms = ?2
		WHERE id = ?3 AND property_owner_id = ?4 AND status = 'pending'
		RETURNING `+sqliteContactColumns,
		string(status), toMillis(now), id, ownerID)
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update contact request: %w", err)
	}

	current, err := s.GetContactRequest(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return nil, classifyStatusConflict(current, ownerID)
}

func (s *SQLiteStorage) ListContactRequestsByRequester(ctx context.Context, requesterID string) ([]*models.ContactRequest, error) {
	var rows []sqliteContactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sqliteContactColumns+` FROM contact_requests
		WHERE requester_id = ?1 ORDER BY created_at_ms DESC, id`, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent contact requests: %w", err)
	}
	return sqliteContactRows(rows), nil
}

func (s *SQLiteStorage) ListContactRequestsByOwner(ctx context.Context, ownerID string) ([]*models.ContactRequest, error) {
	var rows []sqliteContactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+sqliteContactColumns+` FROM contact_requests
		WHERE property_owner_id = ?1 ORDER BY created_at_ms DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list received contact requests: %w", err)
	}
	return sqliteContactRows(rows), nil
}

func (s *SQLiteStorage) ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	var info models.ContactInfo
	err := s.db.GetContext(ctx, &info, `
		SELECT p.full_name, p.phone
		FROM contact_requests c
		JOIN profiles p ON p.user_id = c.property_owner_id
		WHERE c.id = ?1 AND c.requester_id = ?2 AND c.status = 'approved'`, requestID, callerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read approved contact info: %w", err)
	}
	return &info, nil
}

func (s *SQLiteStorage) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, full_name, phone, created_at_ms, updated_at_ms)
		VALUES (?1, ?2, ?3, ?4, ?5)
		ON CONFLICT (user_id) DO UPDATE SET
			full_name = excluded.full_name,
			phone = excluded.phone,
			updated_at_ms = excluded.updated_at_ms`,
		p.UserID, p.FullName, p.Phone, toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var row sqliteProfileRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, full_name, phone, created_at_ms, updated_at_ms FROM profiles WHERE user_id = ?1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return row.toModel(), nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withBusyTimeout makes every pooled connection wait on a locked database
// instead of failing with SQLITE_BUSY.
func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}
