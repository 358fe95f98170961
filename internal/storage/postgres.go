package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"marketplace/internal/models"
)

// pgUniqueViolation is SQLSTATE unique_violation.
const pgUniqueViolation = "23505"

// PostgresStorage implements Storage using PostgreSQL through a pgx pool.
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage creates a pool, verifies it and applies migrations when
// configured.
func NewPostgresStorage(ctx context.Context, cfg models.DatabaseConfig) (*PostgresStorage, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(min(cfg.MaxIdleConns, int(poolCfg.MaxConns)))
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		db := stdlib.OpenDBFromPool(pool)
		err := Migrate(ctx, db, goose.DialectPostgres, "postgres")
		db.Close()
		if err != nil {
			pool.Close()
			return nil, err
		}
	}

	return &PostgresStorage{pool: pool}, nil
}

// The upsert evaluates the whole decision table inside one statement; the
// row lock taken by ON CONFLICT serializes concurrent hits on a key.
//
//	$1 identifier  $2 action  $3 now  $4 window (ms)  $5 block (ms)  $6 max attempts
const pgHitRateLimit = `
INSERT INTO rate_limit_attempts AS r (identifier, action_type, attempt_count, window_start, blocked_until, updated_at)
VALUES ($1, $2, 1, $3, NULL, $3)
ON CONFLICT (identifier, action_type) DO UPDATE SET
    attempt_count = CASE
        WHEN r.blocked_until > $3 THEN r.attempt_count
        WHEN $3 - r.window_start > $4::bigint * interval '1 millisecond' THEN 1
        ELSE r.attempt_count + 1
    END,
    window_start = CASE
        WHEN r.blocked_until > $3 THEN r.window_start
        WHEN $3 - r.window_start > $4::bigint * interval '1 millisecond' THEN $3
        ELSE r.window_start
    END,
    blocked_until = CASE
        WHEN r.blocked_until > $3 THEN r.blocked_until
        WHEN $3 - r.window_start > $4::bigint * interval '1 millisecond' THEN NULL
        WHEN r.attempt_count + 1 > $6::int THEN $3 + $5::bigint * interval '1 millisecond'
        ELSE NULL
    END,
    updated_at = $3
RETURNING identifier, action_type, attempt_count, window_start, blocked_until, updated_at`

func scanRateLimit(row pgx.Row) (*models.RateLimitRecord, error) {
	var rec models.RateLimitRecord
	if err := row.Scan(&rec.Identifier, &rec.Action, &rec.AttemptCount, &rec.WindowStart, &rec.BlockedUntil, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (ps *PostgresStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	p := policy.Effective()
	rec, err := scanRateLimit(ps.pool.QueryRow(ctx, pgHitRateLimit,
		key.Identifier, key.Action, now, p.Window.Milliseconds(), p.BlockDuration.Milliseconds(), p.MaxAttempts))
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	return rec.Result(now, p), nil
}

func (ps *PostgresStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	rec, err := scanRateLimit(ps.pool.QueryRow(ctx, `
		SELECT identifier, action_type, attempt_count, window_start, blocked_until, updated_at
		FROM rate_limit_attempts WHERE identifier = $1 AND action_type = $2`, key.Identifier, key.Action))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("rate limit %s: %w", key, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get rate limit: %w", err)
	}
	return rec, nil
}

func (ps *PostgresStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	_, err := ps.pool.Exec(ctx, `DELETE FROM rate_limit_attempts WHERE identifier = $1 AND action_type = $2`, key.Identifier, key.Action)
	if err != nil {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}
	return nil
}

// PurgeRateLimits deletes counters untouched since before cutoff.
func (ps *PostgresStorage) PurgeRateLimits(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := ps.pool.Exec(ctx, `
		DELETE FROM rate_limit_attempts
		WHERE updated_at < $1 AND (blocked_until IS NULL OR blocked_until < $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}

const pgContactColumns = `id, property_id, requester_id, property_owner_id, message, status, created_at, updated_at`

func (ps *PostgresStorage) CreateContactRequest(ctx context.Context, cr *models.ContactRequest) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO contact_requests (`+pgContactColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		cr.ID, cr.PropertyID, cr.RequesterID, cr.PropertyOwnerID, cr.Message, string(cr.Status), cr.CreatedAt, cr.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("property %s: %w", cr.PropertyID, models.ErrDuplicateRequest)
		}
		return fmt.Errorf("failed to create contact request: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) collectContactRequests(ctx context.Context, query string, args ...any) ([]*models.ContactRequest, error) {
	rows, err := ps.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.ContactRequest])
}

func (ps *PostgresStorage) GetContactRequest(ctx context.Context, id string) (*models.ContactRequest, error) {
	list, err := ps.collectContactRequests(ctx, `SELECT `+pgContactColumns+` FROM contact_requests WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get contact request: %w", err)
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("contact request %s: %w", id, models.ErrNotFound)
	}
	return list[0], nil
}

func (ps *PostgresStorage) UpdateContactRequestStatus(ctx context.Context, id, ownerID string, status models.ContactStatus, now time.Time) (*models.ContactRequest, error) {
	if err := validateStatusTarget(status); err != nil {
		return nil, err
	}

	list, err := ps.collectContactRequests(ctx, `
		UPDATE contact_requests SET status = $1, updated_at = $2
		WHERE id = $3 AND property_owner_id = $4 AND status = 'pending'
		RETURNING `+pgContactColumns,
		string(status), now, id, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to update contact request: %w", err)
	}
	if len(list) == 1 {
		return list[0], nil
	}

	current, err := ps.GetContactRequest(ctx, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	return nil, classifyStatusConflict(current, ownerID)
}

func (ps *PostgresStorage) ListContactRequestsByRequester(ctx context.Context, requesterID string) ([]*models.ContactRequest, error) {
	list, err := ps.collectContactRequests(ctx, `
		SELECT `+pgContactColumns+` FROM contact_requests
		WHERE requester_id = $1 ORDER BY created_at DESC, id`, requesterID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sent contact requests: %w", err)
	}
	return list, nil
}

func (ps *PostgresStorage) ListContactRequestsByOwner(ctx context.Context, ownerID string) ([]*models.ContactRequest, error) {
	list, err := ps.collectContactRequests(ctx, `
		SELECT `+pgContactColumns+` FROM contact_requests
		WHERE property_owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list received contact requests: %w", err)
	}
	return list, nil
}

func (ps *PostgresStorage) ApprovedContactInfo(ctx context.Context, requestID, callerID string) (*models.ContactInfo, error) {
	var info models.ContactInfo
	err := ps.pool.QueryRow(ctx, `
		SELECT p.full_name, p.phone
		FROM contact_requests c
		JOIN profiles p ON p.user_id = c.property_owner_id
		WHERE c.id = $1 AND c.requester_id = $2 AND c.status = 'approved'`, requestID, callerID).
		Scan(&info.FullName, &info.Phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read approved contact info: %w", err)
	}
	return &info, nil
}

func (ps *PostgresStorage) UpsertProfile(ctx context.Context, p *models.Profile) error {
	_, err := ps.pool.Exec(ctx, `
		INSERT INTO profiles (user_id, full_name, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			full_name = EXCLUDED.full_name,
			phone = EXCLUDED.phone,
			updated_at = EXCLUDED.updated_at`,
		p.UserID, p.FullName, p.Phone, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (ps *PostgresStorage) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	rows, err := ps.pool.Query(ctx, `
		SELECT user_id, full_name, phone, created_at, updated_at FROM profiles WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	p, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Profile])
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("profile %s: %w", userID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (ps *PostgresStorage) Ping(ctx context.Context) error {
	return ps.pool.Ping(ctx)
}

func (ps *PostgresStorage) Close() error {
	ps.pool.Close()
	return nil
}
