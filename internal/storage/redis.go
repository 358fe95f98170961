package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketplace/internal/models"
)

// hitScript advances one counter hash. Fields are epoch milliseconds;
// blocked_until 0 means no block. The key expires once neither the window
// nor the block can influence a later decision.
//
//	KEYS[1] counter key
//	ARGV    now_ms window_ms block_ms max_attempts
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local block = tonumber(ARGV[3])
local max = tonumber(ARGV[4])

local h = redis.call('HMGET', KEYS[1], 'window_start', 'attempt_count', 'blocked_until')
local start = tonumber(h[1])
local count = tonumber(h[2])
local blocked = tonumber(h[3]) or 0

if start ~= nil and blocked > now then
  return {start, count, blocked, 0}
end

if start == nil or now - start > window then
  start = now
  count = 1
  blocked = 0
else
  count = count + 1
  if count > max then
    blocked = now + block
  else
    blocked = 0
  end
end

redis.call('HSET', KEYS[1], 'window_start', start, 'attempt_count', count, 'blocked_until', blocked, 'updated_at', now)
local expire_at = start + window
if blocked > expire_at then
  expire_at = blocked
end
redis.call('PEXPIREAT', KEYS[1], expire_at + 1)
return {start, count, blocked, now}
`)

// RedisStorage is a RateLimitStore backed by Redis hashes. It holds no
// contact data; the factory pairs it with a ContactStore.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to cfg.Addr and pings it.
func NewRedisStorage(ctx context.Context, cfg models.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStorageFromClient(client, cfg.KeyPrefix), nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client, prefix string) *RedisStorage {
	return &RedisStorage{client: client, prefix: prefix}
}

func (rs *RedisStorage) key(k models.RateLimitKey) string {
	return rs.prefix + k.String()
}

func (rs *RedisStorage) HitRateLimit(ctx context.Context, key models.RateLimitKey, policy models.RateLimitPolicy, now time.Time) (models.RateLimitResult, error) {
	p := policy.Effective()
	vals, err := hitScript.Run(ctx, rs.client, []string{rs.key(key)},
		now.UnixMilli(), p.Window.Milliseconds(), p.BlockDuration.Milliseconds(), p.MaxAttempts).Int64Slice()
	if err != nil {
		return models.RateLimitResult{}, fmt.Errorf("failed to record attempt for %s: %w", key, err)
	}
	if len(vals) != 4 {
		return models.RateLimitResult{}, fmt.Errorf("unexpected script reply for %s: %v", key, vals)
	}

	rec := &models.RateLimitRecord{
		Identifier:   key.Identifier,
		Action:       key.Action,
		WindowStart:  fromMillis(vals[0]),
		AttemptCount: int(vals[1]),
		BlockedUntil: blockedFromMillis(vals[2]),
	}
	return rec.Result(now, p), nil
}

func (rs *RedisStorage) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	fields, err := rs.client.HGetAll(ctx, rs.key(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("rate limit %s: %w", key, models.ErrNotFound)
	}

	ints := make(map[string]int64, len(fields))
	for name, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt rate limit field %s.%s: %w", key, name, err)
		}
		ints[name] = v
	}

	return &models.RateLimitRecord{
		Identifier:   key.Identifier,
		Action:       key.Action,
		WindowStart:  fromMillis(ints["window_start"]),
		AttemptCount: int(ints["attempt_count"]),
		BlockedUntil: blockedFromMillis(ints["blocked_until"]),
		UpdatedAt:    fromMillis(ints["updated_at"]),
	}, nil
}

func (rs *RedisStorage) ResetRateLimit(ctx context.Context, key models.RateLimitKey) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to reset rate limit %s: %w", key, err)
	}
	return nil
}

func (rs *RedisStorage) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

func blockedFromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := fromMillis(ms)
	return &t
}
