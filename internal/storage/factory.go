package storage

import (
	"context"
	"fmt"

	"marketplace/internal/models"
)

// Factory creates storage backends from configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// Create builds the primary backend for storage.type and, when
// storage.rate_limit_backend names a different one, a separate counter
// backend combined through CompositeStorage.
//
// Supported backends:
//   - memory: in-process maps (development, tests, single replica)
//   - postgres: PostgreSQL through pgx
//   - sqlite: SQLite through sqlx and modernc.org/sqlite
//   - baas: PostgREST-compatible backend over HTTP
//   - redis: counters only
func (f *Factory) Create(ctx context.Context, config models.StorageConfig) (Storage, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	primary, err := f.createPrimary(ctx, config)
	if err != nil {
		return nil, err
	}
	if config.CounterBackend() == config.Type {
		return primary, nil
	}

	counters, err := f.createCounters(ctx, config)
	if err != nil {
		primary.Close()
		return nil, err
	}
	return NewCompositeStorage(counters, primary), nil
}

func (f *Factory) createPrimary(ctx context.Context, config models.StorageConfig) (Storage, error) {
	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStorage(config.CleanupInterval), nil
	case models.StorageTypePostgres:
		return NewPostgresStorage(ctx, config.Database)
	case models.StorageTypeSQLite:
		return NewSQLiteStorage(ctx, config.Database)
	case models.StorageTypeBaaS:
		return NewBaaSStorage(config.BaaS)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

func (f *Factory) createCounters(ctx context.Context, config models.StorageConfig) (RateLimitStore, error) {
	if config.CounterBackend() == models.StorageTypeRedis {
		return NewRedisStorage(ctx, config.Redis)
	}
	sub := config
	sub.Type = config.CounterBackend()
	return f.createPrimary(ctx, sub)
}

// GetSupportedProviders lists the values accepted by storage.type.
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeSQLite, models.StorageTypeBaaS}
}

// ValidateConfig checks that the configured backends have what they need.
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	return config.Validate()
}
