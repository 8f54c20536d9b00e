package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	catalogKeyPrefix = "funnel:catalog:" // Derived plans a session was shown
)

var ErrCacheMiss = errors.New("cache miss")

// RedisCacheRepository implements domain.CatalogSnapshotRepository using Redis
type RedisCacheRepository struct {
	client *redis.Client
}

// NewRedisCacheRepository creates a new Redis cache repository
func NewRedisCacheRepository(client *redis.Client) *RedisCacheRepository {
	return &RedisCacheRepository{
		client: client,
	}
}

// SetCatalog stores the derived plans shown to a session
func (r *RedisCacheRepository) SetCatalog(ctx context.Context, sessionID string, plans []domain.DerivedPlan, ttl time.Duration) error {
	if plans == nil {
		plans = []domain.DerivedPlan{}
	}
	if err := r.Set(ctx, catalogKeyPrefix+sessionID, plans, ttl); err != nil {
		return fmt.Errorf("failed to cache catalog: %w", err)
	}
	return nil
}

// GetCatalog returns the plans the session was shown, or domain.ErrNotFound
func (r *RedisCacheRepository) GetCatalog(ctx context.Context, sessionID string) ([]domain.DerivedPlan, error) {
	var plans []domain.DerivedPlan
	if err := r.Get(ctx, catalogKeyPrefix+sessionID, &plans); err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cached catalog: %w", err)
	}
	return plans, nil
}

// DeleteCatalog forgets the session's catalog
func (r *RedisCacheRepository) DeleteCatalog(ctx context.Context, sessionID string) error {
	return r.Delete(ctx, catalogKeyPrefix+sessionID)
}

// Get retrieves a value from cache by key with OTel tracing
func (r *RedisCacheRepository) Get(ctx context.Context, key string, dest interface{}) error {
	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.Get",
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			span.SetAttributes(attribute.String("cache.result", "miss"))
			return ErrCacheMiss
		}
		span.RecordError(err)
		return fmt.Errorf("redis get error: %w", err)
	}

	span.SetAttributes(attribute.String("cache.result", "hit"))
	if err := json.Unmarshal(data, dest); err != nil {
		span.RecordError(err)
		return fmt.Errorf("unmarshal error: %w", err)
	}

	return nil
}

// Set stores a value in cache with TTL and OTel tracing
func (r *RedisCacheRepository) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.Set",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.Int64("cache.ttl_seconds", int64(ttl.Seconds())),
		),
	)
	defer span.End()

	data, err := json.Marshal(value)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("marshal error: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// Delete removes keys from cache with OTel tracing
func (r *RedisCacheRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	tracer := otel.Tracer("redis")
	ctx, span := tracer.Start(ctx, "redis.Delete",
		trace.WithAttributes(attribute.Int("cache.key_count", len(keys))),
	)
	defer span.End()

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("redis delete error: %w", err)
	}

	return nil
}
