package credential

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const redisKeyPrefix = "credential:"

// RedisBackend stores the credential namespace as a single Redis hash, so a
// save or a clear is one atomic command from any reader's point of view.
type RedisBackend struct {
	rdb    *redis.Client
	key    string
	tracer trace.Tracer
}

// NewRedisBackend creates a Redis-backed credential backend.
func NewRedisBackend(rdb *redis.Client, namespace string) *RedisBackend {
	if rdb == nil {
		panic("credential: redis client cannot be nil")
	}
	return &RedisBackend{
		rdb:    rdb,
		key:    redisKey(namespace),
		tracer: otel.Tracer("clinic-scribe.internal.credential.redis"),
	}
}

func redisKey(namespace string) string {
	return redisKeyPrefix + namespace
}

func (b *RedisBackend) Load(ctx context.Context, keys []string) (map[string]string, error) {
	ctx, span := b.tracer.Start(ctx, "credential.redis.load")
	defer span.End()

	vals, err := b.rdb.HMGet(ctx, b.key, keys...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("credential: redis load: %w", err)
	}
	out := make(map[string]string, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[keys[i]] = s
		}
	}
	return out, nil
}

func (b *RedisBackend) Save(ctx context.Context, values map[string]string) error {
	ctx, span := b.tracer.Start(ctx, "credential.redis.save")
	defer span.End()

	args := make(map[string]any, len(values))
	for k, v := range values {
		args[k] = v
	}
	if err := b.rdb.HSet(ctx, b.key, args).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("credential: redis save: %w", err)
	}
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, keys []string) error {
	ctx, span := b.tracer.Start(ctx, "credential.redis.delete")
	defer span.End()

	if err := b.rdb.HDel(ctx, b.key, keys...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("credential: redis delete: %w", err)
	}
	return nil
}
