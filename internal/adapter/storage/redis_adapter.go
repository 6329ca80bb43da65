package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix  = "idempotency:order:"
	defaultIdempotencyTTL = 30 * 24 * time.Hour
)

// RedisAdapter is the idempotency ledger for inbound order ids.
type RedisAdapter struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisAdapter(client *redis.Client, ttl time.Duration) *RedisAdapter {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisAdapter{client: client, ttl: ttl}
}

func (r *RedisAdapter) Claim(ctx context.Context, externalID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+externalID, 1, r.ttl).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) Release(ctx context.Context, externalID string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+externalID).Err()
}

func (r *RedisAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
