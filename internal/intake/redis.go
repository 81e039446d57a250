package intake

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/GeroJun/Real-Time-Transaction-Settlement-System/internal/config"
)

// redisClient is the slice of go-redis the store uses. Production passes
// *redis.Client; tests substitute a scripted implementation.
type redisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// RedisDedupStore implements DedupStore on Redis. SETNX provides the atomic
// first-writer-wins semantics the idempotency gate depends on.
type RedisDedupStore struct {
	client redisClient
}

// NewRedisDedupStore connects to Redis and verifies the connection.
func NewRedisDedupStore(cfg config.RedisConfig) (*RedisDedupStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisDedupStore{client: client}, nil
}

// PutIfAbsent implements DedupStore. When SETNX loses the race, the winner's
// value is fetched; a miss between the two calls means the entry expired, so
// the write is retried.
func (r *RedisDedupStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	for {
		created, err := r.client.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("dedup setnx failed: %w", err)
		}
		if created {
			return nil, true, nil
		}
		existing, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			// Entry expired between SETNX and GET.
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("dedup get failed: %w", err)
		}
		return existing, false, nil
	}
}

// Delete implements DedupStore.
func (r *RedisDedupStore) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping implements DedupStore.
func (r *RedisDedupStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close implements DedupStore.
func (r *RedisDedupStore) Close() error {
	return r.client.Close()
}
