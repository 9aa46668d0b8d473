package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"onetime.secret/internal/models"
)

var _ Cache = (*RedisCache)(nil)

type RedisCache struct {
	client *redis.Client
}

// NewRedisCache does not dial; the client connects lazily so a cache that is
// down at startup cannot keep the service from starting.
func NewRedisCache(options *redis.Options) *RedisCache {
	return &RedisCache{client: redis.NewClient(options)}
}

func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisCache) Get(ctx context.Context, id string) (*models.CacheEntry, error) {
	data, err := r.client.Get(ctx, Key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	if len(entry.Ciphertext) == 0 || len(entry.IV) == 0 {
		return nil, fmt.Errorf("decode cache entry: empty payload")
	}
	return &entry, nil
}

func (r *RedisCache) Set(ctx context.Context, id string, entry models.CacheEntry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	return r.client.Set(ctx, Key(id), data, ttl).Err()
}

func (r *RedisCache) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, Key(id)).Err()
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
