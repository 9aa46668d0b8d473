// Package cache is the best-effort accelerator in front of the durable store.
// Nothing stored here is authoritative.
package cache

import (
	"context"
	"errors"
	"time"

	"onetime.secret/internal/models"
)

var ErrMiss = errors.New("cache miss")

// Cache holds payload projections keyed by secret id.
type Cache interface {
	Get(ctx context.Context, id string) (*models.CacheEntry, error)
	Set(ctx context.Context, id string, entry models.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Key is the cache key of a secret id.
func Key(id string) string {
	return "secret:" + id
}

var _ Cache = Noop{}

// Noop is used when caching is disabled; every lookup misses.
type Noop struct{}

func (Noop) Get(context.Context, string) (*models.CacheEntry, error) { return nil, ErrMiss }

func (Noop) Set(context.Context, string, models.CacheEntry, time.Duration) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }
