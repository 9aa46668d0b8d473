package secret

import (
	"context"
	"errors"
	"sync"
	"time"

	"onetime.secret/internal/cache"
	"onetime.secret/internal/models"
	"onetime.secret/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, time.May, 4, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memCache is an in-process Cache that records what was asked of it.
type memCache struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	ttls    map[string]time.Duration
	gets    int
	deletes int
}

func newMemCache() *memCache {
	return &memCache{
		entries: make(map[string]models.CacheEntry),
		ttls:    make(map[string]time.Duration),
	}
}

func (c *memCache) Get(_ context.Context, id string) (*models.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	entry, ok := c.entries[id]
	if !ok {
		return nil, cache.ErrMiss
	}
	return &entry, nil
}

func (c *memCache) Set(_ context.Context, id string, entry models.CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = entry
	c.ttls[id] = ttl
	return nil
}

func (c *memCache) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	delete(c.entries, id)
	return nil
}

func (c *memCache) Close() error { return nil }

func (c *memCache) has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// brokenCache fails every call, optionally by hanging until the deadline.
type brokenCache struct {
	hang bool
}

var errCacheDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

func (c brokenCache) fail(ctx context.Context) error {
	if c.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return errCacheDown
}

func (c brokenCache) Get(ctx context.Context, _ string) (*models.CacheEntry, error) {
	return nil, c.fail(ctx)
}

func (c brokenCache) Set(ctx context.Context, _ string, _ models.CacheEntry, _ time.Duration) error {
	return c.fail(ctx)
}

func (c brokenCache) Delete(ctx context.Context, _ string) error { return c.fail(ctx) }

func (c brokenCache) Close() error { return nil }

// cancellingCache cancels the caller's request when the payload is looked up,
// which happens only after the burn has been committed.
type cancellingCache struct {
	*memCache
	cancel context.CancelFunc
}

func (c cancellingCache) Get(ctx context.Context, id string) (*models.CacheEntry, error) {
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

// faultyStore wraps a Store and injects failures.
type faultyStore struct {
	store.Store
	getErr    error
	insertErr error
	markErr   error
}

func (s *faultyStore) Get(ctx context.Context, id string) (*models.Secret, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.Store.Get(ctx, id)
}

func (s *faultyStore) Insert(ctx context.Context, secret *models.Secret) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.Store.Insert(ctx, secret)
}

func (s *faultyStore) MarkAccessed(ctx context.Context, id string, now time.Time) (bool, error) {
	if s.markErr != nil {
		return false, s.markErr
	}
	return s.Store.MarkAccessed(ctx, id, now)
}

type failingAudit struct{}

func (failingAudit) RecordEvent(context.Context, models.AuditEvent) error {
	return errors.New("audit_logs: relation does not exist")
}

// sequenceIDs hands out the given ids in order.
func sequenceIDs(ids ...string) func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(ids) {
			return "", errors.New("out of ids")
		}
		id := ids[next]
		next++
		return id, nil
	}
}
