package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

// Cache defines the interface for reading caches.
// Get returns readings that are present and not expired. GetStale also returns
// entries that expired no more than maxAge ago, for use when the store is failing.
type Cache interface {
	Get(ctx context.Context, key string) ([]models.Reading, bool, error)
	GetStale(ctx context.Context, key string, maxAge time.Duration) ([]models.Reading, bool, error)
	Set(ctx context.Context, key string, value []models.Reading, ttl time.Duration) error
}

// Key builds the cache key for one location-day in the given time zone,
// e.g. "lab-1|2024-05-01|Europe/London".
func Key(location string, day time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return strings.ToLower(location) + "|" + day.In(loc).Format("2006-01-02") + "|" + loc.String()
}

// InMemoryCache implements Cache using a mutex-guarded map with TTL-based expiration.
// Entries past their stale window are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     []models.Reading
	storedAt  time.Time
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (readings, true, nil) on a fresh hit and (nil, false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]models.Reading, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return entry.value, true, nil
}

// GetStale returns the entry if it is fresh or expired within maxAge.
// Entries older than that are deleted.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxAge time.Duration) ([]models.Reading, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt.Add(maxAge)) {
		delete(c.data, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set stores readings with the given TTL. The slice is copied.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []models.Reading, ttl time.Duration) error {
	cp := make([]models.Reading, len(value))
	copy(cp, value)
	now := c.now()
	c.mu.Lock()
	c.data[key] = cacheEntry{
		value:     cp,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of entries, including expired ones not yet removed.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
