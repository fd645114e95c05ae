package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

const (
	keyPrefix      = "aq:"
	maxKeyLength   = 250
	maxRelativeExp = 30 * 24 * 60 * 60 // 30 days; larger values are read as unix timestamps
)

// ErrInvalidKey is returned when a key cannot be stored in memcached.
var ErrInvalidKey = errors.New("invalid cache key")

// envelope is the stored item. Freshness is decided from ExpiresAt; the item
// itself lives for ttl + staleTTL so GetStale can still find it.
type envelope struct {
	StoredAt  time.Time        `json:"storedAt"`
	ExpiresAt time.Time        `json:"expiresAt"`
	Readings  []models.Reading `json:"readings"`
}

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client   *memcache.Client
	staleTTL time.Duration
	now      func() time.Time
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero. staleTTL is how long
// items outlive their freshness window.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleTTL time.Duration) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client, staleTTL: staleTTL, now: time.Now}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// key prefixes k and rejects characters memcached does not allow.
func (c *MemcachedCache) key(k string) (string, error) {
	full := keyPrefix + k
	if len(full) > maxKeyLength {
		return "", ErrInvalidKey
	}
	for i := 0; i < len(full); i++ {
		if full[i] <= ' ' || full[i] == 0x7f {
			return "", ErrInvalidKey
		}
	}
	return full, nil
}

func (c *MemcachedCache) load(ctx context.Context, key string) (envelope, bool, error) {
	if ctx.Err() != nil {
		return envelope{}, false, ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return envelope{}, false, err
	}
	item, err := c.client.Get(k)
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return envelope{}, false, nil
		}
		return envelope{}, false, err
	}
	var env envelope
	if err := json.Unmarshal(item.Value, &env); err != nil {
		return envelope{}, false, err
	}
	return env, true, nil
}

// Get implements Cache.Get. Returns false, nil on cache miss or expiry; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]models.Reading, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if !c.now().Before(env.ExpiresAt) {
		return nil, false, nil
	}
	return env.Readings, true, nil
}

// GetStale implements Cache.GetStale.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxAge time.Duration) ([]models.Reading, bool, error) {
	env, ok, err := c.load(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if c.now().After(env.ExpiresAt.Add(maxAge)) {
		return nil, false, nil
	}
	return env.Readings, true, nil
}

// Set implements Cache.Set.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []models.Reading, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	k, err := c.key(key)
	if err != nil {
		return err
	}
	now := c.now()
	raw, err := json.Marshal(envelope{StoredAt: now, ExpiresAt: now.Add(ttl), Readings: value})
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        k,
		Value:      raw,
		Expiration: itemExpiration(ttl + c.staleTTL),
	})
}

func itemExpiration(d time.Duration) int32 {
	expSec := int32(d.Seconds())
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 3600 // fallback 1h if invalid
	}
	return expSec
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
