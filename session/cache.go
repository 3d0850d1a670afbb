package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jrsteele09/go-session-guard/internal/clock"
	"github.com/jrsteele09/go-session-guard/storage"
)

const (
	DefaultCacheTTL = 5 * time.Minute
	cacheKey        = "current"
)

type cachedSession struct {
	Session  Session   `json:"session"`
	CachedAt time.Time `json:"cachedAt"`
}

// Cache holds the last known session with the time it was fetched.
type Cache struct {
	store storage.Store
	ttl   time.Duration
	clock clock.Clock
}

func NewCache(store storage.Store, ttl time.Duration, c clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if c == nil {
		c = clock.Real()
	}
	return &Cache{store: store, ttl: ttl, clock: c}
}

// Load returns the cached session, whether it is still within the TTL, and
// storage.ErrNotFound when nothing is cached.
func (c *Cache) Load() (*Session, bool, error) {
	raw, err := c.store.Get(cacheKey)
	if err != nil {
		return nil, false, err
	}
	var entry cachedSession
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached session: %w", err)
	}
	fresh := c.clock.Now().Sub(entry.CachedAt) < c.ttl
	return &entry.Session, fresh, nil
}

func (c *Cache) Save(s *Session) error {
	raw, err := json.Marshal(cachedSession{Session: *s, CachedAt: c.clock.Now()})
	if err != nil {
		return fmt.Errorf("encode cached session: %w", err)
	}
	return c.store.Set(cacheKey, raw)
}

func (c *Cache) Clear() error {
	return c.store.Remove(cacheKey)
}
