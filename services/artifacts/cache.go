package artifacts

import (
	"bytes"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sweepBatch bounds how many deletions Sweep performs per lock acquisition.
const sweepBatch = 256

// Artifact is a copy of a live cache entry.
type Artifact struct {
	Name      string
	Content   []byte
	ExpiresAt time.Time
}

type entry struct {
	name      string
	content   []byte
	expiresAt time.Time
}

// expired reports whether the entry is no longer servable at now. An entry stored with a
// zero TTL is expired at the instant it was stored.
func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Cache holds generated artifacts in memory under unguessable keys until they expire.
// Entries are immutable; the cache owns their bytes and hands out copies.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	now     func() time.Time
	newKey  func() string
	metrics *Metrics
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics records cache activity on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// withKeyFunc replaces the key generator; tests use it to force collisions.
func withKeyFunc(fn func() string) Option {
	return func(c *Cache) {
		c.newKey = fn
	}
}

// New returns an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
		newKey:  func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics != nil {
		c.metrics.observe(c)
	}
	return c
}

// Put stores a copy of content under a fresh key that expires ttl from now and returns the
// key. A ttl of zero or less stores an entry that is already expired.
func (c *Cache) Put(name string, content []byte, ttl time.Duration) string {
	key, _ := c.Store(name, content, ttl)
	return key
}

// Store is Put that also returns the instant the new entry expires.
func (c *Cache) Store(name string, content []byte, ttl time.Duration) (string, time.Time) {
	e := entry{
		name:      name,
		content:   bytes.Clone(content),
		expiresAt: c.now().Add(ttl),
	}
	if e.content == nil {
		e.content = []byte{}
	}

	c.mu.Lock()
	key := c.newKey()
	for {
		if _, taken := c.entries[key]; !taken {
			break
		}
		key = c.newKey()
	}
	c.entries[key] = e
	c.mu.Unlock()

	c.metrics.stored(len(e.content))
	return key, e.expiresAt
}

// Lookup returns a copy of the live entry stored under key. An expired entry is removed
// by the lookup that finds it.
func (c *Cache) Lookup(key string) (Artifact, bool) {
	e, ok := c.live(key)
	if !ok {
		return Artifact{}, false
	}
	return Artifact{Name: e.name, Content: bytes.Clone(e.content), ExpiresAt: e.expiresAt}, true
}

// Get returns a copy of the content stored under key.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.live(key)
	if !ok {
		return nil, false
	}
	return bytes.Clone(e.content), true
}

// Name returns the display name stored under key.
func (c *Cache) Name(key string) (string, bool) {
	e, ok := c.live(key)
	if !ok {
		return "", false
	}
	return e.name, true
}

// Remove deletes key. Removing an absent key is a no-op.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	if ok {
		c.metrics.evicted(reasonRemoved, 1)
	}
}

// Sweep removes every entry that had expired when the sweep started and returns how many
// it removed.
func (c *Cache) Sweep() int {
	start := c.now()

	c.mu.RLock()
	var expired []string
	for key, e := range c.entries {
		if e.expired(start) {
			expired = append(expired, key)
		}
	}
	c.mu.RUnlock()

	removed := 0
	for len(expired) > 0 {
		n := min(sweepBatch, len(expired))
		c.mu.Lock()
		for _, key := range expired[:n] {
			if e, ok := c.entries[key]; ok && e.expired(start) {
				delete(c.entries, key)
				removed++
			}
		}
		c.mu.Unlock()
		expired = expired[n:]
	}

	c.metrics.evicted(reasonSwept, removed)
	return removed
}

// Len returns the number of stored entries, including expired ones not yet reclaimed.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) live(key string) (entry, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.metrics.lookup(false)
		return entry{}, false
	}
	if e.expired(now) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur.expired(now) {
			delete(c.entries, key)
			c.mu.Unlock()
			c.metrics.evicted(reasonExpired, 1)
		} else {
			c.mu.Unlock()
		}
		c.metrics.lookup(false)
		return entry{}, false
	}

	c.metrics.lookup(true)
	return e, true
}
