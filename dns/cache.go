package dns

import (
	"context"
	"strings"
	"sync"
	"time"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// DefaultMaxEntries bounds a CachingResolver without MaxEntries.
const DefaultMaxEntries = 10000

// sweepInterval is the minimum time between full expiry sweeps.
const sweepInterval = time.Minute

// CachingResolver keeps TXT answers for their TTL, clamped to
// [MinTTL, MaxTTL]. NXDOMAIN answers are kept for NegativeTTL. Other errors
// are never cached.
type CachingResolver struct {
	Resolver Resolver

	// MinTTL applies to answers with a shorter (or unknown) TTL.
	MinTTL time.Duration

	// MaxTTL caps how long an answer is kept. Default is one hour.
	MaxTTL time.Duration

	// NegativeTTL is how long a name that does not exist is remembered.
	// Zero disables negative caching.
	NegativeTTL time.Duration

	// MaxEntries caps the number of cached names. When full, expired
	// entries are dropped first, then the entry closest to expiry.
	MaxEntries int

	mu        sync.Mutex
	entries   map[string]cacheEntry
	nextSweep time.Time
}

type cacheEntry struct {
	result  Result[string]
	err     error
	expires time.Time
}

// NewCachingResolver wraps r with the default MaxTTL.
func NewCachingResolver(r Resolver) *CachingResolver {
	return &CachingResolver{Resolver: r, MaxTTL: time.Hour}
}

func (c *CachingResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	key := strings.ToLower(ensureFQDN(name))
	now := timeNow()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if now.Before(e.expires) {
			c.mu.Unlock()
			return e.result, e.err
		}
		delete(c.entries, key)
	}
	c.mu.Unlock()

	result, err := c.Resolver.LookupTXT(ctx, name)

	var ttl time.Duration
	switch {
	case err == nil:
		ttl = c.clamp(result.TTL)
	case IsNotFound(err):
		ttl = c.NegativeTTL
	}
	if ttl > 0 {
		c.mu.Lock()
		c.store(key, cacheEntry{result: result, err: err, expires: now.Add(ttl)}, now)
		c.mu.Unlock()
	}
	return result, err
}

// store inserts e under key. c.mu must be held.
func (c *CachingResolver) store(key string, e cacheEntry, now time.Time) {
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	maxEntries := c.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	_, replacing := c.entries[key]
	full := !replacing && len(c.entries) >= maxEntries
	if full || !now.Before(c.nextSweep) {
		for k, old := range c.entries {
			if !now.Before(old.expires) {
				delete(c.entries, k)
			}
		}
		c.nextSweep = now.Add(sweepInterval)
	}

	for !replacing && len(c.entries) >= maxEntries {
		var oldest string
		var oldestExpires time.Time
		for k, old := range c.entries {
			if oldest == "" || old.expires.Before(oldestExpires) {
				oldest, oldestExpires = k, old.expires
			}
		}
		delete(c.entries, oldest)
	}

	c.entries[key] = e
}

func (c *CachingResolver) clamp(ttl time.Duration) time.Duration {
	maxTTL := c.MaxTTL
	if maxTTL == 0 {
		maxTTL = time.Hour
	}
	ttl = max(ttl, c.MinTTL)
	return min(ttl, maxTTL)
}

// Len returns the number of cached names, expired ones included.
func (c *CachingResolver) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Flush drops every cached answer.
func (c *CachingResolver) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}
