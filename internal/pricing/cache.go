package pricing

import (
	"sync"
	"time"
)

type cacheEntry struct {
	value     ExchangeRate
	fetchedAt time.Time
}

// RateCache memoises the last successful rate per key. Writes replace the
// whole entry, so concurrent writers resolve as last-writer-wins and no
// lock is held while a caller is fetching.
type RateCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // string -> *cacheEntry
}

// NewRateCache constructs a cache with the given freshness window.
func NewRateCache(ttl time.Duration, now func() time.Time) *RateCache {
	if now == nil {
		now = time.Now
	}
	return &RateCache{ttl: ttl, now: now}
}

// Get returns the cached rate for key, whether it is still fresh, and
// whether any entry exists.
func (c *RateCache) Get(key string) (rate ExchangeRate, fresh bool, ok bool) {
	raw, found := c.entries.Load(key)
	if !found {
		return ExchangeRate{}, false, false
	}
	entry := raw.(*cacheEntry)
	return entry.value, c.now().Sub(entry.fetchedAt) < c.ttl, true
}

// Put stores rate as the latest value for key.
func (c *RateCache) Put(key string, rate ExchangeRate) {
	c.entries.Store(key, &cacheEntry{value: rate, fetchedAt: c.now()})
}

// TTL exposes the freshness window.
func (c *RateCache) TTL() time.Duration { return c.ttl }
