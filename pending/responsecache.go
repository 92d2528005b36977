package pending

import (
	"time"

	cache "github.com/patrickmn/go-cache"
)

// ResponseCache implements the supplemental "cache the last get() result"
// behaviour from original_source/library/main.py (see SPEC_FULL.md). Unlike
// the original's cache-forever-per-process-lifetime map, this uses a short
// TTL so that a put from this same process followed by a get of the same
// remote value cannot return a value staler than the TTL — an unconditional
// cache would risk violating the "put then get returns the written value"
// testable property (spec §8) whenever getter and putter share a process.
type ResponseCache struct {
	c *cache.Cache
}

// NewResponseCache builds a response cache with the given per-entry TTL.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	return &ResponseCache{c: cache.New(ttl, ttl*2)}
}

func cacheKey(peerID byte, name string) string {
	return string(peerID) + ":" + name
}

// Get returns a cached (peer, name) value if one hasn't expired yet.
func (r *ResponseCache) Get(peerID byte, name string) (interface{}, bool) {
	return r.c.Get(cacheKey(peerID, name))
}

// Put records the most recently observed value for (peer, name).
func (r *ResponseCache) Put(peerID byte, name string, value interface{}) {
	r.c.SetDefault(cacheKey(peerID, name), value)
}
