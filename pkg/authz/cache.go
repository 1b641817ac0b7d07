package authz

import (
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultCacheTTL is how long an authorization decision is reused.
const DefaultCacheTTL = 10 * time.Second

// maxCacheEntries bounds the cache; expired entries are dropped when it fills.
const maxCacheEntries = 4096

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

// CachedAuthorizer memoizes decisions of another Authorizer for a short TTL.
// Errors are never cached.
type CachedAuthorizer struct {
	inner Authorizer
	ttl   time.Duration
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedAuthorizer wraps inner with a cache of the given TTL.
func NewCachedAuthorizer(inner Authorizer, ttl time.Duration) *CachedAuthorizer {
	return &CachedAuthorizer{
		inner: inner,
		ttl:   ttl,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

// Authorize answers from the cache or delegates to the inner Authorizer.
func (c *CachedAuthorizer) Authorize(ctx context.Context, req AuthzRequest) (bool, error) {
	key := cacheKey(req)

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expiresAt) {
		return entry.allowed, nil
	}

	allowed, err := c.inner.Authorize(ctx, req)
	if err != nil {
		return false, err
	}

	now := c.now()
	c.mu.Lock()
	if len(c.cache) >= maxCacheEntries {
		for k, e := range c.cache {
			if !now.Before(e.expiresAt) {
				delete(c.cache, k)
			}
		}
	}
	c.cache[key] = cacheEntry{allowed: allowed, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return allowed, nil
}

// Len reports the number of cached decisions, expired ones included.
func (c *CachedAuthorizer) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func cacheKey(req AuthzRequest) string {
	return strings.Join([]string{
		req.User,
		strings.Join(req.Groups, ","),
		req.Resource,
		req.Verb,
		req.Namespace,
	}, "\x00")
}
