package license

import (
	"context"
	"sync"
	"time"
)

type cacheEntry struct {
	lic       *License
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// Cache is a read-through TTL cache over a Store, keyed by publisher id.
// Licenses change rarely; the 402 challenge path must not hit the store on
// every crawler request.
type Cache struct {
	store Store
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCache wraps store with a read-through cache using the given TTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{
		store:   store,
		ttl:     ttl,
		entries: make(map[string]*cacheEntry),
	}
}

// GetByPublisher returns the publisher's active license, serving from cache
// when fresh.
func (c *Cache) GetByPublisher(ctx context.Context, publisherID string) (*License, error) {
	c.mu.RLock()
	e, ok := c.entries["pub:"+publisherID]
	c.mu.RUnlock()
	if ok && !e.expired() {
		return e.lic, nil
	}

	lic, err := c.store.GetByPublisher(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	c.set("pub:"+publisherID, lic)
	return lic, nil
}

// GetByDomain returns the active license covering domain, serving from cache
// when fresh.
func (c *Cache) GetByDomain(ctx context.Context, domain string) (*License, error) {
	c.mu.RLock()
	e, ok := c.entries["dom:"+domain]
	c.mu.RUnlock()
	if ok && !e.expired() {
		return e.lic, nil
	}

	lic, err := c.store.GetByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	c.set("dom:"+domain, lic)
	return lic, nil
}

// Invalidate drops any cached entries for the publisher. Called after admin
// mutations so price changes take effect within one request.
func (c *Cache) Invalidate(publisherID, domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, "pub:"+publisherID)
	delete(c.entries, "dom:"+domain)
}

func (c *Cache) set(key string, lic *License) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{lic: lic, expiresAt: time.Now().Add(c.ttl)}
}
