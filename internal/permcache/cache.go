// Package permcache caches resolved permission sets per user.
package permcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"campusadmin.org/internal/perm"
)

const (
	DefaultTTL  = 5 * time.Minute
	DefaultSize = 10000
)

// Recorder receives hit/miss notifications. obs.Metrics satisfies it.
type Recorder interface {
	CacheLookup(hit bool)
}

// Config controls capacity and expiry.
type Config struct {
	TTL     time.Duration
	MaxSize int
}

// Cache is a TTL and capacity bounded user -> permission set store.
//
// Writes that follow a store read go through Reserve/Fill: Reserve hands out a
// ticket before the read, Fill stores the result only if no invalidation for
// that user happened in between. Invalidate and InvalidateAll cancel every
// outstanding ticket they cover.
type Cache struct {
	lru      *lru.LRU[string, perm.Set]
	recorder Recorder

	mu      sync.Mutex
	tickets map[string]uint64
	seq     uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithRecorder reports lookups to r.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

// New constructs a cache. Zero config values fall back to the defaults.
func New(cfg Config, opts ...Option) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultSize
	}
	c := &Cache{
		lru:     lru.NewLRU[string, perm.Set](cfg.MaxSize, nil, cfg.TTL),
		tickets: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached set for userID.
func (c *Cache) Get(userID string) (perm.Set, bool) {
	set, ok := c.lru.Get(userID)
	if c.recorder != nil {
		c.recorder.CacheLookup(ok)
	}
	return set, ok
}

// Set stores set unconditionally and cancels any outstanding ticket for userID.
func (c *Cache) Set(userID string, set perm.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tickets, userID)
	c.lru.Add(userID, set)
}

// Reserve returns a ticket to be redeemed by Fill once the store read completes.
func (c *Cache) Reserve(userID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.tickets[userID] = c.seq
	return c.seq
}

// Fill stores set if ticket is still the outstanding one for userID.
func (c *Cache) Fill(userID string, ticket uint64, set perm.Set) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickets[userID] != ticket {
		return false
	}
	delete(c.tickets, userID)
	c.lru.Add(userID, set)
	return true
}

// Release drops ticket without storing anything.
func (c *Cache) Release(userID string, ticket uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tickets[userID] == ticket {
		delete(c.tickets, userID)
	}
}

// Invalidate removes the entries for userIDs and cancels their tickets.
func (c *Cache) Invalidate(userIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range userIDs {
		delete(c.tickets, id)
		c.lru.Remove(id)
	}
}

// InvalidateAll clears the cache and cancels every ticket.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tickets = make(map[string]uint64)
	c.lru.Purge()
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
