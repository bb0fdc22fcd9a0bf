// Package providercache implements the two-layer (in-memory L1 + persistent
// L2) carrier cache: a read-through L1 over an L2 KV store, with writes
// fanned out to both.
package providercache

import (
	"context"
	"sync"
	"time"

	"github.com/leadscout/scrapecore/internal/model"
)

const (
	resolvedTTL = 30 * 24 * time.Hour
	unknownTTL  = 24 * time.Hour

	// Unknown is the sentinel carrier value for phones that resolved to
	// nothing on the carrier site.
	Unknown = "Unknown"
)

// L2 is the persistent backing store (Redis in production).
type L2 interface {
	GetCacheEntry(ctx context.Context, phone string) (*model.CacheEntry, error)
	SetCacheEntry(ctx context.Context, entry model.CacheEntry) error
}

// Cache is the process-wide, shared-across-sessions Provider Cache.
type Cache struct {
	mu  sync.RWMutex
	l1  map[string]model.CacheEntry
	l2  L2
}

// New creates a Cache backed by the given L2 store (may be nil for a
// memory-only configuration, e.g. tests).
func New(l2 L2) *Cache {
	return &Cache{l1: make(map[string]model.CacheEntry), l2: l2}
}

// Get resolves a cached carrier for phone. A miss-then-write is not atomic
// by design; duplicate lookups on a race are acceptable and cheap.
func (c *Cache) Get(ctx context.Context, phone string) (string, bool) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.l1[phone]
	c.mu.RUnlock()
	if ok && !entry.Expired(now) {
		return entry.Carrier, true
	}

	if c.l2 == nil {
		return "", false
	}
	l2Entry, err := c.l2.GetCacheEntry(ctx, phone)
	if err != nil || l2Entry == nil || l2Entry.Expired(now) {
		return "", false
	}

	c.mu.Lock()
	c.l1[phone] = *l2Entry
	c.mu.Unlock()
	return l2Entry.Carrier, true
}

// Put writes a resolved carrier (or Unknown) through both cache layers with
// the TTL rules from §3: 30 days for resolved carriers, 1 day for Unknown.
func (c *Cache) Put(ctx context.Context, phone, carrier string) error {
	ttl := resolvedTTL
	if carrier == Unknown {
		ttl = unknownTTL
	}
	entry := model.CacheEntry{
		Phone:     phone,
		Carrier:   carrier,
		WrittenAt: time.Now(),
		TTL:       ttl,
	}

	c.mu.Lock()
	c.l1[phone] = entry
	c.mu.Unlock()

	if c.l2 != nil {
		return c.l2.SetCacheEntry(ctx, entry)
	}
	return nil
}
