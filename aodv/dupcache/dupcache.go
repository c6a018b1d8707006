// Package dupcache remembers recently seen identifiers for a fixed lifetime
// in virtual time. It backs route-request duplicate suppression, keyed by
// (origin, request id), and broadcast data duplicate detection, keyed by
// (source, packet id).
package dupcache

import (
	"net/netip"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize bounds a cache when the caller passes a non-positive size.
const DefaultSize = 4096

// Clock reads the current time.
type Clock interface {
	Now() time.Time
}

// Cache is a bounded LRU of keys with an absolute expiry each. Once full,
// the least recently seen key is evicted even if it has not expired.
type Cache[K comparable] struct {
	clock    Clock
	lifetime time.Duration
	seen     *lru.Cache[K, time.Time]
}

func New[K comparable](clock Clock, lifetime time.Duration, size int) *Cache[K] {
	if size <= 0 {
		size = DefaultSize
	}
	// lru.New only fails for a non-positive size.
	seen, _ := lru.New[K, time.Time](size)
	return &Cache[K]{clock: clock, lifetime: lifetime, seen: seen}
}

// IsDuplicate reports whether k was seen within the lifetime. A key that
// was not is recorded, so the first call for a key returns false and later
// calls return true until it expires.
func (c *Cache[K]) IsDuplicate(k K) bool {
	now := c.clock.Now()
	if exp, ok := c.seen.Get(k); ok && exp.After(now) {
		return true
	}
	c.seen.Add(k, now.Add(c.lifetime))
	return false
}

// SetLifetime changes the lifetime used for keys recorded from now on.
func (c *Cache[K]) SetLifetime(d time.Duration) { c.lifetime = d }

// Len counts recorded keys, including ones that expired but were not
// evicted yet.
func (c *Cache[K]) Len() int { return c.seen.Len() }

// Purge drops everything.
func (c *Cache[K]) Purge() { c.seen.Purge() }

// RequestKey identifies a route request.
type RequestKey struct {
	Origin netip.Addr
	ID     uint32
}

// PacketKey identifies a broadcast data packet.
type PacketKey struct {
	Source netip.Addr
	ID     uint64
}

// RequestCache suppresses re-processing of the same route request.
type RequestCache = Cache[RequestKey]

// PacketCache suppresses duplicate broadcast deliveries.
type PacketCache = Cache[PacketKey]

func NewRequestCache(clock Clock, lifetime time.Duration) *RequestCache {
	return New[RequestKey](clock, lifetime, DefaultSize)
}

func NewPacketCache(clock Clock, lifetime time.Duration) *PacketCache {
	return New[PacketKey](clock, lifetime, DefaultSize)
}
