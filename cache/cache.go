// Package cache provides the TTL result cache in front of expensive reads.
// It shares the store adapter abstraction with the limiter, so the same code
// path serves in-process and shared-store deployments. Store failures are
// absorbed: a failed read is a miss, a failed write is logged, and neither
// propagates as an error to the request handler.
package cache

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/provdir/shield/degrade"
	"github.com/provdir/shield/store"
)

const (
	keyPrefix  = "cache:"
	defaultTTL = 5 * time.Minute
)

// Stats are the cache's aggregate counters, with a per-namespace breakdown
// so operators can read the hit rate of one query class in isolation.
type Stats struct {
	Hits       int64                     `json:"hits"`
	Misses     int64                     `json:"misses"`
	Sets       int64                     `json:"sets"`
	Deletes    int64                     `json:"deletes"`
	Size       int64                     `json:"size"`
	Namespaces map[string]NamespaceStats `json:"namespaces"`
}

// NamespaceStats are the read counters for one cache namespace, the key
// segment before the first colon.
type NamespaceStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

type nsCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Cache is the caching layer. Absence and expiry are indistinguishable to
// callers: both are a miss.
type Cache struct {
	adapter    store.Adapter
	coord      *degrade.Coordinator
	defaultTTL time.Duration

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64

	nsMu sync.Mutex
	ns   map[string]*nsCounters
}

// Option configures a Cache.
type Option func(*Cache)

// WithDefaultTTL sets the TTL applied when Set is called with a
// non-positive ttl. Defaults to 5 minutes.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.defaultTTL = d
		}
	}
}

// New creates a Cache over the given adapter.
func New(adapter store.Adapter, coord *degrade.Coordinator, opts ...Option) *Cache {
	c := &Cache{
		adapter:    adapter,
		coord:      coord,
		defaultTTL: defaultTTL,
		ns:         make(map[string]*nsCounters),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// namespaceFor returns the counters bucket for key's namespace segment, the
// part before the first colon.
func (c *Cache) namespaceFor(key string) *nsCounters {
	ns := key
	if i := strings.IndexByte(key, ':'); i >= 0 {
		ns = key[:i]
	}
	c.nsMu.Lock()
	defer c.nsMu.Unlock()
	nc, ok := c.ns[ns]
	if !ok {
		nc = &nsCounters{}
		c.ns[ns] = nc
	}
	return nc
}

// Get returns the cached value for key, or ok=false on a miss. A store
// failure is reported as a miss and marks the store degraded.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool) {
	nc := c.namespaceFor(key)
	val, ok, err := c.adapter.Get(ctx, keyPrefix+key)
	if err != nil {
		c.coord.MarkFailure(degrade.DependencyStore)
		c.misses.Add(1)
		nc.misses.Add(1)
		log.Error().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		return nil, false
	}
	c.coord.MarkSuccess(degrade.DependencyStore)
	if !ok {
		c.misses.Add(1)
		nc.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	nc.hits.Add(1)
	return val, true
}

// Set stores value under key for ttl. Writes on the same key are
// last-write-wins; no ordering beyond the backend's single-command atomicity
// is provided.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if err := c.adapter.Set(ctx, keyPrefix+key, value, ttl); err != nil {
		c.coord.MarkFailure(degrade.DependencyStore)
		log.Error().Err(err).Str("key", key).Msg("cache write failed")
		return
	}
	c.coord.MarkSuccess(degrade.DependencyStore)
	c.sets.Add(1)
}

// Delete removes a single entry.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.adapter.Delete(ctx, keyPrefix+key); err != nil {
		c.coord.MarkFailure(degrade.DependencyStore)
		log.Error().Err(err).Str("key", key).Msg("cache delete failed")
		return
	}
	c.coord.MarkSuccess(degrade.DependencyStore)
	c.deletes.Add(1)
}

// DeleteByPrefix removes every entry whose derived key starts with prefix.
// Data-owning collaborators call this when a write invalidates a class of
// cached reads, e.g. any mutation affecting search results invalidates the
// whole search namespace.
func (c *Cache) DeleteByPrefix(ctx context.Context, prefix string) int64 {
	removed, err := c.adapter.DeleteByPrefix(ctx, keyPrefix+prefix)
	if err != nil {
		c.coord.MarkFailure(degrade.DependencyStore)
		log.Error().Err(err).Str("prefix", prefix).Msg("cache bulk invalidation failed")
	} else {
		c.coord.MarkSuccess(degrade.DependencyStore)
	}
	c.deletes.Add(removed)
	return removed
}

// ClearAll drops the entire cache namespace. Privileged operator action, not
// part of the request-serving path.
func (c *Cache) ClearAll(ctx context.Context) int64 {
	return c.DeleteByPrefix(ctx, "")
}

// Stats returns the current counters plus the live entry count.
func (c *Cache) Stats(ctx context.Context) Stats {
	size, err := c.adapter.Size(ctx, keyPrefix)
	if err != nil {
		log.Warn().Err(err).Msg("cache size probe failed")
		size = -1
	}
	c.nsMu.Lock()
	namespaces := make(map[string]NamespaceStats, len(c.ns))
	for name, nc := range c.ns {
		namespaces[name] = NamespaceStats{Hits: nc.hits.Load(), Misses: nc.misses.Load()}
	}
	c.nsMu.Unlock()

	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Sets:       c.sets.Load(),
		Deletes:    c.deletes.Load(),
		Size:       size,
		Namespaces: namespaces,
	}
}

// Counters adapts Stats for the degradation coordinator, which wants plain
// counter maps and must not block on a store probe.
func (c *Cache) Counters() map[string]int64 {
	return map[string]int64{
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
		"sets":    c.sets.Load(),
		"deletes": c.deletes.Load(),
	}
}
