package playback

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transport-timemachine/internal/transport"
)

// ChunkSource fetches the raw samples for one time window. Implementations
// own their retry policy; errors reaching the cache are final and are
// propagated, not retried again.
type ChunkSource interface {
	FetchChunk(ctx context.Context, start time.Time, duration time.Duration, filters []transport.Type) (*transport.Chunk, error)
}

// CacheMetrics receives cache instrumentation. A nil implementation is fine.
type CacheMetrics interface {
	CacheHit()
	CacheMiss()
	CacheEvict()
	CacheSize(n int)
}

// DefaultCacheCapacity bounds the cache when no explicit capacity is given.
const DefaultCacheCapacity = 10

type cacheEntry struct {
	chunk      *transport.Chunk
	insertedAt time.Time
	lastAccess time.Time
}

// Cache memoizes ChunkSource results keyed by the exact (window start,
// duration, filter set) tuple. It only bounds memory: entries never expire by
// staleness, and eviction is oldest-insertion-first (FIFO rather than LRU, a
// deliberate simplification). Chunks are immutable after insertion, so
// readers of a returned chunk need no further locking.
type Cache struct {
	source      ChunkSource
	capacity    int
	granularity time.Duration
	log         zerolog.Logger
	metrics     CacheMetrics

	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string // insertion order, oldest first
}

// NewCache wraps source with a bounded FIFO memo. granularity is the fetch
// granularity window starts are truncated to when deriving keys; zero
// disables truncation. metrics may be nil.
func NewCache(source ChunkSource, capacity int, granularity time.Duration, log zerolog.Logger, m CacheMetrics) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &Cache{
		source:      source,
		capacity:    capacity,
		granularity: granularity,
		log:         log,
		metrics:     m,
		entries:     make(map[string]*cacheEntry),
	}
}

// Key derives the cache key for a window. Both the on-demand load path and
// the prefetcher go through this, so their fetches coalesce.
func (c *Cache) Key(start time.Time, duration time.Duration, filters []transport.Type) string {
	if c.granularity > 0 {
		start = start.Truncate(c.granularity)
	}
	norm := transport.NormalizeFilter(filters)
	parts := make([]string, len(norm))
	for i, t := range norm {
		parts[i] = string(t)
	}
	return fmt.Sprintf("%d|%d|%s", start.Unix(), int64(duration.Seconds()), strings.Join(parts, ","))
}

// GetOrFetch returns the cached chunk for the window, fetching and inserting
// it on a miss. Source failures are propagated to the caller unchanged.
func (c *Cache) GetOrFetch(ctx context.Context, start time.Time, duration time.Duration, filters []transport.Type) (*transport.Chunk, error) {
	key := c.Key(start, duration, filters)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastAccess = time.Now()
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.CacheHit()
		}
		return e.chunk, nil
	}
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
	chunk, err := c.source.FetchChunk(ctx, start, duration, filters)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk %s: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		// A concurrent fetch for the same window won; keep its chunk.
		e.lastAccess = time.Now()
		return e.chunk, nil
	}
	now := time.Now()
	c.entries[key] = &cacheEntry{chunk: chunk, insertedAt: now, lastAccess: now}
	c.order = append(c.order, key)
	for len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
		if c.metrics != nil {
			c.metrics.CacheEvict()
		}
		c.log.Debug().Str("key", oldest).Msg("evicted chunk")
	}
	if c.metrics != nil {
		c.metrics.CacheSize(len(c.entries))
	}
	return chunk, nil
}

// Contains reports whether the window is currently cached.
func (c *Cache) Contains(start time.Time, duration time.Duration, filters []transport.Type) bool {
	key := c.Key(start, duration, filters)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of cached chunks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
