package verification

import (
	"github.com/ethereum/go-ethereum/common/lru"

	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/metrics"
)

// DefaultCacheSize is the default capacity of a Cache.
const DefaultCacheSize = 50_000

const cacheName = "verification"

type cacheKey struct {
	category common.EntityCategory
	address  string
}

// Cache remembers verification outcomes across batches. It is bounded and
// evicts the least recently used entry; both reads and writes count as use.
// Safe for concurrent use.
type Cache struct {
	entries *lru.Cache[cacheKey, bool]
	metrics metrics.StorageMetrics
}

// NewCache creates a cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{
		entries: lru.NewCache[cacheKey, bool](size),
		metrics: metrics.NewDefaultStorageMetrics(),
	}
}

// Get returns the cached outcome for an address, and whether there was one.
func (c *Cache) Get(category common.EntityCategory, address string) (valid bool, ok bool) {
	valid, ok = c.entries.Get(cacheKey{category, common.NormalizeAddress(address)})
	status := metrics.CacheReadStatusMiss
	if ok {
		status = metrics.CacheReadStatusHit
	}
	c.metrics.LocalCacheReads(cacheName, status).Inc()
	return valid, ok
}

// Put records an outcome.
func (c *Cache) Put(category common.EntityCategory, address string, valid bool) {
	c.entries.Add(cacheKey{category, common.NormalizeAddress(address)}, valid)
}

// Contains reports whether an outcome is cached without touching its recency.
func (c *Cache) Contains(category common.EntityCategory, address string) bool {
	return c.entries.Contains(cacheKey{category, common.NormalizeAddress(address)})
}

// Len returns the number of cached outcomes.
func (c *Cache) Len() int {
	return c.entries.Len()
}
