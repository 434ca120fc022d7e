package serving

import (
	"container/list"
	"sync"
	"time"
)

const DefaultCacheCapacity = 10

// CachedModelInfo is the entry summary exposed by List.
type CachedModelInfo struct {
	Key             string    `json:"key"`
	LoadedAt        time.Time `json:"loaded_at"`
	PredictionCount int64     `json:"prediction_count"`
	AvgLatencyMS    float64   `json:"avg_latency_ms"`
}

type cacheEntry struct {
	key            string
	handle         ModelHandle
	desc           ModelDescriptor
	loadedAt       time.Time
	predictions    int64
	latencyTotalMS float64
}

// ModelCache is a bounded key->handle store with least-recently-used
// eviction. A single mutex guards both the key map and the access-order
// list. Handles returned by Get may be used without holding the lock;
// eviction racing with an in-flight prediction leaves the borrower with a
// stale but still valid handle.
type ModelCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front is most recently used
	onEvict  func(ModelHandle)
}

// NewModelCache creates a cache holding at most capacity entries. A
// non-positive capacity falls back to DefaultCacheCapacity. onEvict, if set,
// is invoked outside the cache lock with every handle that leaves the cache.
func NewModelCache(capacity int, onEvict func(ModelHandle)) *ModelCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ModelCache{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
		onEvict:  onEvict,
	}
}

// Get returns the handle for key and promotes the entry to most recently
// used. On a miss the caller is responsible for loading and calling Put.
func (c *ModelCache) Get(key string) (ModelHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(element)
	return element.Value.(*cacheEntry).handle, true
}

// Put inserts or replaces the entry for key and promotes it to most recently
// used. Inserting a new key into a full cache evicts exactly the least
// recently used entry; replacing an existing key never evicts.
func (c *ModelCache) Put(key string, handle ModelHandle, desc ModelDescriptor) {
	var evicted []ModelHandle

	c.mu.Lock()
	if element, ok := c.entries[key]; ok {
		entry := element.Value.(*cacheEntry)
		if entry.handle != handle && entry.handle != nil {
			evicted = append(evicted, entry.handle)
		}
		entry.handle = handle
		entry.desc = desc
		entry.loadedAt = time.Now()
		c.order.MoveToFront(element)
	} else {
		if c.order.Len() >= c.capacity {
			oldest := c.order.Back()
			if oldest != nil {
				old := oldest.Value.(*cacheEntry)
				delete(c.entries, old.key)
				c.order.Remove(oldest)
				if old.handle != nil {
					evicted = append(evicted, old.handle)
				}
			}
		}
		c.entries[key] = c.order.PushFront(&cacheEntry{
			key:      key,
			handle:   handle,
			desc:     desc,
			loadedAt: time.Now(),
		})
	}
	c.mu.Unlock()

	if c.onEvict != nil {
		for _, old := range evicted {
			c.onEvict(old)
		}
	}
}

// Remove drops the entry for key, if present.
func (c *ModelCache) Remove(key string) bool {
	var removed ModelHandle

	c.mu.Lock()
	element, ok := c.entries[key]
	if ok {
		removed = element.Value.(*cacheEntry).handle
		delete(c.entries, key)
		c.order.Remove(element)
	}
	c.mu.Unlock()

	if ok && removed != nil && c.onEvict != nil {
		c.onEvict(removed)
	}
	return ok
}

// RecordUse folds one prediction's latency into the entry's running stats.
// It is a no-op when the entry was evicted mid-flight.
func (c *ModelCache) RecordUse(key string, latencyMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return
	}
	entry := element.Value.(*cacheEntry)
	entry.predictions++
	entry.latencyTotalMS += latencyMS
}

// List returns entry summaries in most-recently-used-first order.
func (c *ModelCache) List() []CachedModelInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	infos := make([]CachedModelInfo, 0, c.order.Len())
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*cacheEntry)
		info := CachedModelInfo{
			Key:             entry.key,
			LoadedAt:        entry.loadedAt,
			PredictionCount: entry.predictions,
		}
		if entry.predictions > 0 {
			info.AvgLatencyMS = entry.latencyTotalMS / float64(entry.predictions)
		}
		infos = append(infos, info)
	}
	return infos
}

// Len reports the current number of cached entries.
func (c *ModelCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
