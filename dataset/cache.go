package dataset

import (
	"container/list"
	"fmt"
	"sync"
)

// ImageCache is an LRU cache of decoded, resized CHW buffers keyed by
// image path. A single cache can be shared between the train and val
// loaders by passing it to both datasets.
type ImageCache struct {
	mu          sync.RWMutex
	entries     map[string][]float32
	lru         *list.List
	lruMap      map[string]*list.Element
	maxSize     int
	currentSize int

	// Statistics
	hits   int64
	misses int64
}

// NewImageCache creates a cache holding at most maxSize images.
func NewImageCache(maxSize int) *ImageCache {
	return &ImageCache{
		entries: make(map[string][]float32),
		lru:     list.New(),
		lruMap:  make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves an item from the cache
func (c *ImageCache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if data, exists := c.entries[key]; exists {
		if elem, ok := c.lruMap[key]; ok {
			c.lru.MoveToFront(elem)
		}
		c.hits++
		return data, true
	}

	c.misses++
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used
// entries when over capacity.
func (c *ImageCache) Put(key string, data []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		if elem, ok := c.lruMap[key]; ok {
			c.lru.MoveToFront(elem)
		}
		return
	}

	elem := c.lru.PushFront(key)
	c.lruMap[key] = elem
	c.entries[key] = data
	c.currentSize++

	for c.currentSize > c.maxSize && c.lru.Len() > 0 {
		oldest := c.lru.Back()
		if oldest != nil {
			c.removeElement(oldest)
		}
	}
}

func (c *ImageCache) removeElement(elem *list.Element) {
	key := elem.Value.(string)
	c.lru.Remove(elem)
	delete(c.lruMap, key)
	delete(c.entries, key)
	c.currentSize--
}

// Stats returns cache statistics
func (c *ImageCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return CacheStats{
		Size:    c.currentSize,
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
		HitRate: c.calculateHitRate(),
	}
}

func (c *ImageCache) calculateHitRate() float64 {
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total) * 100
}

// Clear empties the cache. Statistics stay cumulative.
func (c *ImageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string][]float32)
	c.lru = list.New()
	c.lruMap = make(map[string]*list.Element)
	c.currentSize = 0
}

// ResetStats resets the hit/miss counters.
func (c *ImageCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
