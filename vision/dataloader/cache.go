package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-deeplab/vision/dataset"
)

// SampleCache is an LRU cache of decoded samples keyed by dataset index.
// Cached samples are shared between batches and must not be mutated.
type SampleCache struct {
	mu      sync.Mutex
	samples map[int]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	index  int
	sample *dataset.Sample
}

// NewSampleCache creates a cache holding at most maxSize samples.
func NewSampleCache(maxSize int) *SampleCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &SampleCache{
		samples: make(map[int]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a sample and marks it most recently used.
func (c *SampleCache) Get(index int) (*dataset.Sample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.samples[index]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).sample, true
	}

	c.misses++
	return nil, false
}

// Put adds a sample, evicting the least recently used one when full.
func (c *SampleCache) Put(index int, sample *dataset.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.samples[index]; ok {
		c.lru.MoveToFront(elem)
		return
	}

	c.samples[index] = c.lru.PushFront(&cacheEntry{index: index, sample: sample})

	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.samples, oldest.Value.(*cacheEntry).index)
	}
}

// Len returns the number of cached samples.
func (c *SampleCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Clear drops all samples. Statistics are cumulative and survive Clear.
func (c *SampleCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples = make(map[int]*list.Element)
	c.lru = list.New()
}

// ResetStats zeroes the hit and miss counters.
func (c *SampleCache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics
func (c *SampleCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lru.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d samples, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
