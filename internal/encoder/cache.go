package encoder

import (
	"container/list"
	"sync"
)

// vectorCache is an LRU of encoded rows keyed by model and text. It stands
// in for a runtime allocator cache and is emptied by Purge on flush.
type vectorCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	lru      *list.List
}

type cacheEntry struct {
	key   string
	value []float32
}

func newVectorCache(capacity int) *vectorCache {
	return &vectorCache{capacity: capacity, items: make(map[string]*list.Element), lru: list.New()}
}

func (c *vectorCache) get(key string) ([]float32, bool) {
	if c.capacity <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.lru.MoveToFront(el)
		return el.Value.(*cacheEntry).value, true
	}
	return nil, false
}

func (c *vectorCache) set(key string, v []float32) {
	if c.capacity <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*cacheEntry).value = v
		return
	}
	c.items[key] = c.lru.PushFront(&cacheEntry{key: key, value: v})
	if c.lru.Len() > c.capacity {
		if oldest := c.lru.Back(); oldest != nil {
			c.lru.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheEntry).key)
		}
	}
}

// Purge drops every entry.
func (c *vectorCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.lru.Init()
}

func (c *vectorCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
