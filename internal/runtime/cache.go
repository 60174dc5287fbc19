package runtime

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Artifact is one compiled/fetched function binary, content-addressed by
// its locator hash.
type Artifact struct {
	Locator string
	Bytes   []byte
}

// Cache is the content-addressed LRU the spec requires (§4.6): "compiled
// function artifacts are content-addressed by their binary hash; LRU
// with total size bound keeps per-region cold-start amortized." Cache
// hits never change observable behavior — Get returns the exact bytes
// Put received.
type Cache struct {
	mu       sync.Mutex
	lru      *lru.Cache[string, Artifact]
	maxBytes int64
	curBytes int64
}

// NewCache builds a cache holding at most maxEntries artifacts and at
// most maxBytes total, evicting least-recently-used first.
func NewCache(maxEntries int, maxBytes int64) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes}
	inner, err := lru.NewWithEvict[string, Artifact](maxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("runtime: new cache: %w", err)
	}
	c.lru = inner
	return c, nil
}

func (c *Cache) onEvict(_ string, a Artifact) {
	c.curBytes -= int64(len(a.Bytes))
}

// Get returns the cached artifact for locator, if present.
func (c *Cache) Get(locator string) (Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(locator)
}

// Put inserts a, evicting older entries until the size bound holds or
// only a remains (a single artifact larger than the bound stays cached).
func (c *Cache) Put(a Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(a.Locator, a)
	c.curBytes += int64(len(a.Bytes))
	for c.curBytes > c.maxBytes && c.lru.Len() > 1 {
		c.lru.RemoveOldest()
	}
}

// Invalidate drops a cached artifact, e.g. after a stack update replaces
// the binary at a given locator (locators are content-addressed so this
// is rarely needed, but a manual bust is still exposed for ops).
func (c *Cache) Invalidate(locator string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(locator)
}
