// Package blockcache keeps recently read storage blocks in decrypted form.
// It is never the source of truth: any entry can be dropped and re-read.
package blockcache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a least-recently-used cache of decrypted storage blocks, bounded
// by entry count and optionally by total bytes.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[int64, []byte]
	maxBytes int64
	bytes    int64
}

// New creates a cache holding at most maxEntries blocks. When maxBytes is
// positive, least-recently-used blocks are also evicted to keep the total
// size within it.
func New(maxEntries int, maxBytes int64) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes}
	entries, err := lru.NewWithEvict(maxEntries, func(_ int64, data []byte) {
		c.bytes -= int64(len(data))
	})
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	c.entries = entries
	return c, nil
}

// TryServe returns the cached block and marks it most recently used.
func (c *Cache) TryServe(id int64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Get(id)
}

// Add caches data for id, evicting the least recently used blocks as needed.
// Blocks larger than the byte bound are not cached.
func (c *Cache) Add(id int64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		c.entries.Remove(id)
		return
	}
	c.entries.Remove(id)
	c.entries.Add(id, data)
	c.bytes += int64(len(data))
	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

// Invalidate drops id. Called whenever the physical content behind id
// changes or the id is freed.
func (c *Cache) Invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(id)
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Bytes returns the total size of cached blocks.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
