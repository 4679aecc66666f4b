// Package bcache implements a shared cache of filesystem blocks.
//
// The backing image is immutable, so a cached block is never
// invalidated or rewritten: entries are write-once, read-many.
// Concurrent requests for the same block collapse to a single
// device read.
package bcache

import (
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// DefaultLimit is the default maximum number of cached blocks.
const DefaultLimit = 8192

// BlockReader is the device-level read primitive the cache populates from.
type BlockReader interface {
	ReadBlock(blkno int64) ([]byte, error)
}

// Cache caches blocks keyed by absolute block number. Entries are
// immutable once inserted; callers must not modify returned buffers.
type Cache struct {
	dev   BlockReader
	group singleflight.Group
	limit int

	mu     sync.RWMutex
	blocks map[int64][]byte
}

// New creates a cache over dev holding at most limit blocks.
// A limit <= 0 selects DefaultLimit.
func New(dev BlockReader, limit int) *Cache {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{
		dev:    dev,
		limit:  limit,
		blocks: make(map[int64][]byte),
	}
}

// Get returns the contents of block blkno, reading it from the device
// at most once no matter how many goroutines ask concurrently.
func (c *Cache) Get(blkno int64) ([]byte, error) {
	c.mu.RLock()
	buf, ok := c.blocks[blkno]
	c.mu.RUnlock()
	if ok {
		return buf, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(blkno, 16), func() (any, error) {
		// Re-check under the flight: another flight may have
		// populated the entry between our miss and here.
		c.mu.RLock()
		buf, ok := c.blocks[blkno]
		c.mu.RUnlock()
		if ok {
			return buf, nil
		}
		buf, err := c.dev.ReadBlock(blkno)
		if err != nil {
			return nil, err
		}
		c.insert(blkno, buf)
		return buf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// insert stores a block, resetting the map wholesale when full. The
// image never changes, so dropping entries is always safe; rebuilding
// the working set costs one device read per block.
func (c *Cache) insert(blkno int64, buf []byte) {
	c.mu.Lock()
	if len(c.blocks) >= c.limit {
		c.blocks = make(map[int64][]byte, c.limit)
	}
	c.blocks[blkno] = buf
	c.mu.Unlock()
}

// Len returns the number of cached blocks.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}
