package agilese

import (
	"fmt"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/elastic/go-freelru"
)

// queryKey identifies a query result: the hash of the normalized query and
// the generation it was computed at. A commit bumps the generation, so older
// results are never served again and age out of the LRU. Results computed
// while a commit was publishing are returned but never cached.
type queryKey struct {
	sign       uint64
	generation uint64
}

func hashQueryKey(k queryKey) uint32 {
	h := k.sign ^ (k.generation * 0x9e3779b97f4a7c15)
	return uint32(h ^ h>>32)
}

type resultCache struct {
	lru    *freelru.SyncedLRU[queryKey, *roaring.Bitmap]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// newResultCache creates a cache holding size results. Size zero yields a
// cache that stores nothing.
func newResultCache(size int) (*resultCache, error) {
	c := &resultCache{}
	if size == 0 {
		return c, nil
	}
	lru, err := freelru.NewSynced[queryKey, *roaring.Bitmap](uint32(size), hashQueryKey)
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	c.lru = lru
	return c, nil
}

func (c *resultCache) get(k queryKey) (*roaring.Bitmap, bool) {
	if c.lru == nil {
		return nil, false
	}
	bm, ok := c.lru.Get(k)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return bm, ok
}

func (c *resultCache) add(k queryKey, bm *roaring.Bitmap) {
	if c.lru != nil {
		c.lru.Add(k, bm)
	}
}

func (c *resultCache) purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}

func (c *resultCache) stats() (size int, hits, misses uint64) {
	if c.lru != nil {
		size = c.lru.Len()
	}
	return size, c.hits.Load(), c.misses.Load()
}
