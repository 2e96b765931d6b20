package impl

import (
	"encoding/binary"
	"runtime/debug"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/coocood/freecache"
)

// interface check: interf.Cache
var _ interf.Cache = (*_Cache)(nil)

// freecache rejects entries bigger than 1/1024 of its size. An entry is the value,
// the key (block number and cache id) and a 24 byte header.
const (
	cacheEntryOverhead = 128
	cacheEntryFactor   = 1024
)

// @see interf.Cache
//
// Cache stores hot blocks in RAM, in front of the disk block caches.
// The cache is always big enough for entries of a full block (@see MinCacheSizeMB).
// If possible, there should only be one common large cache (reuse the object in your program).
type _Cache struct {
	cache *freecache.Cache // RAM cache for blocks
	size  int64            // capacity in bytes
}

// MinCacheSizeMB is the smallest RAM cache that accepts blocks of the given size.
// For the DefaultBlockSize this is 65 MB.
func MinCacheSizeMB(blockSize int) int {
	if blockSize <= 0 {
		blockSize = interf.DefaultBlockSize
	}
	const mb = 1024 * 1024
	return ((blockSize+cacheEntryOverhead)*cacheEntryFactor + mb - 1) / mb
}

// NewCache return the default implementation of interf.Cache.
// cacheSizeMB is raised to MinCacheSizeMB(blockSize) if it is smaller.
func NewCache(cacheSizeMB int, blockSize int) interf.Cache {
	// cache min. size
	if m := MinCacheSizeMB(blockSize); cacheSizeMB < m {
		cacheSizeMB = m
	}

	// init freeCache
	size := cacheSizeMB * 1024 * 1024
	fCache := freecache.NewCache(size)
	debug.SetGCPercent(20)

	return &_Cache{
		cache: fCache,
		size:  int64(size),
	}
}

// @see interf.Cache
//
// Get returns the value or 'not found' error.
// This method doesn't allocate memory when the capacity of buf is greater or equal to value.
func (c *_Cache) Get(id string, block uint64, buf []byte) ([]byte, error) {
	return c.cache.GetWithBuf(c.calcCacheKey(id, block), buf)
}

// @see interf.Cache
//
// Set stores the value in the cache. Old data can be deleted if the cache is full.
// Blocks never expire, the disk cache removes evicted blocks (@see Del).
func (c *_Cache) Set(id string, block uint64, data []byte) error {
	return c.cache.Set(c.calcCacheKey(id, block), data, 0)
}

// @see interf.Cache
func (c *_Cache) Del(id string, block uint64) {
	c.cache.Del(c.calcCacheKey(id, block))
}

// @see interf.Cache
func (c *_Cache) Size() int64 {
	return c.size
}

//-----  HELPER  -----------------------------------------------------------------------------------------------------//

// calcCacheKey converts an id and a block into a byte key for freeCache.
func (c *_Cache) calcCacheKey(id string, block uint64) []byte {
	var bKey [8]byte
	binary.LittleEndian.PutUint64(bKey[:], block)
	return append(bKey[:], id...)
}
