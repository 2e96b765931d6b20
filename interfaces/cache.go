package interf

import "io"

// Cache stores hot blocks in RAM, in front of the disk block caches.
// If possible, there should only be one common cache (reuse the object in your program).
type Cache interface {

	// Get returns the value or 'not found' error.
	// This method doesn't allocate memory when the capacity of buf is greater or equal to value.
	Get(id string, block uint64, buf []byte) ([]byte, error)

	// Set stores the value in the cache.
	// Old data can be deleted if the cache is full.
	Set(id string, block uint64, data []byte) error

	// Del removes a block. It has no effect if the block is not in the cache.
	Del(id string, block uint64)

	// Size returns the max. capacity of this cache in bytes.
	Size() int64
}

// BlockCache is the disk cache of a single source.
// It is shared by all ReaderAt opened for the same source path.
// All methods are thread safe.
type BlockCache interface {

	// IsValid reports whether the cache file is usable.
	// An invalid cache does not cache anything, Populate reads directly from the source.
	IsValid() bool

	// ReadCached copies cached bytes starting at off into p.
	// It stops at the first block that is not cached and returns the number of bytes copied.
	ReadCached(p []byte, off int64) int

	// Populate reads missing blocks (starting with the block of off) from src,
	// stores them in the cache and copies the requested bytes into p.
	// At most MaxBlocksPerBatch blocks are read. Errors from src are returned unchanged.
	Populate(src io.ReaderAt, p []byte, off int64) (int, error)

	// ReadThrough combines ReadCached and Populate until p is full or no progress is possible.
	ReadThrough(src io.ReaderAt, p []byte, off int64) (int, error)

	// Stats returns a snapshot of the cache state.
	Stats() CacheStats
}

// CacheStats describes the state of a BlockCache.
type CacheStats struct {
	CacheFile        string // path of the cache file
	BlockSize        int64  // bytes per block
	LogicalBlocks    uint32 // blocks of the source
	MaxSlots         uint32 // physical slots in the cache file
	CachedBlocks     uint32 // occupied slots
	Generation       uint16 // current generation
	OldestGeneration uint16 // eviction floor
}
