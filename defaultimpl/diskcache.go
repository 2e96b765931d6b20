package impl

import (
	"io"
	"strconv"
	"sync"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/metrics"
	"github.com/cespare/xxhash"
	"github.com/oxtoacart/bpool"
	"github.com/sirupsen/logrus"
)

// interface check: interf.BlockCache
var _ interf.BlockCache = (*_DiskBlockCache)(nil)

// @see interf.BlockCache
//
// DiskBlockCache is the disk cache of a single source. It ties the cache file (_BlockStore),
// the block records (_CacheIndex) and the eviction policy together.
// All operations of one cache are serialized by its mutex, including the file I/O.
type _DiskBlockCache struct {
	mux *sync.Mutex

	path       string // source path
	sourceSize int64
	blockSize  int64
	maxSlots   uint32

	store *_BlockStore // nil if caching is disabled
	index *_CacheIndex

	pool     *bpool.BytePool // block sized scratch buffers
	memory   interf.Cache    // hot blocks in RAM, can be nil
	memoryId string
	log      logrus.FieldLogger
}

// newDiskBlockCache wires a cache around an open store. records are the loaded block
// records of an existing cache file (nil for a new file).
func newDiskBlockCache(path string, sourceSize int64, store *_BlockStore, records []_BlockRecord, maxSlots uint32, memory interf.Cache, log logrus.FieldLogger) *_DiskBlockCache {
	c := &_DiskBlockCache{
		mux:        new(sync.Mutex),
		path:       path,
		sourceSize: sourceSize,
		blockSize:  store.blockSize,
		maxSlots:   maxSlots,
		store:      store,
		pool:       bpool.NewBytePool(4, int(store.blockSize)),
		memory:     memory,
		memoryId:   strconv.FormatUint(xxhash.Sum64String(path), 16) + "|" + strconv.FormatInt(sourceSize, 16),
		log:        log,
	}

	c.index = newCacheIndex(store.logicalCount, maxSlots, store, log)
	c.index.onEvict = c.forget
	if records != nil {
		if dropped := c.index.load(records); dropped > 0 {
			log.Warnf("%s/newDiskBlockCache: file=%s: dropped %d invalid block records", packageName, store.file, dropped)
		}
	}
	return c
}

// newDisabledCache returns a cache that does not cache anything.
func newDisabledCache(path string, sourceSize int64, log logrus.FieldLogger) *_DiskBlockCache {
	return &_DiskBlockCache{
		mux:        new(sync.Mutex),
		path:       path,
		sourceSize: sourceSize,
		log:        log,
	}
}

// @see interf.BlockCache
func (c *_DiskBlockCache) IsValid() bool {
	c.mux.Lock() // LOCK
	defer c.mux.Unlock()

	return c.store != nil
}

// @see interf.BlockCache
//
// ReadCached copies cached bytes starting at off into p.
// It stops at the first block that is not cached and returns the number of bytes copied.
func (c *_DiskBlockCache) ReadCached(p []byte, off int64) int {
	c.mux.Lock() // LOCK
	defer c.mux.Unlock()

	if c.store == nil || len(p) == 0 || off < 0 || off >= c.sourceSize {
		return 0
	}

	first, innerOff := c.calcBlock(off)
	last, _ := c.calcBlock(c.lastByte(p, off))
	read := 0

	for i := first; i <= last; i++ {
		slot, ok := c.index.lookup(i)
		if !ok {
			return read // a miss is counted by Populate
		}
		c.index.touch(i)

		toRead := c.innerLen(i, innerOff, len(p)-read)
		if err := c.readBlock(i, slot, innerOff, p[read:read+toRead]); err != nil {
			// the slot is unreliable: drop it, the next populate fetches the block again
			metrics.IOError("read")
			c.index.invalidate(i)
			return read
		}
		metrics.BlockHit()

		read += toRead
		innerOff = 0 // innerOff is 0 after first block
	}
	return read
}

// @see interf.BlockCache
//
// Populate reads up to MaxBlocksPerBatch contiguous missing blocks (starting with the block of off)
// with a single read from src. Every complete block is written to the cache file before it is
// committed to the index. The requested bytes are copied into p.
func (c *_DiskBlockCache) Populate(src io.ReaderAt, p []byte, off int64) (int, error) {
	c.mux.Lock() // LOCK
	defer c.mux.Unlock()

	if len(p) == 0 {
		return 0, nil
	}
	if c.store == nil {
		// caching is disabled: keep things working
		return src.ReadAt(p, off)
	}
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= c.sourceSize {
		return 0, io.EOF
	}

	first, innerOff := c.calcBlock(off)
	last, _ := c.calcBlock(c.lastByte(p, off))

	// count missing blocks, a batch never needs more than all slots
	limit := min(uint32(interf.MaxBlocksPerBatch), c.maxSlots)
	count := uint32(0)
	for i := first; i <= last; i++ {
		if _, ok := c.index.lookup(i); ok {
			break
		}
		metrics.BlockMiss()
		count++
		if count >= limit {
			break
		}
	}
	if count == 0 {
		return 0, nil
	}

	c.index.reclaim(count)

	// read all blocks at once
	var buf []byte
	if count == 1 {
		buf = c.pool.Get()
		defer c.pool.Put(buf)
	} else {
		buf = make([]byte, int64(count)*c.blockSize)
	}
	batchOff := int64(first) * c.blockSize
	want := int64(len(buf))
	if rest := c.sourceSize - batchOff; want > rest {
		want = rest
	}

	n, err := src.ReadAt(buf[:want], batchOff)
	if err == io.EOF && int64(n) == want {
		err = nil // all we need
	}
	metrics.SourceRead(n)

	// store and copy
	read := 0
	for k := uint32(0); k < count; k++ {
		blkStart := int64(k) * c.blockSize
		if blkStart >= int64(n) {
			break
		}
		valid := int64(n) - blkStart
		if valid > c.blockSize {
			valid = c.blockSize
		}
		complete := valid == c.blockSize || batchOff+blkStart+valid == c.sourceSize

		block := buf[blkStart : blkStart+c.blockSize]
		if complete {
			clear(block[valid:]) // padding of the last block
			c.storeBlock(first+k, block)
		}

		if int64(innerOff) < valid && read < len(p) {
			read += copy(p[read:], block[innerOff:valid])
		}
		innerOff = 0

		if !complete {
			break
		}
	}

	c.index.bumpGeneration()
	return read, err
}

// @see interf.BlockCache
//
// ReadThrough serves p from the cache and populates missing blocks from src.
// Already cached blocks after a populated range are read from the cache again.
// p is clamped to the end of the source.
func (c *_DiskBlockCache) ReadThrough(src io.ReaderAt, p []byte, off int64) (int, error) {
	if rest := c.sourceSize - off; rest < int64(len(p)) {
		if rest <= 0 {
			return 0, io.EOF
		}
		p = p[:rest]
	}

	read := c.ReadCached(p, off)

	for read < len(p) {
		n, err := c.Populate(src, p[read:], off+int64(read))
		read += n
		if err != nil {
			return read, err
		}

		m := 0
		if read < len(p) {
			m = c.ReadCached(p[read:], off+int64(read))
			read += m
		}
		if n == 0 && m == 0 {
			break // no progress
		}
	}
	return read, nil
}

// @see interf.BlockCache
func (c *_DiskBlockCache) Stats() interf.CacheStats {
	c.mux.Lock() // LOCK
	defer c.mux.Unlock()

	if c.store == nil {
		return interf.CacheStats{}
	}
	return interf.CacheStats{
		CacheFile:        c.store.file,
		BlockSize:        c.blockSize,
		LogicalBlocks:    c.store.logicalCount,
		MaxSlots:         c.maxSlots,
		CachedBlocks:     c.index.cacheSize,
		Generation:       c.index.generation,
		OldestGeneration: c.index.oldestGeneration,
	}
}

// close flushes all block records and closes the cache file.
// The cache is disabled afterwards.
func (c *_DiskBlockCache) close() {
	c.mux.Lock() // LOCK
	defer c.mux.Unlock()

	if c.store == nil {
		return
	}

	if err := c.store.writeIndex(c.index.records); err != nil {
		metrics.IOError("flush")
		c.log.Errorf("%s/close: unable to flush disk cache %s: %v", packageName, c.store.file, err)
	}
	if err := c.store.close(); err != nil {
		c.log.Errorf("%s/close: %v", packageName, err)
	}
	c.store = nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// storeBlock writes a block into a free slot and commits it.
// A block that is cached meanwhile is not written twice.
func (c *_DiskBlockCache) storeBlock(logical uint32, block []byte) {
	if _, ok := c.index.lookup(logical); ok {
		return
	}

	slot, ok := c.index.allocate(logical)
	if !ok {
		return
	}
	if err := c.store.writeBlock(slot, block); err != nil {
		metrics.IOError("write")
		c.index.abandon(slot)
		return
	}
	c.index.commit(logical, slot)
	metrics.BlockPopulated()

	if c.memory != nil {
		c.remember(logical, block)
	}
}

// readBlock copies a part of a cached block into dest. The RAM cache is asked first.
func (c *_DiskBlockCache) readBlock(logical, slot uint32, innerOff int, dest []byte) error {
	if c.memory == nil {
		return c.store.readBlock(slot, innerOff, dest)
	}

	buf := c.pool.Get()
	defer c.pool.Put(buf)

	if b, err := c.memory.Get(c.memoryId, uint64(logical), buf); err == nil && int64(len(b)) == c.blockSize {
		copy(dest, b[innerOff:])
		return nil
	}

	// load the whole block for the RAM cache
	if err := c.store.readBlock(slot, 0, buf); err != nil {
		return err
	}
	c.remember(logical, buf)
	copy(dest, buf[innerOff:])
	return nil
}

// remember puts a whole block into the RAM cache.
// A failed Set only costs a disk read later.
func (c *_DiskBlockCache) remember(logical uint32, block []byte) {
	if err := c.memory.Set(c.memoryId, uint64(logical), block); err != nil {
		c.log.Debugf("%s/remember: file=%s, block=%d: %v", packageName, c.store.file, logical, err)
	}
}

// forget removes an evicted block from the RAM cache.
func (c *_DiskBlockCache) forget(logical uint32) {
	if c.memory != nil {
		c.memory.Del(c.memoryId, uint64(logical))
	}
}

// calcBlock calculates in which block the byte off is, and its offset inside of this block.
func (c *_DiskBlockCache) calcBlock(off int64) (block uint32, innerOff int) {
	return uint32(off / c.blockSize), int(off % c.blockSize)
}

// lastByte is the offset of the last requested byte, limited to the source size.
func (c *_DiskBlockCache) lastByte(p []byte, off int64) int64 {
	end := off + int64(len(p)) - 1
	if end >= c.sourceSize {
		end = c.sourceSize - 1
	}
	return end
}

// innerLen is the number of bytes that can be copied from a block,
// limited by the block, the source size and the request.
func (c *_DiskBlockCache) innerLen(logical uint32, innerOff int, want int) int {
	n := c.blockSize - int64(innerOff)
	if rest := c.sourceSize - int64(logical)*c.blockSize - int64(innerOff); n > rest {
		n = rest
	}
	if n > int64(want) {
		n = int64(want)
	}
	return int(n)
}
