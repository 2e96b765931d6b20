package impl

import (
	"math"

	"github.com/SchnorcherSepp/blockcache/metrics"
	"github.com/sirupsen/logrus"
)

// recordWriter persists single block records (@see _BlockStore.writeRecord).
type recordWriter interface {
	writeRecord(logical uint32, r _BlockRecord) error
}

// _CacheIndex holds the block records of all logical blocks and the inverse map
// (physical slot -> logical block). It also implements the eviction policy.
//
// Invariants:
//
//	owners[records[i].Slot] == i for every cached block i
//	cacheSize == number of cached blocks == number of used slots
//
// _CacheIndex is not thread safe (@see _DiskBlockCache).
type _CacheIndex struct {
	records []_BlockRecord // one per logical block
	owners  []uint32       // one per physical slot: logical block or invalidIndex

	cacheSize        uint32 // used slots
	generation       uint16 // current generation, bumped once per populate
	oldestGeneration uint16 // eviction floor

	store   recordWriter
	onEvict func(logical uint32) // can be nil
	log     logrus.FieldLogger
}

// newCacheIndex returns an empty index.
func newCacheIndex(logicalCount, maxSlots uint32, store recordWriter, log logrus.FieldLogger) *_CacheIndex {
	x := &_CacheIndex{
		records: make([]_BlockRecord, logicalCount),
		owners:  make([]uint32, maxSlots),
		store:   store,
		log:     log,
	}
	for i := range x.records {
		x.records[i] = emptyRecord
	}
	for i := range x.owners {
		x.owners[i] = invalidIndex
	}
	return x
}

// load replaces all records with the records of a cache file and rebuilds the slot owners.
// Records with a slot out of range, or a slot that is already used by another block, are dropped.
// The current generation continues with the newest loaded generation.
func (x *_CacheIndex) load(records []_BlockRecord) (dropped int) {
	for i := range x.records {
		x.records[i] = emptyRecord
	}
	for i := range x.owners {
		x.owners[i] = invalidIndex
	}
	x.cacheSize = 0
	x.generation = 0
	x.oldestGeneration = math.MaxUint16

	for i, r := range records {
		if i >= len(x.records) {
			break
		}
		if r.cached() && (r.Slot >= uint32(len(x.owners)) || x.owners[r.Slot] != invalidIndex) {
			r = emptyRecord
			dropped++
		}
		x.records[i] = r
		if !r.cached() {
			continue
		}

		x.owners[r.Slot] = uint32(i)
		x.cacheSize++
		if r.Generation < x.oldestGeneration {
			x.oldestGeneration = r.Generation
		}
		if r.Generation > x.generation {
			x.generation = r.Generation
		}
	}

	if x.cacheSize == 0 {
		x.oldestGeneration = 0
	}
	return dropped
}

// lookup returns the physical slot of a logical block.
func (x *_CacheIndex) lookup(logical uint32) (uint32, bool) {
	r := x.records[logical]
	return r.Slot, r.cached()
}

// touch marks a cached block as used by the current generation.
func (x *_CacheIndex) touch(logical uint32) {
	r := &x.records[logical]
	r.Generation = x.generation
	if r.Hits < math.MaxUint16 {
		r.Hits++
	}
}

// allocate claims the first free slot for a logical block.
// The block record is not changed before commit. A failed write must call abandon.
// There must be a free slot (@see reclaim). If there is none, ok is false and the
// block can't be cached.
func (x *_CacheIndex) allocate(logical uint32) (slot uint32, ok bool) {
	for i, owner := range x.owners {
		if owner == invalidIndex {
			x.owners[i] = logical
			return uint32(i), true
		}
	}

	x.log.Errorf("%s/allocate: no free slot for block %d (size=%d/%d)", packageName, logical, x.cacheSize, len(x.owners))
	return invalidSlot, false
}

// abandon releases a slot claimed by allocate.
func (x *_CacheIndex) abandon(slot uint32) {
	x.owners[slot] = invalidIndex
}

// commit links a logical block with its slot after the block data was written.
func (x *_CacheIndex) commit(logical, slot uint32) {
	r := &x.records[logical]
	r.Slot = slot
	r.Generation = x.generation
	x.owners[slot] = logical
	x.cacheSize++
	_ = x.store.writeRecord(logical, *r)
}

// invalidate drops a cached block (e.g. after a failed read).
func (x *_CacheIndex) invalidate(logical uint32) {
	if slot, ok := x.lookup(logical); ok {
		x.evict(slot)
	}
}

// evict frees a used slot and persists the record of its block.
func (x *_CacheIndex) evict(slot uint32) {
	logical := x.owners[slot]
	x.records[logical] = emptyRecord
	x.owners[slot] = invalidIndex
	x.cacheSize--
	_ = x.store.writeRecord(logical, emptyRecord)

	metrics.BlockEvicted()
	if x.onEvict != nil {
		x.onEvict(logical)
	}
}

// reclaim evicts blocks until at least need slots are free.
// Blocks of the oldest generation are evicted first; all blocks of that generation
// are equal, the hit count is not used. After a full sweep the floor moves up to
// the oldest remaining generation.
func (x *_CacheIndex) reclaim(need uint32) {
	maxSlots := uint32(len(x.owners))
	if need > maxSlots {
		need = maxSlots
	}
	goal := maxSlots - need

	for x.cacheSize > goal {
		minSeen := x.generation
		survivors := 0

		for slot, logical := range x.owners {
			if logical == invalidIndex {
				continue
			}
			gen := x.records[logical].Generation
			if gen == x.oldestGeneration {
				x.evict(uint32(slot))
				if x.cacheSize <= goal {
					return
				}
				continue
			}
			survivors++
			if gen < minSeen {
				minSeen = gen
			}
		}

		if survivors == 0 {
			// cacheSize and owners disagree
			x.log.Errorf("%s/reclaim: cache size %d without used slots", packageName, x.cacheSize)
			x.cacheSize = 0
			return
		}
		x.oldestGeneration = minSeen
	}
}

// bumpGeneration starts a new generation. Before the counter would wrap, all
// generations are rebalanced.
func (x *_CacheIndex) bumpGeneration() {
	if x.generation == math.MaxUint16 {
		x.rebalance()
	}
	x.generation++
}

// rebalance shifts all generations down to the floor and halves them.
// The order of the generations is kept (with less precision).
func (x *_CacheIndex) rebalance() {
	for _, logical := range x.owners {
		if logical == invalidIndex {
			continue
		}
		r := &x.records[logical]
		gen := uint16(0)
		if r.Generation > x.oldestGeneration {
			gen = (r.Generation - x.oldestGeneration) / 2
		}
		if gen != r.Generation {
			r.Generation = gen
			_ = x.store.writeRecord(logical, *r)
		}
	}

	if x.generation > x.oldestGeneration {
		x.generation = (x.generation - x.oldestGeneration) / 2
	} else {
		x.generation = 0
	}
	x.oldestGeneration = 0
	metrics.Rebalanced()
}
