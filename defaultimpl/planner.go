package impl

import (
	"os"
	"path/filepath"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

// planMaxSlots determines the number of physical slots of a new cache file from the
// free disk space of the cache dir. The space is shared with CacheSpaceFlex cache files
// (less the files that already exist). The result can be less than MinSlots,
// which means that there is not enough space for caching.
func (r *Registry) planMaxSlots() uint32 {
	free, err := r.opts.DiskFree(r.opts.Dir)
	if err != nil {
		r.log.Warnf("%s/planMaxSlots: can't determine free disk space of %s: %v", packageName, r.opts.Dir, err)
		return r.opts.MaxSlots
	}

	avail := uint64(0)
	if safety := uint64(r.opts.SafetyFreeBytes); free > safety {
		avail = free - safety
	}
	freeBlocks := avail / uint64(r.opts.BlockSize)

	flex := uint64(1)
	if count := uint64(r.countCacheFiles()); count < interf.CacheSpaceFlex {
		flex = interf.CacheSpaceFlex - count
	}

	slots := freeBlocks
	if withFlex := freeBlocks / flex; withFlex > uint64(r.opts.MinSlots) {
		// leave space for the next files
		slots = withFlex
	}
	if slots > uint64(r.opts.MaxSlots) {
		slots = uint64(r.opts.MaxSlots)
	}
	return uint32(slots)
}

// countCacheFiles returns the number of cache files in the cache dir.
func (r *Registry) countCacheFiles() int {
	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		return 0
	}

	count := 0
	for _, e := range entries {
		if !e.IsDir() && isCacheFilename(e.Name()) {
			count++
		}
	}
	return count
}

// GarbageCollect deletes cache files that are not used by this process
// until at least goalBytes are freed. It returns the number of bytes freed.
func (r *Registry) GarbageCollect(goalBytes uint64) uint64 {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	return r.garbageCollect(goalBytes)
}

// garbageCollect is GarbageCollect without locking. r.mux must be held.
// Files of opening caches are in r.caches, too.
func (r *Registry) garbageCollect(goalBytes uint64) uint64 {
	used := make(map[string]bool, len(r.caches))
	for path := range r.caches {
		used[CacheFilename(path)] = true
	}

	entries, err := os.ReadDir(r.opts.Dir)
	if err != nil {
		r.log.Warnf("%s/garbageCollect: %v", packageName, err)
		return 0
	}

	freed := uint64(0)
	for _, e := range entries {
		if e.IsDir() || !isCacheFilename(e.Name()) || used[e.Name()] {
			continue // in use, must leave alone
		}
		info, err := e.Info()
		if err != nil {
			continue
		}

		file := filepath.Join(r.opts.Dir, e.Name())
		if err := os.Remove(file); err != nil {
			r.log.Warnf("%s/garbageCollect: %v", packageName, err)
			continue
		}
		r.log.Infof("%s/garbageCollect: removed %s (%d bytes)", packageName, file, info.Size())

		freed += uint64(info.Size())
		if freed >= goalBytes {
			break
		}
	}
	return freed
}
