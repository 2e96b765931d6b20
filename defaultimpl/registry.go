package impl

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/metrics"
	"github.com/sirupsen/logrus"
)

// Options configure a Registry. Zero values are replaced by defaults.
type Options struct {
	Dir             string                           // cache dir, default: <user cache dir>/blockcache
	BlockSize       uint32                           // block size of new cache files, default: interf.DefaultBlockSize
	MaxSlots        uint32                           // upper bound of slots per cache file, default: interf.MaxSlots
	MinSlots        uint32                           // caching is disabled below, default: interf.MinSlots
	SafetyFreeBytes int64                            // disk space never claimed, default: interf.SafetyFreeBytes
	DiskFree        func(dir string) (uint64, error) // free bytes of a dir, default: statfs
	MemoryTierMB    int                              // RAM cache in front of all cache files, 0 = off
	Logger          logrus.FieldLogger               // default: logrus.StandardLogger()
}

// Registry holds one shared, reference counted cache per source path.
// All handles to the same path use the same cache file.
// Cache files are opened and closed without holding the registry lock.
type Registry struct {
	mux    *sync.Mutex // protect 'caches'
	caches map[string]*_RegistryEntry

	opts   Options
	memory interf.Cache // can be nil
	log    logrus.FieldLogger
}

type _RegistryEntry struct {
	cache *_DiskBlockCache
	refs  int
	busy  chan struct{} // not nil while the cache file is opened or closed
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process wide registry with default options.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(Options{})
	})
	return defaultRegistry
}

// NewRegistry creates a new registry. The cache dir is created on first use.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Dir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		opts.Dir = filepath.Join(dir, "blockcache")
	}
	if !newHeader(opts.BlockSize, 0).validGeometry() {
		opts.BlockSize = interf.DefaultBlockSize
	}
	if opts.MaxSlots == 0 {
		opts.MaxSlots = interf.MaxSlots
	}
	if opts.MinSlots == 0 {
		opts.MinSlots = interf.MinSlots
	}
	if opts.MinSlots > opts.MaxSlots {
		opts.MinSlots = opts.MaxSlots
	}
	if opts.SafetyFreeBytes == 0 {
		opts.SafetyFreeBytes = interf.SafetyFreeBytes
	}
	if opts.SafetyFreeBytes < 0 {
		opts.SafetyFreeBytes = 0
	}
	if opts.DiskFree == nil {
		opts.DiskFree = diskFree
	}

	r := &Registry{
		mux:    new(sync.Mutex),
		caches: make(map[string]*_RegistryEntry),
		opts:   opts,
		log:    opts.Logger,
	}
	if opts.MemoryTierMB > 0 {
		r.memory = NewCache(opts.MemoryTierMB, int(opts.BlockSize))
	}
	return r
}

// Acquire returns the shared cache of a source and increments its reference count.
// Every successful Acquire must be followed by exactly one Release.
//
// It returns nil if the source is too small to be cached (less than one block),
// or if the path is already cached with a different source size.
// The returned cache can be invalid (@see interf.BlockCache.IsValid).
func (r *Registry) Acquire(path string, sourceSize int64) interf.BlockCache {
	if sourceSize < int64(r.opts.BlockSize) {
		return nil
	}

	r.mux.Lock() // LOCK
	e, ok := r.waitIdle(path)
	if ok {
		defer r.mux.Unlock()
		if e.cache.sourceSize != sourceSize {
			r.log.Warnf("%s/Acquire: %s is cached with size %d, not %d", packageName, path, e.cache.sourceSize, sourceSize)
			return nil
		}
		e.refs++
		return e.cache
	}

	// other paths are not blocked while the file is opened
	e = &_RegistryEntry{refs: 1, busy: make(chan struct{})}
	r.caches[path] = e
	metrics.CacheOpened()
	r.mux.Unlock() // UNLOCK

	cache := r.openCache(path, sourceSize)

	r.mux.Lock() // LOCK
	e.cache = cache
	r.setIdle(e)
	r.mux.Unlock()
	return cache
}

// Release decrements the reference count of a cache.
// The last release flushes the block records, closes the cache file and removes the cache.
func (r *Registry) Release(path string) {
	r.mux.Lock() // LOCK

	e, ok := r.caches[path]
	if !ok || e.busy != nil {
		r.mux.Unlock()
		r.log.Warnf("%s/Release: %s is not in use", packageName, path)
		return
	}

	e.refs--
	if e.refs > 0 {
		r.mux.Unlock()
		return
	}
	e.busy = make(chan struct{})
	r.mux.Unlock() // UNLOCK

	e.cache.close()

	r.mux.Lock() // LOCK
	delete(r.caches, path)
	r.setIdle(e)
	r.mux.Unlock()
	metrics.CacheClosed()
}

// Close flushes and closes all caches, regardless of their reference count.
// Caches still held by readers are disabled and read directly from their sources.
func (r *Registry) Close() {
	r.mux.Lock() // LOCK
	for busy := r.anyBusy(); busy != nil; busy = r.anyBusy() {
		r.mux.Unlock() // UNLOCK
		<-busy
		r.mux.Lock() // LOCK
	}
	closing := make(map[string]*_RegistryEntry, len(r.caches))
	for path, e := range r.caches {
		e.busy = make(chan struct{})
		closing[path] = e
	}
	r.mux.Unlock() // UNLOCK

	for _, e := range closing {
		e.cache.close()
	}

	r.mux.Lock() // LOCK
	for path, e := range closing {
		delete(r.caches, path)
		r.setIdle(e)
		metrics.CacheClosed()
	}
	r.mux.Unlock()
}

// waitIdle returns the entry of a path after a running open or close has finished.
// r.mux must be held. It is released while waiting.
func (r *Registry) waitIdle(path string) (*_RegistryEntry, bool) {
	for {
		e, ok := r.caches[path]
		if !ok || e.busy == nil {
			return e, ok
		}
		busy := e.busy
		r.mux.Unlock() // UNLOCK
		<-busy
		r.mux.Lock() // LOCK
	}
}

// anyBusy returns the busy channel of an entry that is opened or closed, or nil.
// r.mux must be held.
func (r *Registry) anyBusy() chan struct{} {
	for _, e := range r.caches {
		if e.busy != nil {
			return e.busy
		}
	}
	return nil
}

// setIdle wakes up all callers waiting for the entry. r.mux must be held.
func (r *Registry) setIdle(e *_RegistryEntry) {
	close(e.busy)
	e.busy = nil
}

// PathsInUse returns the sorted source paths of all caches in use.
func (r *Registry) PathsInUse() []string {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	paths := make([]string, 0, len(r.caches))
	for path := range r.caches {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of caches in use.
func (r *Registry) Len() int {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	return len(r.caches)
}

// Dir is the cache dir.
func (r *Registry) Dir() string {
	return r.opts.Dir
}

// CacheFilePath returns the path of the cache file of a source.
func (r *Registry) CacheFilePath(path string) string {
	return filepath.Join(r.opts.Dir, CacheFilename(path))
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// openCache opens an existing cache file or creates a new one.
// Any problem disables caching for this source, but never fails.
// r.mux must not be held, the entry of the path must be in r.caches.
func (r *Registry) openCache(path string, sourceSize int64) *_DiskBlockCache {
	log := r.log.WithField("source", path)
	file := r.CacheFilePath(path)

	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		log.Errorf("%s/openCache: can't create cache dir: %v", packageName, err)
		return newDisabledCache(path, sourceSize, log)
	}

	// load existing file
	expected := headerFor(sourceSize, r.opts.BlockSize)
	store, records, err := openBlockStore(file, expected, log)
	if err != nil && !os.IsNotExist(err) {
		log.Warnf("%s/openCache: discard cache file %s: %v", packageName, file, err)
	}

	// we lock the file against other processes. A locked file is in use by another process
	// (flock locks end with their process): unlink it and start over with a new file,
	// the other process keeps its open file
	if store != nil {
		if err := store.lock(); err != nil {
			log.Warnf("%s/openCache: can't lock cache file %s: %v", packageName, file, err)
			_ = store.close()
			store, records = nil, nil

			if err := os.Remove(file); err != nil {
				log.Errorf("%s/openCache: can't remove cache file %s: %v", packageName, file, err)
				return newDisabledCache(path, sourceSize, log)
			}
		}
	}

	if store != nil {
		slots := r.loadedMaxSlots(records)
		log.Infof("%s/openCache: loaded cache file %s (slots=%d)", packageName, file, slots)
		return newDiskBlockCache(path, sourceSize, store, records, slots, r.memory, log)
	}

	// create a new file
	slots := r.planMaxSlots()
	if slots < r.opts.MinSlots {
		r.GarbageCollect(uint64(r.opts.MinSlots) * uint64(r.opts.BlockSize))
		slots = r.planMaxSlots()
	}
	if slots < r.opts.MinSlots {
		log.Errorf("%s/openCache: not enough free space; disabling disk cache", packageName)
		return newDisabledCache(path, sourceSize, log)
	}

	store, err = createBlockStore(file, expected, log)
	if err != nil {
		log.Errorf("%s/openCache: %v", packageName, err)
		return newDisabledCache(path, sourceSize, log)
	}
	if err := store.lock(); err != nil {
		log.Errorf("%s/openCache: can't lock new cache file %s: %v", packageName, file, err)
		_ = store.close()
		return newDisabledCache(path, sourceSize, log)
	}

	log.Infof("%s/openCache: created cache file %s (slots=%d)", packageName, file, slots)
	return newDiskBlockCache(path, sourceSize, store, nil, slots, r.memory, log)
}

// loadedMaxSlots is the slot count of a loaded cache file.
// The slots used by the file are kept, as long as they don't exceed MaxSlots.
func (r *Registry) loadedMaxSlots(records []_BlockRecord) uint32 {
	slots := r.planMaxSlots()
	if slots < r.opts.MinSlots {
		slots = r.opts.MinSlots
	}
	for _, rec := range records {
		if rec.cached() && rec.Slot < r.opts.MaxSlots && rec.Slot >= slots {
			slots = rec.Slot + 1
		}
	}
	return slots
}
