package interf

// CacheMagic identifies a block cache file. It is the first 8 bytes of every cache file.
const CacheMagic = "blkcache"

// CacheVersion is the version of the cache file format.
// Files with a different version are discarded and recreated.
const CacheVersion = 3

// CacheFileExt is appended to the sanitized source path to build the cache file name.
const CacheFileExt = ".blkc"

// DefaultBlockSize is the size of a block. A block is a part of the source file.
// It is comparable to sectors of a block device.
// The block size of an existing cache file is read from its header.
const DefaultBlockSize = 65536 // 64 kiB

// MaxBlocksPerBatch limits how many contiguous missing blocks are fetched from
// the backing source with a single read.
const MaxBlocksPerBatch = 16

// MinSlots is the smallest useful number of physical slots in a cache file.
// If the free disk space can't hold that many blocks, caching is disabled.
const MinSlots = 256

// MaxSlots is the upper bound of physical slots in a cache file (2 GiB with the default block size).
const MaxSlots = 32768

// SafetyFreeBytes is the disk space that is never claimed by new cache files.
const SafetyFreeBytes = 768 * 1024 * 1024 // 768 MiB

// CacheSpaceFlex is the number of cache files the free disk space should be shared with.
const CacheSpaceFlex = 4
