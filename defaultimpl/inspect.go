package impl

import (
	"os"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/pkg/errors"
)

// CacheFileInfo is a summary of a cache file.
type CacheFileInfo struct {
	File          string
	Version       uint32
	BlockSize     uint32
	SourceSize    uint64
	LogicalBlocks uint32 // blocks of the source
	PhysicalSlots uint32 // slots with data in the file
	CachedBlocks  uint32 // blocks with a valid record
	Duplicates    uint32 // records pointing to a slot that is already used
	OldestGen     uint16
	NewestGen     uint16
	TotalHits     uint64
	FileSize      int64
}

// InspectCacheFile reads the header and the block records of a cache file.
// The file is opened read only and is not locked.
func InspectCacheFile(file string) (CacheFileInfo, error) {
	info := CacheFileInfo{File: file}

	f, err := os.Open(file)
	if err != nil {
		return info, errors.Wrap(err, "open cache file")
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return info, errors.Wrap(err, "stat cache file")
	}
	info.FileSize = st.Size()

	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return info, errors.Wrap(err, "read header")
	}
	h := unmarshalHeader(b)
	if string(h.Magic[:]) != interf.CacheMagic {
		return info, errBadMagic
	}
	if h.BlockSize == 0 || h.BlockSize > maxBlockSize {
		return info, errBadBlockSize
	}
	if !h.validGeometry() {
		return info, errBadGeometry
	}
	if info.FileSize < h.indexEnd() {
		return info, errShortIndex
	}
	info.Version = h.Version
	info.BlockSize = h.BlockSize
	info.SourceSize = h.SourceSize
	info.LogicalBlocks = h.logicalCount()

	raw := make([]byte, int(info.LogicalBlocks)*recordSize)
	if n, _ := f.ReadAt(raw, headerSize); n != len(raw) {
		return info, errShortIndex
	}

	dataStart := int64(headerSize) + int64(len(raw))
	if info.FileSize > dataStart {
		info.PhysicalSlots = uint32((info.FileSize - dataStart) / int64(h.BlockSize))
	}

	used := make(map[uint32]bool)
	first := true
	for i := uint32(0); i < info.LogicalBlocks; i++ {
		r := getRecord(raw[i*recordSize:])
		if !r.cached() {
			continue
		}
		if used[r.Slot] {
			info.Duplicates++
			continue
		}
		used[r.Slot] = true

		info.CachedBlocks++
		info.TotalHits += uint64(r.Hits)
		if first || r.Generation < info.OldestGen {
			info.OldestGen = r.Generation
		}
		if first || r.Generation > info.NewestGen {
			info.NewestGen = r.Generation
		}
		first = false
	}

	return info, nil
}
