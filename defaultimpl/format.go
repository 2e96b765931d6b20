package impl

import (
	"encoding/binary"
	"math"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

// headerSize is the size of the file header in bytes:
//
//	magic[8] | version u32 | blockSize u32 | sourceSize u64
const headerSize = 24

// recordSize is the size of a block record in bytes:
//
//	slot u32 | generation u16 | hits u16
const recordSize = 8

// minBlockSize and maxBlockSize reject absurd block sizes from damaged headers.
const (
	minBlockSize = 512
	maxBlockSize = 16 * 1024 * 1024
)

// invalidSlot marks a block record that is not cached.
const invalidSlot = math.MaxUint32

// invalidIndex marks a free physical slot.
const invalidIndex = math.MaxUint32

// byteOrder is the byte order of all integers in a cache file.
var byteOrder = binary.LittleEndian

// _Header is the fixed-size header at byte 0 of a cache file.
type _Header struct {
	Magic      [8]byte
	Version    uint32
	BlockSize  uint32
	SourceSize uint64
}

// newHeader returns a valid header for a source with the given size.
func newHeader(blockSize uint32, sourceSize int64) _Header {
	h := _Header{
		Version:    interf.CacheVersion,
		BlockSize:  blockSize,
		SourceSize: uint64(sourceSize),
	}
	copy(h.Magic[:], interf.CacheMagic)
	return h
}

func (h _Header) marshal() []byte {
	b := make([]byte, headerSize)
	copy(b[0:8], h.Magic[:])
	byteOrder.PutUint32(b[8:12], h.Version)
	byteOrder.PutUint32(b[12:16], h.BlockSize)
	byteOrder.PutUint64(b[16:24], h.SourceSize)
	return b
}

func unmarshalHeader(b []byte) _Header {
	var h _Header
	copy(h.Magic[:], b[0:8])
	h.Version = byteOrder.Uint32(b[8:12])
	h.BlockSize = byteOrder.Uint32(b[12:16])
	h.SourceSize = byteOrder.Uint64(b[16:24])
	return h
}

// logicalCount is the number of blocks needed for the source.
// It is only meaningful for a header with a valid geometry (@see validGeometry).
func (h _Header) logicalCount() uint32 {
	return uint32(h.blockCount())
}

// blockCount is logicalCount without the uint32 limit.
func (h _Header) blockCount() uint64 {
	if h.BlockSize == 0 {
		return 0
	}
	return h.SourceSize/uint64(h.BlockSize) + min(h.SourceSize%uint64(h.BlockSize), 1)
}

// validGeometry reports whether the block size is a power of two in [minBlockSize, maxBlockSize]
// and the blocks of the source can be counted with a uint32.
func (h _Header) validGeometry() bool {
	bs := h.BlockSize
	if bs < minBlockSize || bs > maxBlockSize || bs&(bs-1) != 0 {
		return false
	}
	return h.blockCount() <= math.MaxUint32
}

// indexEnd is the offset of the first block (the end of the record index).
func (h _Header) indexEnd() int64 {
	return headerSize + int64(h.blockCount())*recordSize
}

// _BlockRecord is the index entry of one logical block.
type _BlockRecord struct {
	Slot       uint32 // physical slot or invalidSlot
	Generation uint16 // last access
	Hits       uint16 // saturating access counter
}

// emptyRecord is the record of a block that is not cached.
var emptyRecord = _BlockRecord{Slot: invalidSlot}

func (r _BlockRecord) cached() bool {
	return r.Slot != invalidSlot
}

func (r _BlockRecord) put(b []byte) {
	byteOrder.PutUint32(b[0:4], r.Slot)
	byteOrder.PutUint16(b[4:6], r.Generation)
	byteOrder.PutUint16(b[6:8], r.Hits)
}

func getRecord(b []byte) _BlockRecord {
	return _BlockRecord{
		Slot:       byteOrder.Uint32(b[0:4]),
		Generation: byteOrder.Uint16(b[4:6]),
		Hits:       byteOrder.Uint16(b[6:8]),
	}
}

// marshalRecords encodes all records as one contiguous index region.
func marshalRecords(records []_BlockRecord) []byte {
	b := make([]byte, len(records)*recordSize)
	for i, r := range records {
		r.put(b[i*recordSize:])
	}
	return b
}
