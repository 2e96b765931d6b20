package impl

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeader_Layout(t *testing.T) {
	h := newHeader(4096, 0x0102030405)
	b := h.marshal()

	require.Len(t, b, headerSize)
	require.Equal(t, "blkcache", string(b[0:8]))
	require.Equal(t, uint32(3), binary.LittleEndian.Uint32(b[8:12]))
	require.Equal(t, uint32(4096), binary.LittleEndian.Uint32(b[12:16]))
	require.Equal(t, uint64(0x0102030405), binary.LittleEndian.Uint64(b[16:24]))

	require.Equal(t, h, unmarshalHeader(b))
}

func TestHeader_LogicalCount(t *testing.T) {
	require.Equal(t, uint32(0), newHeader(1024, 0).logicalCount())
	require.Equal(t, uint32(1), newHeader(1024, 1).logicalCount())
	require.Equal(t, uint32(1), newHeader(1024, 1024).logicalCount())
	require.Equal(t, uint32(2), newHeader(1024, 1025).logicalCount())
	require.Equal(t, uint32(0), _Header{SourceSize: 10}.logicalCount())
}

func TestBlockRecord_Layout(t *testing.T) {
	b := marshalRecords([]_BlockRecord{emptyRecord, {Slot: 7, Generation: 0x0102, Hits: 0x0304}})
	require.Len(t, b, 2*recordSize)
	require.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}, b[0:8])
	require.Equal(t, []byte{7, 0, 0, 0, 0x02, 0x01, 0x04, 0x03}, b[8:16])

	require.False(t, getRecord(b[0:]).cached())
	require.Equal(t, _BlockRecord{Slot: 7, Generation: 0x0102, Hits: 0x0304}, getRecord(b[8:]))
}

func TestBlockStore_CreateOpen(t *testing.T) {
	file := filepath.Join(t.TempDir(), "test.blkc")
	h := newHeader(1024, 3*1024+1) // 4 blocks

	s, err := createBlockStore(file, h, quietLog())
	require.NoError(t, err)
	require.Equal(t, uint32(4), s.logicalCount)
	require.Equal(t, int64(headerSize+4*recordSize), s.blockOffset(0))
	require.Equal(t, int64(headerSize+4*recordSize+2*1024), s.blockOffset(2))
	require.Equal(t, int64(headerSize+3*recordSize), s.recordOffset(3))

	// write a block and a record
	block := make([]byte, 1024)
	for i := range block {
		block[i] = byte(i)
	}
	require.NoError(t, s.writeBlock(1, block))
	require.NoError(t, s.writeRecord(2, _BlockRecord{Slot: 1, Generation: 3, Hits: 4}))
	require.Error(t, s.writeBlock(1, block[:10]), "partial block")

	// read with inner offset
	dest := make([]byte, 10)
	require.NoError(t, s.readBlock(1, 100, dest))
	require.Equal(t, block[100:110], dest)
	require.Error(t, s.readBlock(1, 1020, dest), "out of block")
	require.Error(t, s.readBlock(5, 0, dest), "behind the end of file")
	require.NoError(t, s.close())

	// reopen
	s, records, err := openBlockStore(file, h, quietLog())
	require.NoError(t, err)
	require.Len(t, records, 4)
	require.Equal(t, _BlockRecord{Slot: 1, Generation: 3, Hits: 4}, records[2])
	require.False(t, records[0].cached())

	// writeIndex
	records[0] = _BlockRecord{Slot: 0, Generation: 1}
	require.NoError(t, s.writeIndex(records))
	require.NoError(t, s.close())

	_, records, err = openBlockStore(file, h, quietLog())
	require.NoError(t, err)
	require.Equal(t, _BlockRecord{Slot: 0, Generation: 1}, records[0])
}

func TestBlockStore_OpenInvalid(t *testing.T) {
	dir := t.TempDir()
	h := newHeader(1024, 4*1024)

	create := func(name string, mod func(b []byte) []byte) string {
		file := filepath.Join(dir, name)
		s, err := createBlockStore(file, h, quietLog())
		require.NoError(t, err)
		require.NoError(t, s.close())

		b, err := os.ReadFile(file)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(file, mod(b), 0600))
		return file
	}

	tests := []struct {
		name string
		mod  func(b []byte) []byte
		err  error
	}{
		{"magic", func(b []byte) []byte { b[3] ^= 0xff; return b }, errBadMagic},
		{"version", func(b []byte) []byte { b[8] = 99; return b }, errBadVersion},
		{"size", func(b []byte) []byte { b[16]++; return b }, errBadSourceSize},
		{"blocksize", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[12:16], 0); return b }, errBadBlockSize},
		{"index", func(b []byte) []byte { return b[:headerSize+recordSize] }, errShortIndex},
		{"blocksize 1", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[12:16], 1); return b }, errBadGeometry},
		{"blocksize 1536", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[12:16], 1536); return b }, errBadGeometry},
		{"blocksize 512", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[12:16], 512); return b }, errShortIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			file := create(tt.name, tt.mod)
			_, _, err := openBlockStore(file, h, quietLog())
			require.Equal(t, tt.err, err)
		})
	}

	// truncated header
	file := create("header", func(b []byte) []byte { return b[:10] })
	_, _, err := openBlockStore(file, h, quietLog())
	require.Error(t, err)

	// missing file
	_, _, err = openBlockStore(filepath.Join(dir, "missing"), h, quietLog())
	require.True(t, os.IsNotExist(err))
}

func TestBlockStore_DamagedHeaderDoesNotAllocate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "big.blkc")
	h := newHeader(65536, 1<<40) // the index needs 128 MiB
	require.NoError(t, os.WriteFile(file, h.marshal(), 0600))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, _, err := openBlockStore(file, h, quietLog())
	runtime.ReadMemStats(&after)

	require.Equal(t, errShortIndex, err)
	require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(1<<20))
}

func TestHeader_ValidGeometry(t *testing.T) {
	require.True(t, newHeader(512, 1<<30).validGeometry())
	require.True(t, newHeader(65536, 1<<40).validGeometry())
	require.True(t, newHeader(maxBlockSize, 0).validGeometry())
	require.False(t, newHeader(0, 1).validGeometry())
	require.False(t, newHeader(1, 1).validGeometry())
	require.False(t, newHeader(256, 1).validGeometry())
	require.False(t, newHeader(3000, 1).validGeometry())
	require.False(t, newHeader(2*maxBlockSize, 1).validGeometry())

	// more blocks than a uint32 can count
	big := newHeader(512, 1<<50)
	require.False(t, big.validGeometry())
	require.Equal(t, uint64(1)<<41, big.blockCount())

	_, err := createBlockStore(filepath.Join(t.TempDir(), "x.blkc"), big, quietLog())
	require.ErrorIs(t, err, errBadGeometry)
}

func TestBlockStore_BlockSizeFromFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bs.blkc")
	s, err := createBlockStore(file, newHeader(2048, 10000), quietLog())
	require.NoError(t, err)
	require.NoError(t, s.close())

	// the expected block size is not checked
	s, _, err = openBlockStore(file, newHeader(1024, 10000), quietLog())
	require.NoError(t, err)
	require.Equal(t, int64(2048), s.blockSize)
	require.Equal(t, uint32(5), s.logicalCount)
	require.NoError(t, s.close())
}
