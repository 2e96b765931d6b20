package impl_test

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"sync"
	"testing"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReaderAt(t *testing.T) {
	if _, err := impl.NewReaderAt(nil, nil, impl.DebugOff); err == nil {
		t.Fatal("no error with invalid source")
	}

	src, _ := newSource("/a.iso", 10*testBlockSize, 1)
	r, err := impl.NewReaderAt(src, nil, impl.DebugHigh)
	require.NoError(t, err)
	require.Equal(t, int64(10*testBlockSize), r.Size())
	require.Equal(t, "/a.iso", r.Path())
	require.True(t, r.Exists())
	require.True(t, r.ExistsFast())
	require.False(t, r.IsDirectory())
	require.NoError(t, r.Close())
}

func TestReaderAt_RoundTrip(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	size := 10*testBlockSize + 300
	src, data := newSource("/round.iso", size, 2)
	r := openReader(t, src, reg)

	rnd := rand.New(rand.NewSource(3))
	for i := 0; i < 500; i++ {
		off := rnd.Int63n(int64(size))
		length := rnd.Intn(3 * testBlockSize)

		buf := make([]byte, length)
		n, err := r.ReadAt(buf, off)

		end := off + int64(length)
		if end > int64(size) {
			end = int64(size)
			require.Equal(t, io.EOF, err, "off=%d, len=%d", off, length)
		} else {
			require.NoError(t, err, "off=%d, len=%d", off, length)
		}
		require.Equal(t, int(end-off), n)
		require.True(t, bytes.Equal(data[off:end], buf[:n]), "off=%d, len=%d", off, length)
	}
}

func TestReaderAt_IdempotentPopulation(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/idem.iso", 20*testBlockSize+17, 4)
	r := openReader(t, src, reg)

	first := make([]byte, len(data))
	n, err := r.ReadAt(first, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	reads := src.Reads()
	require.NotZero(t, reads)

	second := make([]byte, len(data))
	n, err = r.ReadAt(second, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)

	require.Equal(t, first, second)
	require.Equal(t, data, second)
	require.Equal(t, reads, src.Reads(), "second read must not touch the source")
}

func TestReaderAt_BatchedPopulate(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/batch.iso", 40*testBlockSize, 5)
	r := openReader(t, src, reg)

	// 40 blocks with batches of MaxBlocksPerBatch
	buf := make([]byte, len(data))
	_, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	batches := (40 + interf.MaxBlocksPerBatch - 1) / interf.MaxBlocksPerBatch
	require.Equal(t, int64(batches), src.Reads())
}

func TestReaderAt_BlockCounters(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/count.iso", 6*testBlockSize, 19)
	r := openReader(t, src, reg)

	hits, misses := blockCounter(t, "hits"), blockCounter(t, "misses")

	// every block is missed once
	buf := make([]byte, len(data))
	_, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, misses+6, blockCounter(t, "misses"))
	require.Equal(t, hits, blockCounter(t, "hits"))

	// and hit afterwards
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, misses+6, blockCounter(t, "misses"))
	require.Equal(t, hits+6, blockCounter(t, "hits"))

	// a partly cached range only misses the new blocks
	src2, data2 := newSource("/count2.iso", 6*testBlockSize, 20)
	r2 := openReader(t, src2, reg)
	_, err = r2.ReadAt(make([]byte, 2*testBlockSize), 2*testBlockSize)
	require.NoError(t, err)
	buf = make([]byte, len(data2))
	_, err = r2.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data2, buf)
	require.Equal(t, misses+12, blockCounter(t, "misses"))
	require.Equal(t, hits+8, blockCounter(t, "hits"))
}

func TestReaderAt_Eviction(t *testing.T) {
	const slots = 4
	reg := newTestRegistry(t, "", slots)
	src, data := newSource("/evict.iso", 8*testBlockSize, 6)
	r := openReader(t, src, reg)

	readBlock := func(i int) {
		t.Helper()
		buf := make([]byte, testBlockSize)
		_, err := r.ReadAt(buf, int64(i*testBlockSize))
		require.NoError(t, err)
		require.Equal(t, data[i*testBlockSize:(i+1)*testBlockSize], buf)
	}

	// K+1 distinct blocks
	for i := 0; i <= slots; i++ {
		readBlock(i)
	}
	require.Equal(t, int64(slots+1), src.Reads())

	// the K most recent blocks are hits
	for i := 1; i <= slots; i++ {
		readBlock(i)
	}
	require.Equal(t, int64(slots+1), src.Reads())

	// the least recently touched block is gone
	readBlock(0)
	require.Equal(t, int64(slots+2), src.Reads())
}

func TestReaderAt_Sharing(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	srcA, data := newSource("/shared.iso", 8*testBlockSize, 7)
	srcB, _ := newSource("/shared.iso", 8*testBlockSize, 7)

	a, err := impl.NewReaderAt(srcA, reg, impl.DebugOff)
	require.NoError(t, err)
	b, err := impl.NewReaderAt(srcB, reg, impl.DebugOff)
	require.NoError(t, err)

	buf := make([]byte, len(data))
	_, err = a.ReadAt(buf, 0)
	require.NoError(t, err)

	// cached by A, hit for B
	buf = make([]byte, len(data))
	_, err = b.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.Zero(t, srcB.Reads())

	require.Equal(t, 1, reg.Len())
	require.Equal(t, []string{"/shared.iso"}, reg.PathsInUse())

	require.NoError(t, a.Close())
	require.Equal(t, 1, reg.Len())
	require.NoError(t, b.Close())
	require.Equal(t, 0, reg.Len())
}

func TestReaderAt_Persistence(t *testing.T) {
	dir := t.TempDir()
	size := 12*testBlockSize + 5

	// warm
	reg := newTestRegistry(t, dir, 64)
	src, data := newSource("/persist.iso", size, 8)
	r, err := impl.NewReaderAt(src, reg, impl.DebugOff)
	require.NoError(t, err)
	buf := make([]byte, size)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// reopen with a new registry (new process)
	reg = newTestRegistry(t, dir, 64)
	src, _ = newSource("/persist.iso", size, 8)
	r = openReader(t, src, reg)
	buf = make([]byte, size)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.Zero(t, src.Reads(), "persisted blocks must be hits")

	// a different source size invalidates the cache file
	require.NoError(t, r.Close())
	src, data = newSource("/persist.iso", size+testBlockSize, 9)
	r = openReader(t, src, reg)
	buf = make([]byte, len(data))
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.NotZero(t, src.Reads())
}

func TestReaderAt_Corruption(t *testing.T) {
	dir := t.TempDir()
	size := 6 * testBlockSize

	reg := newTestRegistry(t, dir, 64)
	src, data := newSource("/corrupt.iso", size, 10)
	r, err := impl.NewReaderAt(src, reg, impl.DebugOff)
	require.NoError(t, err)
	_, err = r.ReadAt(make([]byte, size), 0)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// flip a byte of the magic
	file := reg.CacheFilePath("/corrupt.iso")
	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(file, raw, 0600))

	src, _ = newSource("/corrupt.iso", size, 10)
	r = openReader(t, src, reg)
	buf := make([]byte, size)
	_, err = r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, data, buf)
	require.NotZero(t, src.Reads(), "the cache must be recreated")

	// the new file is valid
	raw, err = os.ReadFile(file)
	require.NoError(t, err)
	require.Equal(t, interf.CacheMagic, string(raw[:8]))
}

func TestReaderAt_BoundaryBlock(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/boundary.iso", 4*testBlockSize, 11)
	r := openReader(t, src, reg)

	// cache block 0
	_, err := r.ReadAt(make([]byte, testBlockSize), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), src.Reads())

	// mid block 0 to mid block 1
	off := int64(testBlockSize / 2)
	buf := make([]byte, testBlockSize)
	n, err := r.ReadAt(buf, off)
	require.NoError(t, err)
	require.Equal(t, testBlockSize, n)
	require.Equal(t, data[off:off+testBlockSize], buf)
	require.Equal(t, int64(2), src.Reads())
}

func TestReaderAt_HintUncached(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/hint.iso", 4*testBlockSize, 12)
	r := openReader(t, src, reg)

	buf := make([]byte, testBlockSize)
	for i := 0; i < 3; i++ {
		_, err := r.ReadAtFlags(buf, 0, interf.HintUncached)
		require.NoError(t, err)
		require.Equal(t, data[:testBlockSize], buf)
	}
	require.Equal(t, int64(3), src.Reads())

	// nothing was cached
	_, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(4), src.Reads())
	require.Equal(t, uint64(3), r.Stat()["RAtUncached"])
}

func TestReaderAt_SmallSource(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, data := newSource("/small.bin", testBlockSize-1, 13)
	r := openReader(t, src, reg)

	buf := make([]byte, len(data))
	n, err := r.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.Equal(t, data, buf)
	require.Equal(t, 0, reg.Len(), "a source smaller than one block is never cached")

	// empty source
	r = openReader(t, impl.NewRamSource("/empty.bin", nil), reg)
	require.Equal(t, int64(0), r.Size())
	n, err = r.ReadAt(buf, 0)
	require.Equal(t, 0, n)
	require.Equal(t, io.EOF, err)
}

func TestReaderAt_EOF(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	size := 3*testBlockSize + 10
	src, data := newSource("/eof.iso", size, 14)
	r := openReader(t, src, reg)

	buf := make([]byte, 100)
	n, err := r.ReadAt(buf, int64(size-40))
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 40, n)
	assert.Equal(t, data[size-40:], buf[:n])

	n, err = r.ReadAt(buf, int64(size))
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, n)

	n, err = r.ReadAt(buf, -1)
	assert.Equal(t, impl.ErrNegativeOffset, err)
	assert.Equal(t, 0, n)

	n, err = r.ReadAt(nil, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestReaderAt_Close(t *testing.T) {
	reg := newTestRegistry(t, "", 64)
	src, _ := newSource("/close.iso", 3*testBlockSize, 15)
	r, err := impl.NewReaderAt(src, reg, impl.DebugLow)
	require.NoError(t, err)

	_, err = r.ReadAt(make([]byte, 10), 0)
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	require.Equal(t, 0, reg.Len())

	_, err = r.ReadAt(make([]byte, 10), 0)
	require.Equal(t, impl.ErrClosed, err)

	// a reader that was never used does not acquire a cache
	src, _ = newSource("/unused.iso", 3*testBlockSize, 15)
	r, err = impl.NewReaderAt(src, reg, impl.DebugOff)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, 0, reg.Len())
}

func TestReaderAt_NoRegistry(t *testing.T) {
	src, data := newSource("/plain.iso", 3*testBlockSize, 16)
	r := openReader(t, src, nil)

	buf := make([]byte, len(data))
	for i := 0; i < 2; i++ {
		_, err := r.ReadAt(buf, 0)
		require.NoError(t, err)
		require.Equal(t, data, buf)
	}
	require.Equal(t, int64(2), src.Reads())
	require.Equal(t, uint64(2), r.Stat()["RAtPassThru"])
}

func TestReaderAt_MemoryTier(t *testing.T) {
	reg := impl.NewRegistry(impl.Options{
		Dir:          t.TempDir(),
		BlockSize:    testBlockSize,
		MaxSlots:     64,
		MinSlots:     1,
		DiskFree:     func(string) (uint64, error) { return 1 << 40, nil },
		MemoryTierMB: 1,
	})
	src, data := newSource("/mem.iso", 8*testBlockSize, 17)
	r := openReader(t, src, reg)

	for i := 0; i < 3; i++ {
		buf := make([]byte, len(data))
		_, err := r.ReadAt(buf, 0)
		require.NoError(t, err)
		require.Equal(t, data, buf)
	}
	require.Equal(t, int64(1), src.Reads())
}

//--------------------------------------------------------------------------------------------------------------------//

func TestRace_ReaderAt(t *testing.T) {
	reg := newTestRegistry(t, "", 16)
	size := 64*testBlockSize + 123
	_, data := newSource("/race.iso", size, 18)

	var wg sync.WaitGroup
	wg.Add(5)
	for n := 0; n < 5; n++ {
		go func(seed int64) {
			defer wg.Done()
			//------------------------------
			src, _ := newSource("/race.iso", size, 18)
			r, err := impl.NewReaderAt(src, reg, impl.DebugOff)
			if err != nil {
				t.Error(err)
				return
			}
			defer r.Close()

			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				off := rnd.Int63n(int64(size))
				buf := make([]byte, rnd.Intn(4*testBlockSize)+1)
				n, err := r.ReadAt(buf, off)
				if err != nil && err != io.EOF {
					t.Error(err)
					return
				}
				if !bytes.Equal(data[off:off+int64(n)], buf[:n]) {
					t.Errorf("invalid data: off=%d, n=%d", off, n)
					return
				}
			}
			//------------------------------
		}(int64(n))
	}
	wg.Wait()
	require.Equal(t, 0, reg.Len())
}
