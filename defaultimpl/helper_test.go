package impl_test

import (
	"io"
	"math/rand"
	"sync/atomic"
	"testing"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/metrics"
	"github.com/sirupsen/logrus"
)

const testBlockSize = 1024

// countingSource counts the reads of the backing source.
type countingSource struct {
	interf.Source
	reads int64
	bytes int64
}

func (s *countingSource) ReadAt(p []byte, off int64) (int, error) {
	atomic.AddInt64(&s.reads, 1)
	n, err := s.Source.ReadAt(p, off)
	atomic.AddInt64(&s.bytes, int64(n))
	return n, err
}

func (s *countingSource) Reads() int64 {
	return atomic.LoadInt64(&s.reads)
}

// newSource returns a counting RAM source with random data.
func newSource(path string, size int, seed int64) (*countingSource, []byte) {
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	return &countingSource{Source: impl.NewRamSource(path, data)}, data
}

// newTestRegistry returns a registry in a temp dir with plenty of "free" disk space.
func newTestRegistry(t *testing.T, dir string, maxSlots uint32) *impl.Registry {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}

	log := logrus.New()
	log.SetOutput(io.Discard)

	return impl.NewRegistry(impl.Options{
		Dir:       dir,
		BlockSize: testBlockSize,
		MaxSlots:  maxSlots,
		MinSlots:  1,
		DiskFree:  func(string) (uint64, error) { return 1 << 40, nil },
		Logger:    log,
	})
}

// openReader returns a ReaderAt that is closed with the test.
func openReader(t *testing.T, src interf.Source, reg *impl.Registry) interf.ReaderAt {
	t.Helper()
	r, err := impl.NewReaderAt(src, reg, impl.DebugOff)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// blockCounter returns the value of blockcache_disk_block_<name>_total.
func blockCounter(t *testing.T, name string) float64 {
	t.Helper()
	families, err := metrics.Register().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() == "blockcache_disk_block_"+name+"_total" {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	t.Fatalf("counter %s not found", name)
	return 0
}
