package impl

import (
	"io"
	"sync"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNegativeOffset is returned for reads before the start of the source.
var ErrNegativeOffset = errors.New("negative offset")

// ErrClosed is returned for reads on a closed ReaderAt.
var ErrClosed = errors.New("reader is closed")

// interface check: interf.ReaderAt
var _ interf.ReaderAt = (*_ReaderAt)(nil)

// @see interf.ReaderAt
//
// ReaderAt allow random read access to a source. The blocks of the source are stored in
// a cache file that is shared with all other ReaderAt of the same source path.
// If caching is not possible (empty or small source, no disk space, ...), all reads go to the source.
type _ReaderAt struct {
	mux      *sync.Mutex // protect 'prepared', 'closed', 'size' and 'cache'
	prepared bool
	closed   bool
	size     int64
	cache    interf.BlockCache // can be nil !

	src  interf.Source // owned by this reader
	reg  *Registry     // can be nil (no caching)
	stat *_ReaderStat  // collects statistical data about internal processes
}

// NewReaderAt creates a new interf.ReaderAt object for random read access to the source.
// The ReaderAt takes the ownership of src and closes it with Close().
// The source is not contacted before the first call of a method.
// Is reg = nil, the cache is disabled.
func NewReaderAt(src interf.Source, reg *Registry, debugLvl uint8) (interf.ReaderAt, error) {
	if src == nil {
		return nil, errors.New("can't create new ReaderAt with src=nil")
	}

	log := logrus.StandardLogger().WithField("source", src.Path())
	if reg != nil {
		log = reg.log.WithField("source", src.Path())
	}

	return &_ReaderAt{
		mux:  new(sync.Mutex),
		src:  src,
		reg:  reg,
		stat: newReaderStat(debugLvl, log),
	}, nil
}

// @see interf.ReaderAt
func (r *_ReaderAt) ReadAt(p []byte, off int64) (n int, err error) {
	return r.ReadAtFlags(p, off, 0)
}

// @see interf.ReaderAt
func (r *_ReaderAt) ReadAtFlags(p []byte, off int64, flags interf.Flags) (n int, err error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	cache, size, err := r.prepare()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil // read nothing -> return nothing
	}
	if off >= size {
		r.stat.RAtOutOfRange(r.src.Path(), off, size) // DEBUG
		return 0, io.EOF
	}

	// clamp to the end of the source
	want := p
	if int64(len(p)) > size-off {
		want = p[:size-off]
	}

	r.stat.RAtReq(r.src.Path(), off, len(p), uint32(flags)) // DEBUG
	switch {
	case flags&interf.HintUncached != 0:
		r.stat.RAtUncached(r.src.Path(), off, len(want)) // DEBUG
		n, err = r.src.ReadAt(want, off)

	case cache == nil || !cache.IsValid():
		r.stat.RAtPassThru(r.src.Path(), off, len(want)) // DEBUG
		n, err = r.src.ReadAt(want, off)

	default:
		n = cache.ReadCached(want, off)
		r.stat.RAtCached(n)
		if n < len(want) {
			var m int
			m, err = cache.ReadThrough(r.src, want[n:], off+int64(n))
			r.stat.RAtPopulated(m)
			n += m
		}
	}

	// io.ReaderAt: n < len(p) needs an error
	if err == io.EOF && n == len(want) {
		err = nil
	}
	if err == nil && n < len(want) {
		err = io.ErrUnexpectedEOF
	}
	if err == nil && len(want) < len(p) {
		err = io.EOF
	}

	r.stat.RAtRet(r.src.Path(), off, len(p), n, err) // DEBUG
	return n, err
}

// @see interf.ReaderAt
func (r *_ReaderAt) Close() error {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.cache != nil {
		r.reg.Release(r.src.Path())
		r.cache = nil
	}

	r.stat.RAtClose(r.src.Path())            // DEBUG
	r.stat.PrintStatAfterClose(r.src.Path()) // DEBUG
	return r.src.Close()
}

// @see interf.ReaderAt
func (r *_ReaderAt) Size() int64 {
	_, size, _ := r.prepare()
	return size
}

// @see interf.ReaderAt
func (r *_ReaderAt) Exists() bool {
	_, _, _ = r.prepare()
	return r.src.Exists()
}

// @see interf.ReaderAt
//
// ExistsFast always returns true. Checking the source can be slow and
// a ReaderAt is usually only opened for existing sources.
func (r *_ReaderAt) ExistsFast() bool {
	return true
}

// @see interf.ReaderAt
func (r *_ReaderAt) IsDirectory() bool {
	return r.src.IsDirectory()
}

// @see interf.ReaderAt
func (r *_ReaderAt) Path() string {
	return r.src.Path()
}

// @see interf.ReaderAt
//
// Stat returns the number of times internal processes have been run since initialization.
// This method is relevant for testing and debugging purposes.
// The KEY is the internal process, the VALUE is the count.
func (r *_ReaderAt) Stat() map[string]uint64 {
	return r.stat.Stat()
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// prepare queries the source size and acquires the shared cache on first use.
func (r *_ReaderAt) prepare() (interf.BlockCache, int64, error) {
	r.mux.Lock() // LOCK
	defer r.mux.Unlock()

	if r.closed {
		return nil, 0, ErrClosed
	}
	if !r.prepared {
		r.prepared = true
		r.size = r.src.Size()
		if r.size > 0 && r.reg != nil {
			r.cache = r.reg.Acquire(r.src.Path(), r.size)
		}
		r.stat.RAtNew(r.src.Path(), r.size, r.cache != nil) // DEBUG
	}
	return r.cache, r.size, nil
}
