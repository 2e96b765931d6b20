package impl

import (
	"fmt"
	"io"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

var _ interf.Source = (*_SubSource)(nil)

// _SubSource is a window of another source, e.g. a partition of a disc image.
type _SubSource struct {
	inner interf.Source
	off   int64
	n     int64
}

// NewSubSource returns the part [off, off+n) of src.
// The window is clamped to the size of src. n < 0 means "to the end".
// Close closes src.
func NewSubSource(src interf.Source, off, n int64) interf.Source {
	size := src.Size()
	if off < 0 {
		off = 0
	}
	if off > size {
		off = size
	}
	if n < 0 || off+n > size {
		n = size - off
	}
	return &_SubSource{inner: src, off: off, n: n}
}

//--------------------------------------------------------------------------------------------------------------------//

func (s *_SubSource) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if off >= s.n {
		return 0, io.EOF
	}

	// enforce limit
	limit := p
	if rest := s.n - off; int64(len(limit)) > rest {
		limit = p[:rest]
	}

	n, err = s.inner.ReadAt(limit, s.off+off)
	if n == len(limit) && err == io.EOF {
		err = nil
	}
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (s *_SubSource) Close() error {
	return s.inner.Close()
}

func (s *_SubSource) Exists() bool {
	return s.inner.Exists()
}

func (s *_SubSource) IsDirectory() bool {
	return false
}

func (s *_SubSource) Size() int64 {
	return s.n
}

func (s *_SubSource) Path() string {
	return fmt.Sprintf("%s@%d+%d", s.inner.Path(), s.off, s.n)
}
