package impl

import (
	"fmt"
	"io"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
)

var _ interf.Source = (*_MultiSource)(nil)

// _MultiSource combines the parts of a split image to one source.
// All parts except the last part must have the same size.
type _MultiSource struct {
	parts    []interf.Source
	partSize int64
	size     int64
	path     string
}

// NewMultiSource combines two or more parts (e.g. disc.iso.0, disc.iso.1, ...)
// and behaves like a single source. All parts except the last part must have the same size.
// The path is the path of the first part with a hash of all part paths.
func NewMultiSource(parts []interf.Source) (interf.Source, error) {
	if len(parts) <= 1 {
		return nil, errors.New("a multi source needs at least two parts")
	}

	partSize := parts[0].Size()
	var size int64
	h := xxhash.New()
	for i, p := range parts {
		if p.Size() == 0 || p.Size() != partSize && i != len(parts)-1 {
			return nil, errors.Errorf("can't combine part %d (%s): size %d, expected %d", i, p.Path(), p.Size(), partSize)
		}
		if p.Size() > partSize {
			return nil, errors.Errorf("last part %s is larger than %d", p.Path(), partSize)
		}
		size += p.Size()
		_, _ = h.Write([]byte(p.Path()))
		_, _ = h.Write([]byte{0})
	}

	return &_MultiSource{
		parts:    parts,
		partSize: partSize,
		size:     size,
		path:     fmt.Sprintf("%s+%016x", parts[0].Path(), h.Sum64()),
	}, nil
}

//--------------------------------------------------------------------------------------------------------------------//

func (s *_MultiSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	if len(p) == 0 {
		return 0, nil
	}

	partNo := int(off / s.partSize)
	partOff := off % s.partSize

	var read int
	var err error
	for read < len(p) {
		if partNo >= len(s.parts) {
			err = io.EOF
			break
		}

		// the part limits the request
		rest := s.parts[partNo].Size() - partOff
		if rest <= 0 {
			err = io.EOF
			break
		}
		want := len(p) - read
		if int64(want) > rest {
			want = int(rest)
		}

		var n int
		n, err = s.parts[partNo].ReadAt(p[read:read+want], partOff)
		read += n
		if err == io.EOF && n == want {
			err = nil // end of this part
		}
		if err != nil {
			break
		}

		partNo++
		partOff = 0
	}

	if read == len(p) {
		return read, nil
	}
	if err == nil {
		err = io.EOF
	}
	return read, err
}

func (s *_MultiSource) Close() error {
	var first error
	for _, p := range s.parts {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *_MultiSource) Exists() bool {
	for _, p := range s.parts {
		if !p.Exists() {
			return false
		}
	}
	return true
}

func (s *_MultiSource) IsDirectory() bool {
	return false
}

func (s *_MultiSource) Size() int64 {
	return s.size
}

func (s *_MultiSource) Path() string {
	return s.path
}
