package impl

import (
	"io"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

var _ interf.Source = (*_RamSource)(nil)

type _RamSource struct {
	path string
	data []byte
}

// NewRamSource return a Source implementation that provides data from the ram ([]byte).
func NewRamSource(path string, data []byte) interf.Source {
	// check nil
	if data == nil {
		data = make([]byte, 0)
	}
	// return
	return &_RamSource{
		path: path,
		data: data,
	}
}

//--------------------------------------------------------------------------------------------------------------------//

func (r *_RamSource) ReadAt(b []byte, off int64) (n int, err error) {
	// check off
	if off < 0 {
		return 0, ErrNegativeOffset
	}
	// no data
	if off >= int64(len(r.data)) {
		return 0, io.EOF
	}
	// copy & return
	n = copy(b, r.data[off:])
	if n < len(b) {
		err = io.EOF
	}
	return
}

func (r *_RamSource) Close() error {
	return nil
}

func (r *_RamSource) Exists() bool {
	return true
}

func (r *_RamSource) IsDirectory() bool {
	return false
}

func (r *_RamSource) Size() int64 {
	return int64(len(r.data))
}

func (r *_RamSource) Path() string {
	return r.path
}
