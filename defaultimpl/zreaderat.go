package impl

import (
	"io"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
)

var _ interf.Source = (*_MissingSource)(nil)

type _MissingSource struct {
	path string
}

// NewMissingSource is a dummy Source for a path that does not exist. It has no data.
func NewMissingSource(path string) interf.Source {
	return &_MissingSource{path: path}
}

//--------------------------------------------------------------------------------------------------------------------//

func (r *_MissingSource) ReadAt(_ []byte, _ int64) (n int, err error) {
	return 0, io.EOF
}

func (r *_MissingSource) Close() error {
	return nil
}

func (r *_MissingSource) Exists() bool {
	return false
}

func (r *_MissingSource) IsDirectory() bool {
	return false
}

func (r *_MissingSource) Size() int64 {
	return 0
}

func (r *_MissingSource) Path() string {
	return r.path
}
