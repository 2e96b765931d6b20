package impl

import (
	"os"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/pkg/errors"
)

var _ interf.Source = (*_FileSource)(nil)

// _FileSource reads a local file, e.g. a disc image on a slow network mount.
type _FileSource struct {
	f    *os.File
	path string
	info os.FileInfo
}

// NewFileSource opens a local file. A missing file returns NewMissingSource(path).
func NewFileSource(path string) (interf.Source, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return NewMissingSource(path), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "open source")
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "stat source")
	}

	return &_FileSource{
		f:    f,
		path: path,
		info: info,
	}, nil
}

//--------------------------------------------------------------------------------------------------------------------//

func (s *_FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *_FileSource) Close() error {
	return s.f.Close()
}

func (s *_FileSource) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

func (s *_FileSource) IsDirectory() bool {
	return s.info.IsDir()
}

func (s *_FileSource) Size() int64 {
	if s.info.IsDir() {
		return 0
	}
	return s.info.Size()
}

func (s *_FileSource) Path() string {
	return s.path
}
