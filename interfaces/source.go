package interf

import "io"

// Source is a slow, read-only, random access data source (local disc image, http, object storage, ...).
// A Source is accelerated by a ReaderAt, which stores the blocks in a cache file on fast local storage.
//
// ReadAt follows the io.ReaderAt contract: when ReadAt returns n < len(p), it returns a non-nil error.
// A short read at the end of the source returns io.EOF.
type Source interface {
	io.ReaderAt // ReadAt(p []byte, off int64) (n int, err error)
	io.Closer   // Close() error

	// Exists reports whether the source can be read.
	Exists() bool

	// IsDirectory reports whether the source is a directory (or folder) and not a file.
	IsDirectory() bool

	// Size is the size of the source in bytes.
	Size() int64

	// Path identifies the source. Handles to the same path share one cache.
	// Example: /games/disc.iso
	Path() string
}
