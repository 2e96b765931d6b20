package interf

// Flags modify a single read request.
type Flags uint32

// HintUncached asks the reader to bypass the cache for this request.
// Use it for data that is read only once (e.g. a checksum over the whole file).
const HintUncached Flags = 1 << 0

// ReaderAt allow random read access to a Source with a disk block cache.
// A ReaderAt is a drop-in substitute for the wrapped Source.
//
// ReadAt reads len(p) bytes into p starting at offset off in the
// underlying source. It returns the number of bytes
// read (0 <= n <= len(p)) and any error encountered.
//
// When ReadAt returns n < len(p), it returns a non-nil error
// explaining why more bytes were not returned. In this respect,
// ReadAt is stricter than Read.
//
// If the n = len(p) bytes returned by ReadAt are at the end of the
// source, ReadAt may return either err == EOF or err == nil.
//
// Clients of ReadAt can execute parallel ReadAt calls on the
// same ReaderAt.
//
// Implementations must not retain p.
type ReaderAt interface {
	Source

	// ReadAtFlags behaves like ReadAt, but the request can be modified with flags (@see HintUncached).
	ReadAtFlags(p []byte, off int64, flags Flags) (n int, err error)

	// ExistsFast reports whether the source exists without contacting it.
	// It may be wrong, but it is never slow.
	ExistsFast() bool

	// Stat returns the number of times internal processes have been run since initialization.
	// This method is relevant for testing and debugging purposes.
	// The KEY is the internal process, the VALUE is the count.
	Stat() map[string]uint64
}
