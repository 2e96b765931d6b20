package impl

import (
	"bytes"
	"io"
	"os"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/natefinch/atomic"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// errors of openBlockStore: the cache file must be recreated
var (
	errBadMagic      = errors.New("invalid cache magic")
	errBadVersion    = errors.New("cache version mismatch")
	errBadSourceSize = errors.New("cache was built for a different source size")
	errBadBlockSize  = errors.New("invalid block size")
	errShortIndex    = errors.New("truncated cache index")
	errBadGeometry   = errors.New("block size or block count out of range")
)

// blockFile is the physical cache file. *os.File is the default implementation.
type blockFile interface {
	io.ReaderAt
	io.WriterAt
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// _BlockStore maps blocks and block records to fixed byte ranges of one cache file.
//
//	offset 0:                                  header
//	offset headerSize:                         record[logicalCount]
//	offset headerSize+logicalCount*recordSize: block data, slot 0 first
type _BlockStore struct {
	f            blockFile
	file         string // path of the cache file
	header       _Header
	blockSize    int64
	logicalCount uint32
	log          logrus.FieldLogger
}

// createBlockStore writes a fresh cache file (header and an empty index) and opens it.
// An existing file is replaced atomically.
func createBlockStore(file string, h _Header, log logrus.FieldLogger) (*_BlockStore, error) {
	if !h.validGeometry() {
		return nil, errors.Wrapf(errBadGeometry, "create cache file (block size %d, source size %d)", h.BlockSize, h.SourceSize)
	}
	s := newBlockStore(file, h, log)

	index := make([]_BlockRecord, s.logicalCount)
	for i := range index {
		index[i] = emptyRecord
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(index)*recordSize)
	buf.Write(h.marshal())
	buf.Write(marshalRecords(index))

	if err := atomic.WriteFile(file, &buf); err != nil {
		return nil, errors.Wrap(err, "create cache file")
	}

	f, err := os.OpenFile(file, os.O_RDWR, 0600)
	if err != nil {
		return nil, errors.Wrap(err, "open new cache file")
	}
	s.f = f
	return s, nil
}

// openBlockStore opens an existing cache file, validates the header against the
// expected one and loads all block records. The block size is taken from the file.
// Any error means that the file is not usable and must be recreated.
func openBlockStore(file string, expected _Header, log logrus.FieldLogger) (*_BlockStore, []_BlockRecord, error) {
	f, err := os.OpenFile(file, os.O_RDWR, 0600)
	if err != nil {
		return nil, nil, err
	}

	s, records, err := loadBlockStore(f, file, expected, log)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return s, records, nil
}

// loadBlockStore reads and validates header and index of an open cache file.
func loadBlockStore(f blockFile, file string, expected _Header, log logrus.FieldLogger) (*_BlockStore, []_BlockRecord, error) {
	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, nil, errors.Wrap(err, "read cache header")
	}

	h := unmarshalHeader(b)
	switch {
	case h.Magic != expected.Magic:
		return nil, nil, errBadMagic
	case h.Version != expected.Version:
		return nil, nil, errBadVersion
	case h.SourceSize != expected.SourceSize:
		return nil, nil, errBadSourceSize
	case h.BlockSize == 0 || h.BlockSize > maxBlockSize:
		return nil, nil, errBadBlockSize
	case !h.validGeometry():
		return nil, nil, errBadGeometry
	}

	// the index must be in the file before it is allocated
	info, err := f.Stat()
	if err != nil {
		return nil, nil, errors.Wrap(err, "stat cache file")
	}
	if info.Size() < h.indexEnd() {
		return nil, nil, errShortIndex
	}

	s := newBlockStore(file, h, log)
	s.f = f

	raw := make([]byte, int(s.logicalCount)*recordSize)
	if n, err := f.ReadAt(raw, headerSize); n != len(raw) {
		if err == nil || err == io.EOF {
			err = errShortIndex
		}
		return nil, nil, err
	}

	records := make([]_BlockRecord, s.logicalCount)
	for i := range records {
		records[i] = getRecord(raw[i*recordSize:])
	}
	return s, records, nil
}

func newBlockStore(file string, h _Header, log logrus.FieldLogger) *_BlockStore {
	return &_BlockStore{
		file:         file,
		header:       h,
		blockSize:    int64(h.BlockSize),
		logicalCount: h.logicalCount(),
		log:          log,
	}
}

//--------------------------------------------------------------------------------------------------------------------//

// blockOffset is the byte position of a physical slot in the cache file.
func (s *_BlockStore) blockOffset(slot uint32) int64 {
	return headerSize + int64(s.logicalCount)*recordSize + int64(slot)*s.blockSize
}

// recordOffset is the byte position of a block record in the cache file.
func (s *_BlockStore) recordOffset(logical uint32) int64 {
	return headerSize + int64(logical)*recordSize
}

// readBlock reads len(dest) bytes of a slot, starting at the inner offset off.
func (s *_BlockStore) readBlock(slot uint32, off int, dest []byte) error {
	if len(dest) == 0 {
		return nil
	}
	if off < 0 || int64(off+len(dest)) > s.blockSize {
		return errors.Errorf("block read out of range: off=%d, len=%d", off, len(dest))
	}

	n, err := s.f.ReadAt(dest, s.blockOffset(slot)+int64(off))
	if n != len(dest) {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		s.log.Errorf("%s/readBlock: file=%s, slot=%d, n=%d/%d: %v", packageName, s.file, slot, n, len(dest), err)
		return err
	}
	return nil
}

// writeBlock writes exactly one block into a slot.
func (s *_BlockStore) writeBlock(slot uint32, src []byte) error {
	if int64(len(src)) != s.blockSize {
		return errors.Errorf("wrong buffer size for writing a block: %d", len(src))
	}

	if _, err := s.f.WriteAt(src, s.blockOffset(slot)); err != nil {
		s.log.Errorf("%s/writeBlock: file=%s, slot=%d: %v", packageName, s.file, slot, err)
		return err
	}
	return nil
}

// writeRecord persists one block record.
func (s *_BlockStore) writeRecord(logical uint32, r _BlockRecord) error {
	var b [recordSize]byte
	r.put(b[:])

	if _, err := s.f.WriteAt(b[:], s.recordOffset(logical)); err != nil {
		s.log.Errorf("%s/writeRecord: file=%s, index=%d: %v", packageName, s.file, logical, err)
		return err
	}
	return nil
}

// writeIndex persists all block records and syncs the file.
func (s *_BlockStore) writeIndex(records []_BlockRecord) error {
	if _, err := s.f.WriteAt(marshalRecords(records), headerSize); err != nil {
		s.log.Errorf("%s/writeIndex: file=%s: %v", packageName, s.file, err)
		return err
	}
	if err := s.f.Sync(); err != nil {
		s.log.Errorf("%s/writeIndex: sync file=%s: %v", packageName, s.file, err)
		return err
	}
	return nil
}

// lock takes an exclusive lock on the cache file.
func (s *_BlockStore) lock() error {
	if f, ok := s.f.(*os.File); ok {
		return lockFile(f)
	}
	return nil
}

// close releases the lock and closes the file.
func (s *_BlockStore) close() error {
	if f, ok := s.f.(*os.File); ok {
		_ = unlockFile(f)
	}
	return s.f.Close()
}

// headerFor returns the header a valid cache file of the source must have.
func headerFor(sourceSize int64, blockSize uint32) _Header {
	if blockSize == 0 {
		blockSize = interf.DefaultBlockSize
	}
	return newHeader(blockSize, sourceSize)
}
