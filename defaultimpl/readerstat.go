package impl

import (
	"io"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// DebugOff deactivates all debug messages. Errors, warnings or information are still printed.
const DebugOff = 0

// DebugLow shows debug messages that happen very rarely during operation (to keep the log files small).
const DebugLow = 1

// DebugHigh shows all debug messages.
const DebugHigh = 2

// packageName is the prefix of all log messages of this package.
const packageName = "impl"

//--------------------------------------------------------------------------------------------------------------------//

type _ReaderStat struct {
	debugLvl uint8              // enable debug logging [0, 1, 2] (level: high=2)
	log      logrus.FieldLogger // target of debug logging

	_RAtNew        uint64
	_RAtClose      uint64
	_RAtReq        uint64
	_RAtRetErr     uint64
	_RAtCached     uint64 // bytes served from the cache
	_RAtPopulated  uint64 // bytes read through the cache
	_RAtUncached   uint64 // requests with HintUncached
	_RAtPassThru   uint64 // requests without a valid cache
	_RAtOutOfRange uint64
}

func newReaderStat(debugLvl uint8, log logrus.FieldLogger) *_ReaderStat {
	return &_ReaderStat{
		debugLvl: debugLvl,
		log:      log,
	}
}

func (s *_ReaderStat) Stat() map[string]uint64 {
	ret := map[string]uint64{
		"RAtNew":        atomic.LoadUint64(&s._RAtNew),
		"RAtClose":      atomic.LoadUint64(&s._RAtClose),
		"RAtReq":        atomic.LoadUint64(&s._RAtReq),
		"RAtRetErr":     atomic.LoadUint64(&s._RAtRetErr),
		"RAtCached":     atomic.LoadUint64(&s._RAtCached),
		"RAtPopulated":  atomic.LoadUint64(&s._RAtPopulated),
		"RAtUncached":   atomic.LoadUint64(&s._RAtUncached),
		"RAtPassThru":   atomic.LoadUint64(&s._RAtPassThru),
		"RAtOutOfRange": atomic.LoadUint64(&s._RAtOutOfRange),
	}

	// ignore zero values
	for k, v := range ret {
		if v == 0 {
			delete(ret, k)
		}
	}
	return ret
}

func (s *_ReaderStat) PrintStatAfterClose(path string) {
	// final call in .Close()
	if s.debugLvl < DebugLow { // Debug level: low=1
		return
	}

	stat := s.Stat()
	keys := make([]string, 0, len(stat))
	for k := range stat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make(logrus.Fields, len(stat))
	for _, k := range keys {
		fields[k] = stat[k]
	}
	s.log.WithFields(fields).Debugf("%s/stat.PrintStatAfterClose: path=%s", packageName, path)
}

// ------------------------------------------------------------------------------------------------------------------ //

func (s *_ReaderStat) RAtNew(path string, size int64, cache bool) {
	atomic.AddUint64(&s._RAtNew, 1)
	if s.debugLvl >= DebugLow { // Debug level: low=1
		s.log.Debugf("%s/stat.RAtNew: path=%s, size=%d, cache=%v", packageName, path, size, cache)
	}
}

func (s *_ReaderStat) RAtClose(path string) {
	atomic.AddUint64(&s._RAtClose, 1)
	if s.debugLvl >= DebugHigh { // Debug level: high=2
		s.log.Debugf("%s/stat.RAtClose: path=%s", packageName, path)
	}
}

func (s *_ReaderStat) RAtReq(path string, off int64, req int, flags uint32) {
	atomic.AddUint64(&s._RAtReq, 1)
	if s.debugLvl >= DebugHigh { // Debug level: high=2
		s.log.Debugf("%s/stat.RAtReq: path=%s, off=%d, req=%d, flags=%d", packageName, path, off, req, flags)
	}
}

func (s *_ReaderStat) RAtRet(path string, off int64, req int, ret int, err error) {
	if err != nil && err != io.EOF {
		atomic.AddUint64(&s._RAtRetErr, 1)
		s.log.Errorf("%s/stat.RAtRet: path=%s, off=%d, req=%d, ret=%d, err=%v", packageName, path, off, req, ret, err)
		return
	}
	if s.debugLvl >= DebugHigh { // Debug level: high=2
		s.log.Debugf("%s/stat.RAtRet: path=%s, off=%d, req=%d, ret=%d, err=%v", packageName, path, off, req, ret, err)
	}
}

func (s *_ReaderStat) RAtCached(n int) {
	atomic.AddUint64(&s._RAtCached, uint64(n))
}

func (s *_ReaderStat) RAtPopulated(n int) {
	atomic.AddUint64(&s._RAtPopulated, uint64(n))
}

func (s *_ReaderStat) RAtUncached(path string, off int64, req int) {
	atomic.AddUint64(&s._RAtUncached, 1)
	if s.debugLvl >= DebugHigh { // Debug level: high=2
		s.log.Debugf("%s/stat.RAtUncached: path=%s, off=%d, req=%d", packageName, path, off, req)
	}
}

func (s *_ReaderStat) RAtPassThru(path string, off int64, req int) {
	atomic.AddUint64(&s._RAtPassThru, 1)
	if s.debugLvl >= DebugHigh { // Debug level: high=2
		s.log.Debugf("%s/stat.RAtPassThru: path=%s, off=%d, req=%d", packageName, path, off, req)
	}
}

func (s *_ReaderStat) RAtOutOfRange(path string, off int64, size int64) {
	atomic.AddUint64(&s._RAtOutOfRange, 1)
	if s.debugLvl >= DebugLow { // Debug level: low=1
		s.log.Debugf("%s/stat.RAtOutOfRange: path=%s, off=%d, size=%d", packageName, path, off, size)
	}
}
