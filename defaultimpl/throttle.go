package impl

import (
	"context"

	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"golang.org/x/time/rate"
)

var _ interf.Source = (*_ThrottledSource)(nil)

// _ThrottledSource limits the read bandwidth of a source.
type _ThrottledSource struct {
	interf.Source
	limiter *rate.Limiter
}

// NewThrottledSource limits the reads of src to bytesPerSec.
// It simulates slow storage, or protects a shared backend. bytesPerSec <= 0 returns src.
func NewThrottledSource(src interf.Source, bytesPerSec int) interf.Source {
	if bytesPerSec <= 0 {
		return src
	}

	// a full batch must fit into one token bucket
	burst := interf.DefaultBlockSize * interf.MaxBlocksPerBatch
	if bytesPerSec > burst {
		burst = bytesPerSec
	}

	return &_ThrottledSource{
		Source:  src,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
	}
}

func (s *_ThrottledSource) ReadAt(p []byte, off int64) (int, error) {
	burst := s.limiter.Burst()
	for rest := len(p); rest > 0; rest -= burst {
		n := rest
		if n > burst {
			n = burst
		}
		if err := s.limiter.WaitN(context.Background(), n); err != nil {
			return 0, err
		}
	}
	return s.Source.ReadAt(p, off)
}
