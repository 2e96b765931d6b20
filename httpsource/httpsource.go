// Package httpsource reads files of a HTTP(S) server with Range requests as backing sources.
package httpsource

import (
	"fmt"
	"io"
	"net/http"
	"time"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const (
	defaultRetries = 3
	defaultTimeout = 60 * time.Second
)

// Options of the HTTP client.
// Retries == 0 uses the default (3), Retries < 0 disables retries.
// Timeout == 0 uses the default (60s), Timeout < 0 disables the timeout.
type Options struct {
	Retries int
	Timeout time.Duration
}

// NewClient returns a http client that retries failed requests.
func NewClient(opts Options) *http.Client {
	client := rhttp.NewClient()
	client.Logger = nil // disable logging every request
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second

	switch {
	case opts.Retries == 0:
		client.RetryMax = defaultRetries
	case opts.Retries < 0:
		client.RetryMax = 0
	default:
		client.RetryMax = opts.Retries
	}

	tr := client.StandardClient()
	if opts.Timeout >= 0 {
		if opts.Timeout == 0 {
			tr.Timeout = defaultTimeout
		} else {
			tr.Timeout = opts.Timeout
		}
	} // opts.Timeout < 0 means "no timeout"
	return tr
}

var _ interf.Source = (*_Source)(nil)

type _Source struct {
	client *http.Client
	url    string
	size   int64
}

// Open sends a HEAD request for the size of the file. The server must support Range requests.
// A missing file (404) returns impl.NewMissingSource.
func Open(client *http.Client, url string) (interf.Source, error) {
	resp, err := client.Head(url)
	if err != nil {
		return nil, errors.Wrapf(err, "head %s", url)
	}
	_ = resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return impl.NewMissingSource(url), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("couldn't HEAD %s, got response code %d", url, resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return nil, errors.Errorf("%s has unknown content-length", url)
	}

	return &_Source{
		client: client,
		url:    url,
		size:   resp.ContentLength,
	}, nil
}

//--------------------------------------------------------------------------------------------------------------------//

// ReadAt reads a byte range with one GET request.
func (s *_Source) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, impl.ErrNegativeOffset
	}
	if off >= s.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}

	req, err := http.NewRequest(http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", s.url)
	}
	defer func() { _ = resp.Body.Close() }()

	body := io.Reader(resp.Body)
	switch resp.StatusCode {
	case http.StatusPartialContent:
		// ok
	case http.StatusOK:
		// the server ignored the range: skip to off
		if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
			return 0, errors.Wrapf(err, "skip %s", s.url)
		}
	default:
		return 0, errors.Errorf("get %s: response code %d", s.url, resp.StatusCode)
	}

	want := int(end - off + 1)
	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, errors.Wrapf(err, "read %s", s.url)
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *_Source) Close() error {
	return nil
}

func (s *_Source) Exists() bool {
	resp, err := s.client.Head(s.url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *_Source) IsDirectory() bool {
	return false
}

func (s *_Source) Size() int64 {
	return s.size
}

func (s *_Source) Path() string {
	return s.url
}
