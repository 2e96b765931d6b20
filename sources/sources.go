// Package sources opens backing sources by URI.
//
// Supported schemes:
//   - plain path or file:///path: local file
//   - http://host/file, https://host/file: HTTP range requests
//   - s3://bucket/key: AWS S3
//   - minio://bucket/key: MinIO or S3 compatible storage
//   - gdrive://fileId: Google Drive
package sources

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/SchnorcherSepp/blockcache/config"
	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	"github.com/SchnorcherSepp/blockcache/gdrive"
	"github.com/SchnorcherSepp/blockcache/httpsource"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/SchnorcherSepp/blockcache/miniosource"
	"github.com/SchnorcherSepp/blockcache/s3source"
	"github.com/minio/minio-go/v7"
	"github.com/pkg/errors"
	"google.golang.org/api/drive/v3"
)

// Opener opens sources and keeps one client per backend.
// The clients are created on first use.
type Opener struct {
	cfg config.Config
	mux sync.Mutex

	http   *http.Client
	s3     s3source.Client
	minio  *minio.Client
	gdrive *drive.Service
}

// NewOpener returns an Opener for the backends of the config.
func NewOpener(cfg config.Config) *Opener {
	return &Opener{cfg: cfg}
}

// SetS3Client replaces the S3 client (e.g. a mock).
func (o *Opener) SetS3Client(c s3source.Client) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.s3 = c
}

// SetGDriveService replaces the Google Drive service.
func (o *Opener) SetGDriveService(s *drive.Service) {
	o.mux.Lock()
	defer o.mux.Unlock()
	o.gdrive = s
}

// Open returns the source of an URI.
// Sources are throttled if the config sets a rate limit.
func (o *Opener) Open(ctx context.Context, uri string) (interf.Source, error) {
	src, err := o.open(ctx, uri)
	if err != nil {
		return nil, err
	}
	if o.cfg.RateLimitBytes > 0 {
		src = impl.NewThrottledSource(src, int(o.cfg.RateLimitBytes))
	}
	return src, nil
}

func (o *Opener) open(ctx context.Context, uri string) (interf.Source, error) {
	scheme, rest := splitScheme(uri)

	switch scheme {
	case "":
		return impl.NewFileSource(uri)
	case "file":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid uri %s", uri)
		}
		return impl.NewFileSource(u.Path)
	case "http", "https":
		return httpsource.Open(o.httpClient(), uri)
	case "s3":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return nil, errors.Wrap(err, uri)
		}
		client, err := o.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		return s3source.Open(ctx, client, bucket, key, o.timeout())
	case "minio":
		bucket, key, err := splitBucketKey(rest)
		if err != nil {
			return nil, errors.Wrap(err, uri)
		}
		client, err := o.minioClient()
		if err != nil {
			return nil, err
		}
		return miniosource.Open(ctx, client, bucket, key, o.timeout())
	case "gdrive":
		id := strings.Trim(rest, "/")
		if id == "" {
			return nil, errors.Errorf("missing file id: %s", uri)
		}
		service, err := o.gdriveService(ctx)
		if err != nil {
			return nil, err
		}
		return gdrive.Open(service, id)
	default:
		return nil, errors.Errorf("unsupported source type %s", scheme)
	}
}

//--------  CLIENTS  -------------------------------------------------------------------------------------------------//

func (o *Opener) timeout() time.Duration {
	return time.Duration(o.cfg.HTTP.TimeoutSeconds) * time.Second
}

func (o *Opener) httpClient() *http.Client {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.http == nil {
		o.http = httpsource.NewClient(o.cfg.HTTPOptions())
	}
	return o.http
}

func (o *Opener) s3Client(ctx context.Context) (s3source.Client, error) {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.s3 == nil {
		c, err := s3source.NewClient(ctx, o.cfg.S3Config())
		if err != nil {
			return nil, err
		}
		o.s3 = c
	}
	return o.s3, nil
}

func (o *Opener) minioClient() (*minio.Client, error) {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.minio == nil {
		c, err := miniosource.NewClient(o.cfg.MinioConfig())
		if err != nil {
			return nil, err
		}
		o.minio = c
	}
	return o.minio, nil
}

func (o *Opener) gdriveService(ctx context.Context) (*drive.Service, error) {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.gdrive == nil {
		if o.cfg.GDrive.ClientCredentials == "" {
			return nil, errors.New("gdrive: client_credentials not configured")
		}
		s, err := gdrive.OAuth(ctx, o.cfg.GDrive.ClientCredentials, o.cfg.GDrive.TokenFile)
		if err != nil {
			return nil, err
		}
		o.gdrive = s
	}
	return o.gdrive, nil
}

//--------  HELPER  --------------------------------------------------------------------------------------------------//

// splitScheme returns the lower case scheme and the part after "://".
// A windows drive letter (C:\...) or a path without "://" has no scheme.
func splitScheme(uri string) (scheme, rest string) {
	i := strings.Index(uri, "://")
	if i <= 1 {
		return "", uri
	}
	return strings.ToLower(uri[:i]), uri[i+3:]
}

// splitBucketKey splits "bucket/path/to/key".
func splitBucketKey(s string) (bucket, key string, err error) {
	i := strings.IndexByte(s, '/')
	if i <= 0 || i == len(s)-1 {
		return "", "", errors.Errorf("expected bucket/key, got %q", s)
	}
	return s[:i], s[i+1:], nil
}
