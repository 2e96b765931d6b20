// Package miniosource reads objects of MinIO (or any S3 compatible storage) as backing sources.
package miniosource

import (
	"context"
	"io"
	"time"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// DefaultTimeout limits a single request.
const DefaultTimeout = 60 * time.Second

// Config of the MinIO client.
type Config struct {
	Endpoint        string // host:port
	AccessKeyID     string
	SecretAccessKey string
	Secure          bool
	Region          string // optional, avoids a bucket location lookup
}

// NewClient creates a MinIO client.
func NewClient(cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	return client, nil
}

var _ interf.Source = (*_Source)(nil)

type _Source struct {
	client  *minio.Client
	bucket  string
	key     string
	size    int64
	timeout time.Duration
}

// Open returns the object as interf.Source. A missing object returns impl.NewMissingSource.
// timeout <= 0 uses DefaultTimeout.
func Open(ctx context.Context, client *minio.Client, bucket, key string, timeout time.Duration) (interf.Source, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	info, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if isNotFound(err) {
		return impl.NewMissingSource(Path(bucket, key)), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", Path(bucket, key))
	}

	return &_Source{
		client:  client,
		bucket:  bucket,
		key:     key,
		size:    info.Size,
		timeout: timeout,
	}, nil
}

// Path is the source path of an object.
func Path(bucket, key string) string {
	return "minio://" + bucket + "/" + key
}

//--------------------------------------------------------------------------------------------------------------------//

// ReadAt reads a byte range of the object with one ranged GetObject request.
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

	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, s.key, opts)
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", s.Path())
	}
	defer func() { _ = obj.Close() }()

	want := int(end - off + 1)
	n, err := io.ReadFull(obj, p[:want])
	if err != nil {
		return n, errors.Wrapf(err, "read %s", s.Path())
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
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.client.StatObject(ctx, s.bucket, s.key, minio.StatObjectOptions{})
	return err == nil
}

func (s *_Source) IsDirectory() bool {
	return false
}

func (s *_Source) Size() int64 {
	return s.size
}

func (s *_Source) Path() string {
	return Path(s.bucket, s.key)
}

//--------------------------------------------------------------------------------------------------------------------//

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
