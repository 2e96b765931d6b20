// Package s3source reads objects of AWS S3 (or S3 compatible storage) as backing sources.
package s3source

import (
	"context"
	"fmt"
	"io"
	"time"

	impl "github.com/SchnorcherSepp/blockcache/defaultimpl"
	interf "github.com/SchnorcherSepp/blockcache/interfaces"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
)

// DefaultTimeout limits a single request.
const DefaultTimeout = 60 * time.Second

// Client is the subset of *s3.Client used by a source.
type Client interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config of the S3 client. Empty fields use the default AWS configuration chain.
type Config struct {
	Region          string
	Endpoint        string // e.g. http://localhost:9000
	AccessKeyID     string
	SecretAccessKey string
	PathStyle       bool
}

// NewClient creates an S3 client.
func NewClient(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

var _ interf.Source = (*_Source)(nil)

type _Source struct {
	client  Client
	bucket  string
	key     string
	size    int64
	timeout time.Duration
}

// Open returns the object as interf.Source. A missing object returns impl.NewMissingSource.
// timeout <= 0 uses DefaultTimeout.
func Open(ctx context.Context, client Client, bucket, key string, timeout time.Duration) (interf.Source, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return impl.NewMissingSource(Path(bucket, key)), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "head s3://%s/%s", bucket, key)
	}

	return &_Source{
		client:  client,
		bucket:  bucket,
		key:     key,
		size:    aws.ToInt64(head.ContentLength),
		timeout: timeout,
	}, nil
}

// Path is the source path of an object.
func Path(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

//--------------------------------------------------------------------------------------------------------------------//

// ReadAt reads a byte range of the object with one GetObject request.
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

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", off, end)),
	})
	if err != nil {
		return 0, errors.Wrapf(err, "get %s", s.Path())
	}
	defer func() { _ = resp.Body.Close() }()

	want := int(end - off + 1)
	n, err := io.ReadFull(resp.Body, p[:want])
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

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
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
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *types.NoSuchKey
	return errors.As(err, &nsk)
}
