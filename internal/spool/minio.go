package spool

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const noSuchKey = "NoSuchKey"

type MinioOpts func(c *minioConfig)

type minioConfig struct {
	endpoint        string
	bucket          string
	accessKey       string
	secretAccessKey string
	prefix          string
	useSSL          bool
}

func newConfig(opts ...MinioOpts) *minioConfig {
	cfg := &minioConfig{prefix: "spool/"}
	for _, o := range opts {
		o(cfg)
	}
	return cfg
}

// MinioSpool keeps payloads in an S3 compatible bucket so that workers on
// other hosts can read them.
type MinioSpool struct {
	cfg    *minioConfig
	client *minio.Client
}

var _ Spool = (*MinioSpool)(nil)

func NewMinioSpool(opts ...MinioOpts) (*MinioSpool, error) {
	cfg := newConfig(opts...)
	if cfg.endpoint == "" || cfg.bucket == "" {
		return nil, fmt.Errorf("minio spool requires an endpoint and a bucket")
	}

	client, err := minio.New(cfg.endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.accessKey, cfg.secretAccessKey, ""),
		Secure: cfg.useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &MinioSpool{cfg: cfg, client: client}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioSpool) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.cfg.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.cfg.bucket, minio.MakeBucketOptions{})
}

func (s *MinioSpool) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	// size -1 makes minio stream the body as a multipart upload
	info, err := s.client.PutObject(ctx, s.cfg.bucket, s.object(key), r, -1, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

func (s *MinioSpool) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	object, err := s.client.GetObject(ctx, s.cfg.bucket, s.object(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateMinioError(err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		return nil, translateMinioError(err)
	}
	return object, nil
}

func (s *MinioSpool) Remove(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.cfg.bucket, s.object(key), minio.StatObjectOptions{}); err != nil {
		return translateMinioError(err)
	}
	return s.client.RemoveObject(ctx, s.cfg.bucket, s.object(key), minio.RemoveObjectOptions{})
}

func (s *MinioSpool) Type() string {
	return "minio"
}

func (s *MinioSpool) object(key string) string {
	return s.cfg.prefix + key
}

func translateMinioError(err error) error {
	if minio.ToErrorResponse(err).Code == noSuchKey {
		return ErrNotFound
	}
	return err
}

func WithEndpoint(endpoint string) MinioOpts {
	return func(c *minioConfig) {
		c.endpoint = endpoint
	}
}

func WithBucket(bucket string) MinioOpts {
	return func(c *minioConfig) {
		c.bucket = bucket
	}
}

func WithAccessKey(accessKey string) MinioOpts {
	return func(c *minioConfig) {
		c.accessKey = accessKey
	}
}

func WithSecretKey(secretKey string) MinioOpts {
	return func(c *minioConfig) {
		c.secretAccessKey = secretKey
	}
}

func WithPrefix(prefix string) MinioOpts {
	return func(c *minioConfig) {
		c.prefix = prefix
	}
}

func WithSSL(useSSL bool) MinioOpts {
	return func(c *minioConfig) {
		c.useSSL = useSSL
	}
}
