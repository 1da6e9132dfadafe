package lake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/datacraft-io/lakehouse/internal/config"
)

var (
	// ErrObjectNotFound is returned by Get for a missing key.
	ErrObjectNotFound = errors.New("object not found")

	// ErrEndpointMissing is returned when the object-store endpoint is not
	// configured.
	ErrEndpointMissing = errors.New("aws_endpoint is required")
)

// Object is one listed entry of a bucket prefix.
type Object struct {
	Key  string
	Size int64
}

// Name returns the base name of the object key.
func (o Object) Name() string {
	if idx := strings.LastIndex(o.Key, "/"); idx >= 0 {
		return o.Key[idx+1:]
	}

	return o.Key
}

// ObjectStore is the engine-facing object storage contract. All external
// data reads and writes go through this interface.
type ObjectStore interface {
	// List returns the objects under a prefix, recursively.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)

	// Get opens an object for reading.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Put writes an object. Size may be -1 when unknown.
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error

	// Exists reports whether any object lives under the prefix.
	Exists(ctx context.Context, bucket, prefix string) (bool, error)

	// Delete removes an object. Missing keys are not an error.
	Delete(ctx context.Context, bucket, key string) error
}

// Config holds the object-store client configuration.
type Config struct {
	Endpoint  string
	AccessKey string
	secretKey string
	UseSSL    bool
}

// LoadConfig reads the object-store configuration from the environment
// (aws_endpoint, aws_key, aws_secret). An https endpoint scheme selects
// TLS.
func LoadConfig() *Config {
	endpoint := config.GetEnvStr("aws_endpoint", "")

	useSSL := strings.HasPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	return &Config{
		Endpoint:  endpoint,
		AccessKey: config.GetEnvStr("aws_key", ""),
		secretKey: config.GetEnvStr("aws_secret", ""),
		UseSSL:    useSSL,
	}
}

// Validate checks the object-store configuration.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrEndpointMissing
	}

	return nil
}

// SetSecretKey overrides the secret, for tests.
func (c *Config) SetSecretKey(secret string) {
	c.secretKey = secret
}

// MinioStore implements ObjectStore over a MinIO (S3-compatible) client.
type MinioStore struct {
	client *minio.Client
}

// Compile-time interface checks.
var (
	_ ObjectStore = (*MinioStore)(nil)
	_ ObjectStore = (*MemStore)(nil)
)

// NewMinioStore builds the S3-compatible object store client.
func NewMinioStore(cfg *Config) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating object-store config: %w", err)
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.secretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("creating object-store client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

// WrapMinioClient adapts an already-constructed client. Extractors build
// their credentials from catalog connection rows rather than the
// environment.
func WrapMinioClient(client *minio.Client) *MinioStore {
	return &MinioStore{client: client}
}

// List returns the objects under a prefix, recursively.
func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]Object, error) {
	var out []Object

	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("listing %s/%s: %w", bucket, prefix, info.Err)
		}

		out = append(out, Object{Key: info.Key, Size: info.Size})
	}

	return out, nil
}

// Get opens an object for reading.
func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", bucket, key, err)
	}

	// GetObject is lazy; surface missing keys now.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()

		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, key)
		}

		return nil, fmt.Errorf("statting %s/%s: %w", bucket, key, err)
	}

	return obj, nil
}

// Put writes an object.
func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) error {
	if _, err := s.client.PutObject(ctx, bucket, key, r, size, minio.PutObjectOptions{}); err != nil {
		return fmt.Errorf("putting %s/%s: %w", bucket, key, err)
	}

	return nil
}

// Exists reports whether any object lives under the prefix.
func (s *MinioStore) Exists(ctx context.Context, bucket, prefix string) (bool, error) {
	for info := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:  prefix,
		MaxKeys: 1,
	}) {
		if info.Err != nil {
			return false, fmt.Errorf("probing %s/%s: %w", bucket, prefix, info.Err)
		}

		return true, nil
	}

	return false, nil
}

// Delete removes an object.
func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("deleting %s/%s: %w", bucket, key, err)
	}

	return nil
}
