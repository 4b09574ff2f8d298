package blob

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"filetoll/internal/logging"
)

// Object is the subset of *minio.Object the storage reads from.
type Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// ObjectClient is the subset of *minio.Client used by S3Storage. Narrowed
// to an interface so tests can substitute a mock.
type ObjectClient interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// minioClient adapts *minio.Client to ObjectClient.
type minioClient struct {
	c *minio.Client
}

func (m *minioClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.c.PutObject(ctx, bucket, key, reader, size, opts)
}

func (m *minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (Object, error) {
	return m.c.GetObject(ctx, bucket, key, opts)
}

func (m *minioClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	return m.c.RemoveObject(ctx, bucket, key, opts)
}

// S3Storage implements Storage against any S3-compatible object store.
type S3Storage struct {
	client ObjectClient
	bucket string
	prefix string
}

// S3Config holds configuration for S3 storage.
type S3Config struct {
	Endpoint string // S3_ENDPOINT
	KeyID    string // S3_KEY_ID
	AppKey   string // S3_APP_KEY
	Bucket   string // S3_BUCKET
	Prefix   string // S3_PREFIX - optional folder prefix for all objects
}

// NewS3Storage creates a new S3-backed storage.
func NewS3Storage(cfg S3Config) (*S3Storage, error) {
	logging.S3.Printf("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.S3.Printf("failed to create client: %v", err)
		return nil, err
	}

	logging.S3.Printf("storage initialized successfully")
	return NewS3StorageWithClient(&minioClient{c: client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StorageWithClient creates an S3Storage with an explicit client.
func NewS3StorageWithClient(client ObjectClient, bucket, prefix string) *S3Storage {
	return &S3Storage{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Storage) key(id string) string {
	if s.prefix == "" {
		return id
	}
	return path.Join(s.prefix, id)
}

func (s *S3Storage) Save(ctx context.Context, id string, data io.Reader) (int64, error) {
	if err := validateID(id); err != nil {
		return 0, err
	}
	key := s.key(id)
	logging.S3.Printf("uploading blob %s to bucket %s", key, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, -1, minio.PutObjectOptions{})
	if err != nil {
		logging.S3.Printf("upload failed for %s: %v", key, err)
		return 0, err
	}

	logging.S3.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return info.Size, nil
}

func (s *S3Storage) Load(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	key := s.key(id)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		logging.S3.Printf("failed to get object %s: %v", key, err)
		return nil, err
	}

	// GetObject is lazy; stat to surface missing keys now.
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.S3.Printf("failed to stat object %s: %v", key, err)
		return nil, err
	}

	logging.S3.Printf("loaded %s (%d bytes)", key, stat.Size)
	return obj, nil
}

func (s *S3Storage) Delete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	key := s.key(id)

	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.S3.Printf("failed to delete %s: %v", key, err)
		return err
	}

	logging.S3.Printf("deleted %s", key)
	return nil
}
