package minio

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/edgevec/blobstore"
)

// Store implements blobstore.BlobStore for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO blob store.
// bucket is the MinIO bucket name.
// rootPrefix is prepended to all keys (e.g. "snapshots/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Put streams a blob to the object store. Object stores publish objects
// atomically on completion, so no temp-and-rename dance is needed.
func (s *Store) Put(ctx context.Context, name string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), r, -1, minio.PutObjectOptions{})
	return err
}

// Get opens a blob for reading.
func (s *Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(name), minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError(err)
	}

	// GetObject is lazy; surface missing objects here instead of on the
	// first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, translateError(err)
	}
	return obj, nil
}

// Exists reports whether the blob is present.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(name), minio.StatObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func translateError(err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return blobstore.ErrNotFound
	}
	return err
}
