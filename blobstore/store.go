package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies
// `errors.Is(err, ErrNotFound)`. The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for archiving snapshot streams. Implementations
// must be safe for concurrent use.
type BlobStore interface {
	// Put writes a blob atomically: a reader of the same name never observes
	// a partial write.
	Put(ctx context.Context, name string, r io.Reader) error

	// Get opens a blob for reading. The caller must close the returned reader.
	Get(ctx context.Context, name string) (io.ReadCloser, error)

	// Exists reports whether a blob with the given name is present.
	Exists(ctx context.Context, name string) (bool, error)
}
