package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/edgevec/persistence"
)

// LocalStore implements BlobStore using a directory on the local filesystem.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at the given directory. The
// directory is created if missing.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{root: root}, nil
}

// Put writes a blob via a temp file and rename, so a concurrent Get never
// observes a partial write.
func (s *LocalStore) Put(_ context.Context, name string, r io.Reader) error {
	return persistence.SaveToFile(filepath.Join(s.root, name), func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

// Get opens a blob for reading.
func (s *LocalStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, name))
}

// Exists reports whether the blob is present.
func (s *LocalStore) Exists(_ context.Context, name string) (bool, error) {
	if _, err := os.Stat(filepath.Join(s.root, name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
