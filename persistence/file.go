// Package persistence provides atomic file persistence helpers.
//
// Segment files and the local manifest are always written to a temp file in
// the target directory and renamed into place, so readers either see the old
// state or the new one, never a partial write.
package persistence

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
)

// SaveToFile writes a file atomically: temp file + fsync + rename.
func SaveToFile(filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	// Write to a temp file in the same directory to ensure rename is atomic.
	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0o644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Atomically replace target.
	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	return nil
}

// LoadFromFile opens a file and passes a buffered reader to readFunc.
func LoadFromFile(filename string, readFunc func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	buf := bufio.NewReaderSize(f, 256*1024)
	return readFunc(buf)
}

// SyncDir fsyncs a directory, making prior renames within it durable.
// Best-effort: some filesystems do not support directory fsync.
func SyncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
}
