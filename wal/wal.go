// Package wal provides write-ahead logging for the mutable segment.
//
// Every upsert and delete is persisted to the log before it is acknowledged,
// so a crash immediately after a write returns does not lose the point from
// local search. After a checkpoint (segment file rewrite) the log is
// truncated.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Durability controls the durability guarantees of the WAL.
type Durability int

const (
	// DurabilitySync calls fsync after every append. This is the default:
	// the store path promises durability before it returns.
	DurabilitySync Durability = iota
	// DurabilityAsync relies on the OS page cache. Fast but loses the tail
	// of the log on power failure.
	DurabilityAsync
)

const (
	walMagic      = "EDGEWAL\x00" // 8 bytes
	walVersion    = 1
	walHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible WAL version")
	ErrInvalidHeader       = errors.New("invalid WAL header")
)

// Options configures a WAL.
type Options struct {
	Durability Durability
}

// DefaultOptions returns the default WAL configuration.
func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// WAL manages the write-ahead log file. It is safe for concurrent use,
// though the segment serializes writers above it.
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	opts   Options
	size   int64
	ops    int
	closed bool
}

// Open opens or creates a WAL at the given path.
func Open(path string, opts Options) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := stat.Size()

	if size == 0 {
		header := make([]byte, walHeaderSize)
		copy(header[0:8], walMagic)
		binary.LittleEndian.PutUint32(header[8:12], uint32(walVersion))
		if _, err := f.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		size = walHeaderSize
	} else {
		if size < walHeaderSize {
			f.Close()
			return nil, fmt.Errorf("%w: file too small (%d < %d)", ErrInvalidHeader, size, walHeaderSize)
		}
		header := make([]byte, walHeaderSize)
		if _, err := f.ReadAt(header, 0); err != nil {
			f.Close()
			return nil, err
		}
		if string(header[0:8]) != walMagic {
			f.Close()
			return nil, fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
		}
		if ver := binary.LittleEndian.Uint32(header[8:12]); ver != walVersion {
			f.Close()
			return nil, fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, walVersion)
		}
	}

	return &WAL{
		file: f,
		path: path,
		opts: opts,
		size: size,
	}, nil
}

// Append writes a record to the WAL, honoring the configured durability.
func (w *WAL) Append(rec *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}

	var buf countingBuffer
	if err := rec.Encode(&buf); err != nil {
		return err
	}
	if _, err := w.file.Write(buf.data); err != nil {
		return err
	}
	w.size += int64(len(buf.data))
	w.ops++

	if w.opts.Durability == DurabilitySync {
		return w.file.Sync()
	}
	return nil
}

type countingBuffer struct {
	data []byte
}

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Sync forces buffered writes to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	return w.file.Sync()
}

// Size returns the current size of the WAL in bytes.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Ops returns the number of records appended since open or the last truncate.
func (w *WAL) Ops() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ops
}

// Truncate discards all log records. Called after a checkpoint has made the
// logged operations durable in the segment file.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return err
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.size = walHeaderSize
	w.ops = 0
	return nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// Replay iterates over all committed records, invoking fn for each.
//
// A truncated or corrupt tail terminates replay without error: the tail
// records were never acknowledged, so dropping them preserves the
// at-least-once contract of the layers above.
func (w *WAL) Replay(fn func(rec *Record) error) error {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for {
		rec, _, err := Decode(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrInvalidCRC) {
				return nil
			}
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
