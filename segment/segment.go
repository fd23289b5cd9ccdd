package segment

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/hupe1980/edgevec/distance"
	"github.com/hupe1980/edgevec/model"
	"github.com/hupe1980/edgevec/wal"
)

const (
	segmentFileName = "segment.bin"
	walFileName     = "edge.wal"
)

var (
	// ErrNotFound is returned when opening a segment without a config and no
	// on-disk state exists at the path.
	ErrNotFound = errors.New("segment not found")

	// ErrCorrupt is returned when on-disk segment state is unreadable.
	// This is fatal; the segment performs no automatic repair.
	ErrCorrupt = errors.New("segment corrupt")

	// ErrReadOnly is returned for mutations on a snapshot-restored segment.
	// Restored segments only change through ApplyPartialSnapshot.
	ErrReadOnly = errors.New("segment is read-only")

	// ErrClosed is returned for operations on a closed segment.
	ErrClosed = errors.New("segment is closed")
)

// ErrDimensionMismatch indicates a vector/query dimensionality mismatch.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// Config configures a newly created (writable) segment.
type Config struct {
	// Dim is the fixed vector dimensionality.
	Dim int

	// Metric is the similarity metric. Defaults to cosine.
	Metric distance.Metric

	// Compression selects the snapshot block compression. Defaults to ZSTD.
	Compression Compression

	// Durability controls WAL fsync behavior. Defaults to sync-per-append.
	Durability wal.Durability

	// AutoCheckpointOps rewrites the segment file and truncates the WAL
	// after this many logged operations. 0 uses the default, negative
	// disables auto-checkpointing.
	AutoCheckpointOps int
}

// DefaultAutoCheckpointOps bounds WAL growth between checkpoints.
const DefaultAutoCheckpointOps = 1024

type row struct {
	id      uuid.UUID
	payload model.Payload
	vector  []float32
	norm    float32
}

// Segment is an embedded on-disk vector collection.
//
// A segment opened with a Config is writable and WAL-backed: every upsert
// and delete is durable before the call returns. A segment opened with a
// nil Config must already exist on disk (restored from a snapshot) and only
// changes through ApplyPartialSnapshot.
//
// One writer may mutate a segment concurrently with any number of readers.
type Segment struct {
	mu   sync.RWMutex
	path string

	dim    int
	metric distance.Metric
	simFn  distance.Func

	lineage   uuid.UUID
	version   uint64
	createdAt time.Time

	rows       []row
	index      map[uuid.UUID]int
	tombstones *roaring.Bitmap

	wal               *wal.WAL
	compression       Compression
	autoCheckpointOps int
	readOnly          bool
	compacted         bool
	closed            bool
}

// Open opens or creates a segment at path.
//
// With a non-nil config the directory is created if needed and existing
// state (segment file + WAL) is recovered. With a nil config the segment
// must already exist; ErrNotFound is returned otherwise.
func Open(path string, cfg *Config) (*Segment, error) {
	s := &Segment{
		path:        path,
		index:       make(map[uuid.UUID]int),
		tombstones:  roaring.New(),
		compression: CompressionZSTD,
		metric:      distance.MetricCosine,
	}

	stateFile := filepath.Join(path, segmentFileName)

	if cfg == nil {
		s.readOnly = true
		if err := s.loadState(stateFile); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			return nil, err
		}
	} else {
		if cfg.Dim <= 0 {
			return nil, fmt.Errorf("segment: invalid dimension %d", cfg.Dim)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, err
		}

		s.dim = cfg.Dim
		s.metric = cfg.Metric
		if cfg.Compression != CompressionNone {
			s.compression = cfg.Compression
		}
		s.autoCheckpointOps = cfg.AutoCheckpointOps
		if s.autoCheckpointOps == 0 {
			s.autoCheckpointOps = DefaultAutoCheckpointOps
		}

		if _, err := os.Stat(stateFile); err == nil {
			if err := s.loadState(stateFile); err != nil {
				return nil, err
			}
			if s.dim != cfg.Dim {
				return nil, &ErrDimensionMismatch{Expected: cfg.Dim, Actual: s.dim}
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		} else {
			s.lineage = uuid.New()
			s.createdAt = time.Now().UTC()
		}

		w, err := wal.Open(filepath.Join(path, walFileName), wal.Options{Durability: cfg.Durability})
		if err != nil {
			return nil, err
		}
		s.wal = w

		if err := s.replayWAL(); err != nil {
			w.Close()
			return nil, err
		}
	}

	fn, err := distance.Provider(s.metric)
	if err != nil {
		return nil, err
	}
	s.simFn = fn

	return s, nil
}

func (s *Segment) replayWAL() error {
	return s.wal.Replay(func(rec *wal.Record) error {
		switch rec.Type {
		case wal.RecordTypeUpsert:
			s.applyUpsert(rec.Point)
		case wal.RecordTypeDeleteBefore:
			s.applyDeleteBefore(rec.Watermark)
		}
		return nil
	})
}

// applyUpsert mutates in-memory state. Caller holds the write lock or is
// single-threaded recovery.
func (s *Segment) applyUpsert(p model.Point) {
	if prev, ok := s.index[p.ID]; ok {
		s.tombstones.Add(uint32(prev))
	}
	s.rows = append(s.rows, row{
		id:      p.ID,
		payload: p.Payload,
		vector:  p.Vector,
		norm:    vectorNorm(p.Vector),
	})
	s.index[p.ID] = len(s.rows) - 1
	s.version++
}

func (s *Segment) applyDeleteBefore(watermark float64) {
	for id, idx := range s.index {
		if s.rows[idx].payload.SyncTimestamp <= watermark {
			s.tombstones.Add(uint32(idx))
			delete(s.index, id)
		}
	}
}

// Upsert inserts or replaces points by id. The write is durable before
// Upsert returns.
func (s *Segment) Upsert(points []model.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}

	for _, p := range points {
		if len(p.Vector) != s.dim {
			return &ErrDimensionMismatch{Expected: s.dim, Actual: len(p.Vector)}
		}
	}

	for _, p := range points {
		if err := s.wal.Append(&wal.Record{Type: wal.RecordTypeUpsert, Point: p}); err != nil {
			return fmt.Errorf("segment: wal append: %w", err)
		}
		s.applyUpsert(p)
	}

	return s.maybeCheckpointLocked()
}

// DeleteSyncedBefore removes all points whose sync timestamp is at or below
// the watermark. The delete is durable before it returns.
func (s *Segment) DeleteSyncedBefore(watermark float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}

	if err := s.wal.Append(&wal.Record{Type: wal.RecordTypeDeleteBefore, Watermark: watermark}); err != nil {
		return fmt.Errorf("segment: wal append: %w", err)
	}
	s.applyDeleteBefore(watermark)

	return s.maybeCheckpointLocked()
}

func (s *Segment) maybeCheckpointLocked() error {
	if s.autoCheckpointOps <= 0 || s.wal.Ops() < s.autoCheckpointOps {
		return nil
	}
	return s.checkpointLocked()
}

// Checkpoint rewrites the segment file from the current state, compacts
// masked rows, and truncates the WAL.
func (s *Segment) Checkpoint() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.readOnly {
		return ErrReadOnly
	}
	return s.checkpointLocked()
}

func (s *Segment) checkpointLocked() error {
	s.compactLocked()
	if err := s.writeStateLocked(filepath.Join(s.path, segmentFileName)); err != nil {
		return err
	}
	return s.wal.Truncate()
}

// compactLocked drops tombstoned rows and rebuilds the index. Only valid on
// writable segments: restored segments must preserve row order and version
// for snapshot lineage.
func (s *Segment) compactLocked() {
	if s.tombstones.IsEmpty() {
		return
	}
	compacted := make([]row, 0, len(s.index))
	index := make(map[uuid.UUID]int, len(s.index))
	for i, r := range s.rows {
		if s.tombstones.Contains(uint32(i)) {
			continue
		}
		compacted = append(compacted, r)
		index[r.id] = len(compacted) - 1
	}
	s.rows = compacted
	s.index = index
	s.tombstones = roaring.New()
	s.version = uint64(len(s.rows))
	s.compacted = true
}

// Count returns the number of live points.
func (s *Segment) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Dim returns the vector dimensionality.
func (s *Segment) Dim() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Manifest describes the segment's current state for incremental-diff
// purposes: lineage identity plus the row version the next delta must be
// based on.
func (s *Segment) Manifest() model.Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.Manifest{
		manifestKeyLineage:   s.lineage.String(),
		manifestKeyVersion:   float64(s.version),
		manifestKeyDim:       float64(s.dim),
		manifestKeyPoints:    float64(len(s.index)),
		manifestKeyCreatedAt: s.createdAt.Format(time.RFC3339Nano),
	}
}

// Close releases the segment. Writable segments checkpoint first so the next
// open does not need a WAL replay.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if s.wal != nil {
		var cerr error
		if s.wal.Ops() > 0 {
			s.compactLocked()
			if err := s.writeStateLocked(filepath.Join(s.path, segmentFileName)); err == nil {
				cerr = s.wal.Truncate()
			} else {
				cerr = err
			}
		}
		if err := s.wal.Close(); err != nil && cerr == nil {
			cerr = err
		}
		return cerr
	}
	return nil
}

func vectorNorm(v []float32) float32 {
	return sqrt32(distance.Dot(v, v))
}
