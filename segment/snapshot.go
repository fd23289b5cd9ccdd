package segment

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/uuid"

	"github.com/hupe1980/edgevec/distance"
	"github.com/hupe1980/edgevec/model"
	"github.com/hupe1980/edgevec/persistence"
)

// Snapshot container format.
//
// The same container serves three purposes: the on-disk segment state file,
// the full-snapshot transfer stream, and the partial (delta) stream. Full
// containers carry every row plus the tombstone set; partial containers
// carry only the rows appended after a base version of the same lineage.
//
// Layout (little-endian):
//
//	magic      8  "EDGVSEG\0"
//	version    u32 container format version
//	kind       u8  1=full/state, 2=partial delta
//	compress   u8
//	metric     u8
//	dim        u32
//	lineage    16 bytes (uuid)
//	rowVersion u64 (full: total appended rows; partial: base version)
//	createdAt  i64 unix nanos
//	count      u32 rows in this container
//	rows block       u32 length + compressed block
//	tombstones block u32 length + roaring bitmap (full containers only)
//	crc        u32 of everything above
const (
	snapshotMagic         = "EDGVSEG\x00"
	snapshotFormatVersion = 1

	snapshotKindFull    = 1
	snapshotKindPartial = 2
)

const (
	manifestKeyLineage   = "lineage"
	manifestKeyVersion   = "version"
	manifestKeyDim       = "dim"
	manifestKeyPoints    = "points"
	manifestKeyCreatedAt = "created_at"
)

var (
	// ErrCorruptSnapshot is returned when a snapshot stream cannot be
	// applied: bad framing, checksum failure, or a lineage/baseline that
	// does not match the segment it is applied to.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

type snapshotHeader struct {
	kind        uint8
	compression Compression
	metric      uint8
	dim         int
	lineage     uuid.UUID
	rowVersion  uint64
	createdAt   time.Time
	count       int
}

// WriteSnapshot serializes the segment's full state to w, for transplanting
// the segment into another node's immutable slot.
func (s *Segment) WriteSnapshot(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.writeContainerLocked(w, snapshotKindFull, s.rows, s.version)
}

// writeStateLocked persists the segment state file atomically.
func (s *Segment) writeStateLocked(filename string) error {
	return persistence.SaveToFile(filename, func(w io.Writer) error {
		return s.writeContainerLocked(w, snapshotKindFull, s.rows, s.version)
	})
}

func (s *Segment) writeContainerLocked(w io.Writer, kind uint8, rows []row, rowVersion uint64) error {
	cw := persistence.NewChecksumWriter(w)

	if err := s.writeHeaderLocked(cw, kind, rowVersion, len(rows)); err != nil {
		return err
	}

	block, err := compressBlock(encodeRows(rows, s.dim), s.compression)
	if err != nil {
		return err
	}
	if err := writeLengthPrefixed(cw, block); err != nil {
		return err
	}

	if kind == snapshotKindFull {
		var buf bytes.Buffer
		if _, err := s.tombstones.WriteTo(&buf); err != nil {
			return err
		}
		if err := writeLengthPrefixed(cw, buf.Bytes()); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.LittleEndian, cw.Sum32())
}

func (s *Segment) writeHeaderLocked(w io.Writer, kind uint8, rowVersion uint64, count int) error {
	buf := make([]byte, 0, 8+4+3+4+16+8+8+4)
	buf = append(buf, snapshotMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, snapshotFormatVersion)
	buf = append(buf, kind, byte(s.compression), byte(s.metric))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.dim))
	buf = append(buf, s.lineage[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, rowVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.createdAt.UnixNano()))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(count))
	_, err := w.Write(buf)
	return err
}

func readHeader(r io.Reader) (*snapshotHeader, error) {
	buf := make([]byte, 8+4+3+4+16+8+8+4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short header: %w", ErrCorruptSnapshot, err)
	}
	if string(buf[:8]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, buf[:8])
	}
	if v := binary.LittleEndian.Uint32(buf[8:]); v != snapshotFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorruptSnapshot, v)
	}

	h := &snapshotHeader{
		kind:        buf[12],
		compression: Compression(buf[13]),
		metric:      buf[14],
		dim:         int(binary.LittleEndian.Uint32(buf[15:])),
	}
	copy(h.lineage[:], buf[19:35])
	h.rowVersion = binary.LittleEndian.Uint64(buf[35:])
	h.createdAt = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[43:]))).UTC()
	h.count = int(binary.LittleEndian.Uint32(buf[51:]))

	if h.kind != snapshotKindFull && h.kind != snapshotKindPartial {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorruptSnapshot, h.kind)
	}
	if h.dim <= 0 {
		return nil, fmt.Errorf("%w: invalid dimension %d", ErrCorruptSnapshot, h.dim)
	}
	return h, nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if n > maxSnapshotBlockSize {
		return nil, fmt.Errorf("%w: block too large (%d bytes)", ErrCorruptSnapshot, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// maxSnapshotBlockSize bounds a single container block so corrupt length
// fields cannot trigger huge allocations.
const maxSnapshotBlockSize = 1 << 31

func encodeRows(rows []row, dim int) []byte {
	size := 0
	for _, r := range rows {
		size += 16 + 8 + 4 + len(r.payload.ImagePath) + dim*4
	}
	buf := make([]byte, 0, size)
	for _, r := range rows {
		buf = append(buf, r.id[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(r.payload.SyncTimestamp))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.payload.ImagePath)))
		buf = append(buf, r.payload.ImagePath...)
		for _, v := range r.vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
	}
	return buf
}

func decodeRows(data []byte, dim, count int) ([]row, error) {
	rows := make([]row, 0, count)
	offset := 0
	for i := 0; i < count; i++ {
		if len(data) < offset+16+8+4 {
			return nil, fmt.Errorf("%w: truncated row %d", ErrCorruptSnapshot, i)
		}
		var r row
		copy(r.id[:], data[offset:])
		offset += 16
		r.payload.SyncTimestamp = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8
		pathLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if len(data) < offset+pathLen+dim*4 {
			return nil, fmt.Errorf("%w: truncated row %d", ErrCorruptSnapshot, i)
		}
		r.payload.ImagePath = string(data[offset : offset+pathLen])
		offset += pathLen
		r.vector = make([]float32, dim)
		for j := 0; j < dim; j++ {
			r.vector[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
			offset += 4
		}
		r.norm = vectorNorm(r.vector)
		rows = append(rows, r)
	}
	return rows, nil
}

// loadState reads a full container from the segment state file.
func (s *Segment) loadState(filename string) error {
	return persistence.LoadFromFile(filename, func(r io.Reader) error {
		h, rows, tombstones, err := readContainer(r)
		if err != nil {
			if errors.Is(err, ErrCorruptSnapshot) {
				return fmt.Errorf("%w: %s: %w", ErrCorrupt, filename, err)
			}
			return err
		}
		if h.kind != snapshotKindFull {
			return fmt.Errorf("%w: %s: state file holds a partial container", ErrCorrupt, filename)
		}

		s.dim = h.dim
		s.metric = distance.Metric(h.metric)
		s.compression = h.compression
		if s.compression == CompressionNone {
			s.compression = CompressionZSTD
		}
		s.lineage = h.lineage
		s.version = h.rowVersion
		s.createdAt = h.createdAt
		s.rows = rows
		s.tombstones = tombstones
		s.index = make(map[uuid.UUID]int, len(rows))
		for i, r := range rows {
			if !tombstones.Contains(uint32(i)) {
				s.index[r.id] = i
			}
		}
		return nil
	})
}

// readContainer parses a container stream and verifies its checksum.
// The returned tombstone set is non-nil only for full containers.
func readContainer(r io.Reader) (*snapshotHeader, []row, *roaring.Bitmap, error) {
	cr := persistence.NewChecksumReader(r)

	h, err := readHeader(cr)
	if err != nil {
		return nil, nil, nil, err
	}

	rowsBlock, err := readLengthPrefixed(cr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: rows block: %w", ErrCorruptSnapshot, err)
	}
	rowData, err := decompressBlock(rowsBlock, h.compression)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: rows block: %w", ErrCorruptSnapshot, err)
	}
	rows, err := decodeRows(rowData, h.dim, h.count)
	if err != nil {
		return nil, nil, nil, err
	}

	var tombstones *roaring.Bitmap
	if h.kind == snapshotKindFull {
		tombBlock, err := readLengthPrefixed(cr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("%w: tombstone block: %w", ErrCorruptSnapshot, err)
		}
		tombstones = roaring.New()
		if err := tombstones.UnmarshalBinary(tombBlock); err != nil {
			return nil, nil, nil, fmt.Errorf("%w: tombstone block: %w", ErrCorruptSnapshot, err)
		}
	}

	sum := cr.Sum32()
	var crc uint32
	if err := binary.Read(r, binary.LittleEndian, &crc); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: missing checksum: %w", ErrCorruptSnapshot, err)
	}
	if crc != sum {
		return nil, nil, nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}

	return h, rows, tombstones, nil
}

// Restore unpacks a full snapshot stream into target and opens the restored
// segment. The partially written directory is removed on failure.
func Restore(r io.Reader, target string) (*Segment, error) {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, err
	}

	if err := persistence.SaveToFile(filepath.Join(target, segmentFileName), func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	}); err != nil {
		return nil, err
	}

	s, err := Open(target, nil)
	if err != nil {
		_ = os.Remove(filepath.Join(target, segmentFileName))
		if errors.Is(err, ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrCorruptSnapshot, err)
		}
		return nil, err
	}
	return s, nil
}

// ApplyPartialSnapshot extends the segment in place with a delta stream.
// The delta must descend from this segment's lineage and be based on its
// exact current version; otherwise ErrCorruptSnapshot is returned and the
// segment is left unchanged.
//
// The stream is consumed and decoded before the segment locks, so a slow
// reader (a network body) never stalls concurrent queries.
func (s *Segment) ApplyPartialSnapshot(r io.Reader) error {
	h, rows, _, err := readContainer(r)
	if err != nil {
		return err
	}
	if h.kind != snapshotKindPartial {
		return fmt.Errorf("%w: expected a partial container", ErrCorruptSnapshot)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if h.lineage != s.lineage {
		return fmt.Errorf("%w: lineage mismatch (have %s, delta %s)", ErrCorruptSnapshot, s.lineage, h.lineage)
	}
	if h.rowVersion != s.version {
		return fmt.Errorf("%w: delta base version %d does not match segment version %d", ErrCorruptSnapshot, h.rowVersion, s.version)
	}
	if h.dim != s.dim {
		return fmt.Errorf("%w: dimension mismatch (have %d, delta %d)", ErrCorruptSnapshot, s.dim, h.dim)
	}

	for _, r := range rows {
		s.applyUpsert(model.Point{ID: r.id, Vector: r.vector, Payload: r.payload})
	}

	return s.writeStateLocked(filepath.Join(s.path, segmentFileName))
}

// WriteDelta serializes the rows appended since the base manifest was
// captured. Used by the authority side of the snapshot protocol and by
// tests; the edge node itself only applies deltas.
func (s *Segment) WriteDelta(w io.Writer, base model.Manifest) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	lineage, baseVersion, err := parseBaseManifest(base)
	if err != nil {
		return err
	}
	if lineage != s.lineage {
		return fmt.Errorf("%w: lineage mismatch (have %s, base %s)", ErrCorruptSnapshot, s.lineage, lineage)
	}
	if baseVersion > s.version {
		return fmt.Errorf("%w: base version %d is ahead of segment version %d", ErrCorruptSnapshot, baseVersion, s.version)
	}
	if s.compacted || s.version != uint64(len(s.rows)) {
		return fmt.Errorf("segment: history was compacted; a full snapshot is required")
	}

	return s.writeContainerLocked(w, snapshotKindPartial, s.rows[baseVersion:], baseVersion)
}

func parseBaseManifest(m model.Manifest) (uuid.UUID, uint64, error) {
	lineageStr, ok := m.String(manifestKeyLineage)
	if !ok {
		return uuid.Nil, 0, fmt.Errorf("%w: manifest missing lineage", ErrCorruptSnapshot)
	}
	lineage, err := uuid.Parse(lineageStr)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: manifest lineage: %w", ErrCorruptSnapshot, err)
	}
	version, ok := m.Number(manifestKeyVersion)
	if !ok || version < 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: manifest missing version", ErrCorruptSnapshot)
	}
	return lineage, uint64(version), nil
}
