package wal

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/hupe1980/edgevec/model"
)

// RecordType identifies the type of WAL record.
type RecordType uint8

const (
	// RecordTypeUpsert logs a point insert-or-replace.
	RecordTypeUpsert RecordType = 1
	// RecordTypeDeleteBefore logs a delete of all points whose sync
	// timestamp is at or below the watermark.
	RecordTypeDeleteBefore RecordType = 2
)

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

// maxRecordSize bounds a single record payload (vectors are small; a corrupt
// length field must not cause a huge allocation during replay).
const maxRecordSize = 16 * 1024 * 1024

// Record represents a single operation in the WAL.
type Record struct {
	Type      RecordType
	Point     model.Point // set for upserts
	Watermark float64     // set for delete-before records
}

// Encode writes the record to w.
//
// Frame: [CRC32: 4][Type: 1][Length: 4][Payload: Length]
// Payload for Upsert: [ID: 16][Timestamp: 8][PathLen: 4][Path][Dim: 4][Vector: Dim*4]
// Payload for DeleteBefore: [Watermark: 8]
func (r *Record) Encode(w io.Writer) error {
	payload, err := r.encodePayload()
	if err != nil {
		return err
	}

	header := make([]byte, 5)
	header[0] = byte(r.Type)
	binary.LittleEndian.PutUint32(header[1:], uint32(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)

	frame := make([]byte, 0, 4+len(header)+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, crc.Sum32())
	frame = append(frame, header...)
	frame = append(frame, payload...)

	_, err = w.Write(frame)
	return err
}

func (r *Record) encodePayload() ([]byte, error) {
	switch r.Type {
	case RecordTypeUpsert:
		p := r.Point
		path := []byte(p.Payload.ImagePath)
		buf := make([]byte, 0, 16+8+4+len(path)+4+len(p.Vector)*4)
		buf = append(buf, p.ID[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Payload.SyncTimestamp))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(path)))
		buf = append(buf, path...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(p.Vector)))
		for _, v := range p.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		return buf, nil
	case RecordTypeDeleteBefore:
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, math.Float64bits(r.Watermark))
		return buf, nil
	default:
		return nil, ErrInvalidType
	}
}

// Decode reads a single record from r. It returns the number of bytes
// consumed so replay can report the last valid offset.
func Decode(r io.Reader) (*Record, int64, error) {
	var crcBuf [4]byte
	if _, err := io.ReadFull(r, crcBuf[:]); err != nil {
		return nil, 0, err
	}
	checksum := binary.LittleEndian.Uint32(crcBuf[:])

	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, 4, err
	}

	recType := RecordType(header[0])
	length := binary.LittleEndian.Uint32(header[1:])
	if length > maxRecordSize {
		return nil, 4 + 5, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, 4 + 5, err
	}

	crc := crc32.NewIEEE()
	crc.Write(header)
	crc.Write(payload)
	if crc.Sum32() != checksum {
		return nil, 4 + 5 + int64(length), ErrInvalidCRC
	}

	rec := &Record{Type: recType}
	switch recType {
	case RecordTypeUpsert:
		if err := parseUpsert(payload, rec); err != nil {
			return nil, 4 + 5 + int64(length), err
		}
	case RecordTypeDeleteBefore:
		if len(payload) < 8 {
			return nil, 4 + 5 + int64(length), ErrShortRead
		}
		rec.Watermark = math.Float64frombits(binary.LittleEndian.Uint64(payload))
	default:
		return nil, 4 + 5 + int64(length), ErrInvalidType
	}

	return rec, 4 + 5 + int64(length), nil
}

func parseUpsert(payload []byte, rec *Record) error {
	if len(payload) < 16+8+4 {
		return ErrShortRead
	}
	var id uuid.UUID
	copy(id[:], payload[:16])
	offset := 16

	ts := math.Float64frombits(binary.LittleEndian.Uint64(payload[offset:]))
	offset += 8

	pathLen := int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	if len(payload) < offset+pathLen+4 {
		return ErrShortRead
	}
	path := string(payload[offset : offset+pathLen])
	offset += pathLen

	dim := int(binary.LittleEndian.Uint32(payload[offset:]))
	offset += 4
	if len(payload) < offset+dim*4 {
		return ErrShortRead
	}
	vec := make([]float32, dim)
	for i := 0; i < dim; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[offset:]))
		offset += 4
	}

	rec.Point = model.Point{
		ID:     id,
		Vector: vec,
		Payload: model.Payload{
			ImagePath:     path,
			SyncTimestamp: ts,
		},
	}
	return nil
}
