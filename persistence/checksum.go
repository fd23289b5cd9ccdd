package persistence

import (
	"hash"
	"hash/crc32"
	"io"
)

// Checksum utilities for snapshot integrity verification.
//
// CRC32 (IEEE polynomial) detects accidental storage corruption. It is NOT
// cryptographically secure; do not use it for tamper detection.

// ChecksumWriter wraps an io.Writer and computes a running CRC32 checksum.
type ChecksumWriter struct {
	w    io.Writer
	hash hash.Hash32
}

// NewChecksumWriter creates a new checksumming writer.
func NewChecksumWriter(w io.Writer) *ChecksumWriter {
	return &ChecksumWriter{w: w, hash: crc32.NewIEEE()}
}

// Write implements io.Writer.
func (cw *ChecksumWriter) Write(p []byte) (int, error) {
	if _, err := cw.hash.Write(p); err != nil {
		return 0, err
	}
	return cw.w.Write(p)
}

// Sum32 returns the checksum of everything written so far.
func (cw *ChecksumWriter) Sum32() uint32 {
	return cw.hash.Sum32()
}

// ChecksumReader wraps an io.Reader and computes a running CRC32 checksum.
type ChecksumReader struct {
	r    io.Reader
	hash hash.Hash32
}

// NewChecksumReader creates a new checksumming reader.
func NewChecksumReader(r io.Reader) *ChecksumReader {
	return &ChecksumReader{r: r, hash: crc32.NewIEEE()}
}

// Read implements io.Reader.
func (cr *ChecksumReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.hash.Write(p[:n])
	}
	return n, err
}

// Sum32 returns the checksum of everything read so far.
func (cr *ChecksumReader) Sum32() uint32 {
	return cr.hash.Sum32()
}
