package segment

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression defines the algorithm used for snapshot data blocks.
type Compression uint8

const (
	// CompressionNone stores blocks uncompressed.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, lighter ratio).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD block compression (better ratio). Default.
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

const blockHeaderSize = 8

// compressBlock compresses a block using the specified algorithm.
// Block format: [UncompressedSize uint32][CompressedSize uint32][Data...].
// CompressedSize == 0 means the block is stored uncompressed, which also
// happens when compression does not pay off (ratio > 0.9).
func compressBlock(data []byte, c Compression) ([]byte, error) {
	var compressed []byte
	var err error

	switch c {
	case CompressionLZ4:
		compressed, err = compressBlockLZ4(data)
	case CompressionZSTD:
		compressed, err = compressBlockZSTD(data)
	case CompressionNone:
		// Stored uncompressed below.
	default:
		return nil, errors.New("unknown compression type")
	}
	if err != nil {
		return nil, err
	}

	if len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		result := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
		binary.LittleEndian.PutUint32(result[4:], 0)
		copy(result[blockHeaderSize:], data)
		return result, nil
	}

	result := make([]byte, blockHeaderSize+len(compressed))
	binary.LittleEndian.PutUint32(result[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(result[4:], uint32(len(compressed)))
	copy(result[blockHeaderSize:], compressed)
	return result, nil
}

func compressBlockLZ4(data []byte) ([]byte, error) {
	compressed := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, compressed, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return compressed[:n], nil
}

func compressBlockZSTD(data []byte) ([]byte, error) {
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)
	return enc.EncodeAll(data, nil), nil
}

// decompressBlock decompresses a block written by compressBlock.
func decompressBlock(data []byte, c Compression) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, errors.New("block too small for header")
	}

	uncompressedSize := binary.LittleEndian.Uint32(data[0:])
	compressedSize := binary.LittleEndian.Uint32(data[4:])

	if compressedSize == 0 {
		if uint32(len(data)) < blockHeaderSize+uncompressedSize {
			return nil, errors.New("block data too small")
		}
		return data[blockHeaderSize : blockHeaderSize+uncompressedSize], nil
	}

	if uint32(len(data)) < blockHeaderSize+compressedSize {
		return nil, errors.New("compressed block data too small")
	}
	compressedData := data[blockHeaderSize : blockHeaderSize+compressedSize]

	switch c {
	case CompressionLZ4:
		result := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(compressedData, result)
		if err != nil {
			return nil, err
		}
		if uint32(n) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return result, nil

	case CompressionZSTD:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		decoded, err := dec.DecodeAll(compressedData, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, err
		}
		if uint32(len(decoded)) != uncompressedSize {
			return nil, errors.New("decompressed size mismatch")
		}
		return decoded, nil

	default:
		return nil, errors.New("unknown compression type")
	}
}
