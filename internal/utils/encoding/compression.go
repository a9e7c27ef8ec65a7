package encoding

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// CompressionType represents different compression algorithms
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGZIP CompressionType = "gzip"
	CompressionZSTD CompressionType = "zstd"
)

// Compressor interface for different compression implementations
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
	Type() CompressionType
}

// NoopCompressor passes data through unchanged
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }
func (NoopCompressor) Type() CompressionType                  { return CompressionNone }

// GZIPCompressor implements GZIP compression
type GZIPCompressor struct {
	level int
}

// NewGZIPCompressor creates a new GZIP compressor
func NewGZIPCompressor(level int) *GZIPCompressor {
	return &GZIPCompressor{level: level}
}

// Compress compresses data using GZIP
func (g *GZIPCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := gzip.NewWriterLevel(&buf, g.level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write gzip data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data
func (g *GZIPCompressor) Decompress(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read gzip data: %w", err)
	}
	return out, nil
}

// Type returns the compression type
func (g *GZIPCompressor) Type() CompressionType { return CompressionGZIP }

// ZSTDCompressor implements Zstandard compression
type ZSTDCompressor struct{}

// Compress compresses data using Zstandard
func (ZSTDCompressor) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

// Decompress decompresses Zstandard data
func (ZSTDCompressor) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read zstd data: %w", err)
	}
	return out, nil
}

// Type returns the compression type
func (ZSTDCompressor) Type() CompressionType { return CompressionZSTD }

// NewCompressor returns the compressor for the named algorithm. An empty
// name selects gzip.
func NewCompressor(t CompressionType) (Compressor, error) {
	switch t {
	case CompressionGZIP, "":
		return NewGZIPCompressor(gzip.DefaultCompression), nil
	case CompressionZSTD:
		return ZSTDCompressor{}, nil
	case CompressionNone:
		return NoopCompressor{}, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %q", t)
	}
}

// Detect guesses the compression of data from its magic bytes.
func Detect(data []byte) CompressionType {
	switch {
	case len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b:
		return CompressionGZIP
	case len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd:
		return CompressionZSTD
	default:
		return CompressionNone
	}
}

// CalculateCompressionRatio calculates compression ratio
func CalculateCompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(compressedSize) / float64(originalSize)
}
