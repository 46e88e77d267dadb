package http

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

// Compression type constants.
const (
	CompressionNone   = "none"
	CompressionGzip   = "gzip"
	CompressionZstd   = "zstd"
	CompressionZlib   = "zlib"
	CompressionSnappy = "snappy"
)

// Compressor compresses request payloads with a configured algorithm.
type Compressor struct {
	encoding string
	compress func(data []byte) ([]byte, error)
	closer   io.Closer
}

// NewCompressor creates a Compressor for the given algorithm.
func NewCompressor(algorithm string) (*Compressor, error) {
	switch algorithm {
	case CompressionNone, "":
		return &Compressor{
			compress: func(data []byte) ([]byte, error) { return data, nil },
		}, nil
	case CompressionGzip:
		return &Compressor{
			encoding: "gzip",
			compress: func(data []byte) ([]byte, error) {
				return compressWriter(data, func(buf *bytes.Buffer) io.WriteCloser {
					return gzip.NewWriter(buf)
				})
			},
		}, nil
	case CompressionZlib:
		return &Compressor{
			encoding: "deflate",
			compress: func(data []byte) ([]byte, error) {
				return compressWriter(data, func(buf *bytes.Buffer) io.WriteCloser {
					return zlib.NewWriter(buf)
				})
			},
		}, nil
	case CompressionSnappy:
		return &Compressor{
			encoding: "snappy",
			compress: func(data []byte) ([]byte, error) {
				return snappy.Encode(nil, data), nil
			},
		}, nil
	case CompressionZstd:
		// The zstd encoder is expensive to create, so build it once.
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}

		return &Compressor{
			encoding: "zstd",
			compress: func(data []byte) ([]byte, error) {
				return encoder.EncodeAll(data, make([]byte, 0, len(data))), nil
			},
			closer: encoder,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

// Compress compresses the payload.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	return c.compress(data)
}

// ContentEncoding returns the Content-Encoding header value, or "" when the
// payload is sent uncompressed.
func (c *Compressor) ContentEncoding() string {
	return c.encoding
}

// Close releases encoder resources.
func (c *Compressor) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}

	return nil
}

func compressWriter(
	data []byte,
	newWriter func(buf *bytes.Buffer) io.WriteCloser,
) ([]byte, error) {
	var buf bytes.Buffer

	w := newWriter(&buf)

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress write: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress close: %w", err)
	}

	return buf.Bytes(), nil
}

// DecompressGzip decompresses gzip data (for testing).
func DecompressGzip(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// DecompressZlib decompresses zlib data (for testing).
func DecompressZlib(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}

// DecompressZstd decompresses zstd data (for testing).
func DecompressZstd(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.DecodeAll(data, nil)
}

// DecompressSnappy decompresses snappy data (for testing).
func DecompressSnappy(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}
