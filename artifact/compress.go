package artifact

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the stream compression wrapped around the tar.
type Compression string

const (
	// CompressionNone writes a plain tar.
	CompressionNone Compression = "none"
	// CompressionZstd wraps the tar in a zstd stream (.tar.zst).
	CompressionZstd Compression = "zstd"
	// CompressionLZ4 wraps the tar in an LZ4 frame (.tar.lz4).
	CompressionLZ4 Compression = "lz4"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// ParseCompression parses a compression name. The empty string means none.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return "", fmt.Errorf("unknown compression %q (must be none, zstd or lz4)", name)
	}
}

// Extension returns the archive file extension for c.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".tar.zst"
	case CompressionLZ4:
		return ".tar.lz4"
	default:
		return ".tar"
	}
}

// CompressionForPath infers compression from an archive file name.
func CompressionForPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".tar.zst"), strings.HasSuffix(path, ".tzst"):
		return CompressionZstd
	case strings.HasSuffix(path, ".tar.lz4"):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// archiveName strips any archive extension from a file base name.
func archiveName(base string) string {
	for _, ext := range []string{".tar.zst", ".tar.lz4", ".tzst", ".tar"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimSuffix(base, ext)
		}
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// compressWriter wraps w according to c. Closing the returned writer
// flushes the compression frame but does not close w.
func compressWriter(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return enc, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nopWriteCloser{w}, nil
	}
}

// decompressReader sniffs the stream's magic bytes and returns a reader
// over the decompressed tar.
func decompressReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, err
	}

	switch {
	case bytes.Equal(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return dec.IOReadCloser(), nil
	case bytes.Equal(head, lz4Magic):
		return io.NopCloser(lz4.NewReader(br)), nil
	default:
		return io.NopCloser(br), nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
