// Package compress handles compression of record output blobs (stdout,
// stderr, error payloads). The compression algorithm is stored as data on
// the output row rather than hard-wired, so stored blobs remain readable
// when the server default changes.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Type identifies the compression algorithm of a stored blob.
type Type string

const (
	TypeNone Type = "none"
	TypeLZMA Type = "lzma"
	TypeZstd Type = "zstd"
)

// DefaultLevel is the zstd level used when callers pass level 0.
const DefaultLevel = 3

// Compress compresses data with the given algorithm and level. It returns
// the stored bytes and the level actually applied (level 0 selects the
// algorithm default).
func Compress(ctype Type, data []byte, level int) ([]byte, int, error) {
	switch ctype {
	case TypeNone:
		return data, 0, nil
	case TypeZstd:
		if level == 0 {
			level = DefaultLevel
		}
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create zstd writer: %w", err)
		}
		if _, err := enc.Write(data); err != nil {
			enc.Close()
			return nil, 0, fmt.Errorf("failed to compress with zstd: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, 0, fmt.Errorf("failed to finish zstd stream: %w", err)
		}
		return buf.Bytes(), level, nil
	case TypeLZMA:
		var buf bytes.Buffer
		w, err := lzma.NewWriter(&buf)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create lzma writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, 0, fmt.Errorf("failed to compress with lzma: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, 0, fmt.Errorf("failed to finish lzma stream: %w", err)
		}
		return buf.Bytes(), level, nil
	default:
		return nil, 0, fmt.Errorf("unknown compression type: %s", ctype)
	}
}

// Decompress restores the original payload of a stored blob byte-for-byte.
func Decompress(ctype Type, data []byte) ([]byte, error) {
	switch ctype {
	case TypeNone:
		return data, nil
	case TypeZstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress zstd data: %w", err)
		}
		return out, nil
	case TypeLZMA:
		r, err := lzma.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to create lzma reader: %w", err)
		}
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress lzma data: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown compression type: %s", ctype)
	}
}
