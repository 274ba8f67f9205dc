// Package compress wraps zstd compression for blob storage, with a
// passthrough fallback when reading data that was never compressed.
package compress

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the four-byte magic number at the start of every zstd frame.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Codec compresses and decompresses blob content at a fixed level.
type Codec struct {
	level zstd.EncoderLevel
}

// New returns a Codec at the given zstd level (1-22 roughly; values
// outside klauspost/compress's accepted range are clamped by the
// library itself). A level of 0 selects zstd's default level.
func New(level int) *Codec {
	enc := zstd.EncoderLevelFromZstd(level)
	if level <= 0 {
		enc = zstd.SpeedDefault
	}
	return &Codec{level: enc}
}

// Compress returns the zstd-compressed form of data.
func (c *Codec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, make([]byte, 0, len(data))), nil
}

// Decompress reverses Compress. If data does not begin with the zstd
// magic number it is returned unchanged — content written before
// compression was enabled, or with compression disabled, round-trips
// as plain bytes.
func (c *Codec) Decompress(data []byte) ([]byte, error) {
	if !hasZstdMagic(data) {
		return data, nil
	}
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return out, nil
}

func hasZstdMagic(data []byte) bool {
	if len(data) < len(zstdMagic) {
		return false
	}
	for i, b := range zstdMagic {
		if data[i] != b {
			return false
		}
	}
	return true
}
