// Package msgcodec compresses timeline item payloads before they are
// written to a segment file or held in memory, so that large tool
// output and assistant turns don't dominate disk and broadcast-buffer
// usage.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the algorithm (if any) used to compress a
// stored payload. It is itself stored alongside the payload so that
// Decompress knows how to reverse it.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// Threshold is the minimum payload size, in bytes, above which Encode
// compresses rather than passing the data through unchanged.
const Threshold = 1024

var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Encode compresses data with zstd when it is at least Threshold bytes,
// returning the stored bytes and the compression used. Small payloads
// are passed through uncompressed, since zstd framing overhead would
// otherwise dominate.
func Encode(data []byte) ([]byte, Compression) {
	if len(data) < Threshold {
		return data, CompressionNone
	}
	return encoder.EncodeAll(data, make([]byte, 0, len(data)/2)), CompressionZstd
}

// Decode reverses Encode given the Compression it recorded.
func Decode(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %v", compression)
	}
}
