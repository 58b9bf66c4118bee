package repository

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Payloads at or above this size are stored zstd-compressed. Audio chunks
// dominate queue size on a device; small location fixes are not worth the
// frame overhead.
const compressThreshold = 1024

const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

// Encoder and decoder are safe for concurrent EncodeAll/DecodeAll calls.
var (
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
)

// encodePayload returns the bytes to store and their encoding tag.
func encodePayload(p []byte) ([]byte, string) {
	if len(p) < compressThreshold {
		return p, encodingRaw
	}
	compressed := zstdEncoder.EncodeAll(p, make([]byte, 0, len(p)/2))
	if len(compressed) >= len(p) {
		return p, encodingRaw
	}
	return compressed, encodingZstd
}

func decodePayload(stored []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingRaw, "":
		return stored, nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", encoding)
	}
}
