package proto

import (
	"sync"

	"github.com/klauspost/compress/zstd"
)

const (
	EncodingJSON = "json"
	EncodingZstd = "zstd"

	// DefaultCompressThreshold is the body size above which push bodies are compressed.
	DefaultCompressThreshold = 4 << 10
	// MaxBodySize bounds a decompressed body.
	MaxBodySize = 8 << 20
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
	zstdErr  error
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEnc, zstdErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zstdErr != nil {
			return
		}
		zstdDec, zstdErr = zstd.NewReader(nil,
			zstd.WithDecoderMaxMemory(MaxBodySize),
			zstd.WithDecoderConcurrency(0))
	})
	return zstdEnc, zstdDec, zstdErr
}

func compressBody(body []byte) ([]byte, error) {
	enc, _, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	return enc.EncodeAll(body, make([]byte, 0, len(body)/2)), nil
}

func decompressBody(body []byte) ([]byte, error) {
	_, dec, err := zstdCodec()
	if err != nil {
		return nil, err
	}
	out, err := dec.DecodeAll(body, nil)
	if err != nil {
		return nil, malformed("zstd body", err)
	}
	if len(out) > MaxBodySize {
		return nil, malformed("body too large", nil)
	}
	return out, nil
}
