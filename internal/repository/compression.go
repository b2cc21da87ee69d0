// Copyright 2025 James Ross

// Package repository's payload codec compresses large JSON execution and
// validation payloads before they hit the backing store. Grounded on
// internal/smart-payload-deduplication's ZstdCompressor (encoder/decoder
// pair, EncodeAll/DecodeAll, single-threaded concurrency for determinism),
// generalized from content-addressed payload dedup to a simple
// size-gated compress-before-write step ahead of Redis/SQL persistence.
package repository

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// compressionMarker prefixes every value this codec writes so Decode can
// tell a zstd-compressed payload from one written before compression was
// enabled (or below the size threshold), without a second lookup.
type compressionMarker byte

const (
	markerRaw        compressionMarker = 0x00
	markerZstd       compressionMarker = 0x01
	compressionFloor                   = 512 // bytes; payloads below this aren't worth compressing
)

// payloadCodec compresses/decompresses ExecutionRecord and ValidationResult
// JSON payloads above compressionFloor bytes. A nil *payloadCodec (or one
// built with enabled=false) is a passthrough, so callers can construct it
// unconditionally from config.Executor.CompressPayloads.
type payloadCodec struct {
	enabled bool
	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex
	stats CompressionStats
}

// CompressionStats tracks cumulative codec activity, readable through
// RedisStore.CompressionStats.
type CompressionStats struct {
	PayloadsCompressed int64
	BytesIn            int64
	BytesOut           int64
}

// newPayloadCodec builds a codec. EncodeAll/DecodeAll on klauspost's zstd
// encoder/decoder are documented safe for concurrent use, so one pair is
// shared across every repository call, same as the teacher's compressor.
func newPayloadCodec(enabled bool) (*payloadCodec, error) {
	if !enabled {
		return &payloadCodec{enabled: false}, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("repository: creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("repository: creating zstd decoder: %w", err)
	}
	return &payloadCodec{enabled: true, encoder: enc, decoder: dec}, nil
}

// encode compresses payload when the codec is enabled and payload clears
// compressionFloor, prefixing a marker byte either way so decode is
// self-describing.
func (c *payloadCodec) encode(payload []byte) []byte {
	if c == nil || !c.enabled || len(payload) < compressionFloor {
		return append([]byte{byte(markerRaw)}, payload...)
	}
	compressed := c.encoder.EncodeAll(payload, nil)
	c.mu.Lock()
	c.stats.PayloadsCompressed++
	c.stats.BytesIn += int64(len(payload))
	c.stats.BytesOut += int64(len(compressed))
	c.mu.Unlock()
	return append([]byte{byte(markerZstd)}, compressed...)
}

// decode reverses encode. Values written while compression was disabled
// (or that never cleared the floor) carry markerRaw and pass through.
func (c *payloadCodec) decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return stored, nil
	}
	marker, body := compressionMarker(stored[0]), stored[1:]
	switch marker {
	case markerRaw:
		return body, nil
	case markerZstd:
		if c == nil || c.decoder == nil {
			return nil, fmt.Errorf("repository: payload is zstd-compressed but no decoder is configured")
		}
		return c.decoder.DecodeAll(body, nil)
	default:
		return nil, fmt.Errorf("repository: unrecognized payload marker %#x", marker)
	}
}

// Stats returns a snapshot of cumulative compression activity.
func (c *payloadCodec) Stats() CompressionStats {
	if c == nil {
		return CompressionStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
