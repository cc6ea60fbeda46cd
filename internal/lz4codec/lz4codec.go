// Package lz4codec implements the 12-byte framed LZ4 encoding used for
// memcached values whose flag bit 0x8000 is set (spec §6):
//
//	offset 0: magic, 4 bytes big-endian, 0x1A7FB4F5
//	offset 4: original length, 4 bytes big-endian, <= 16MiB-1
//	offset 8: XXH32 (seed 0) of the compressed payload, 4 bytes big-endian
//	offset 12..: the LZ4 block
//
// Grounded on the teacher's gzip-based cache compression in
// serv/cache_redis.go (same compress/decompress shape, same
// compress-if-smaller discipline) but using the wire framing and codec
// the spec requires.
package lz4codec

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
	"github.com/pierrec/xxHash/xxhash32"
)

const (
	Magic        uint32 = 0x1A7FB4F5
	HeaderLen           = 12
	MaxOriginal         = 16*1024*1024 - 1 // 16 MiB - 1, per spec §9's open question
	MemcacheFlag        = 0x8000
)

// MinCompressSize is the threshold above which compression is attempted
// (spec §4.3: "larger than ~864 bytes").
const MinCompressSize = 864

// KeepRatio is the maximum fraction of the original size a compressed
// payload may occupy and still be kept (spec §4.3: "strictly smaller than
// 95% of the original").
const KeepRatio = 0.95

var ErrTooLarge = fmt.Errorf("lz4codec: value exceeds %d bytes", MaxOriginal)

// ShouldCompress reports whether a value of this size is a compression
// candidate at all (independent of whether compression ultimately pays
// off), per spec §4.3.
func ShouldCompress(size int, nozip bool) bool {
	return !nozip && size > MinCompressSize && size <= MaxOriginal
}

// Compress produces the framed LZ4 payload for data. It never fails to
// "refuse" silently: callers decide whether to keep the result by
// comparing len(out) against int(float64(len(data))*KeepRatio) — Compress
// itself always returns a valid frame (or an error) so the decision stays
// with the caller, matching the memcached value store path which needs to
// log/account for declined compression (spec §8: "Compress may refuse").
func Compress(data []byte) ([]byte, error) {
	if len(data) > MaxOriginal {
		return nil, ErrTooLarge
	}
	body := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, body)
	if err != nil {
		return nil, fmt.Errorf("lz4codec: compress: %w", err)
	}
	if n == 0 {
		// Incompressible (lz4 reports 0 when the block didn't shrink);
		// store the raw bytes as the "compressed" body so framing stays
		// uniform, but the caller's size check will reject keeping it.
		body = append(body[:0], data...)
		n = len(data)
	}
	body = body[:n]

	out := make([]byte, HeaderLen+len(body))
	binary.BigEndian.PutUint32(out[0:4], Magic)
	binary.BigEndian.PutUint32(out[4:8], uint32(len(data)))
	binary.BigEndian.PutUint32(out[8:12], xxhash32.Checksum(body, 0))
	copy(out[HeaderLen:], body)
	return out, nil
}

// Worthwhile reports whether a Compress result should actually be stored
// in place of the original, per the 95%-of-original rule.
func Worthwhile(original, compressed int) bool {
	return float64(compressed) < float64(original)*KeepRatio
}

// Decompress reverses Compress, validating the magic, checksum and length
// bounds. On any framing violation it returns the error described in
// spec §6 ("an invalid magic, bad hash, or length out of range yields the
// raw value and a warning log line") — callers are expected to fall back
// to treating data as the raw value when this returns an error, and to
// log a warning.
func Decompress(data []byte) ([]byte, error) {
	if len(data) < HeaderLen {
		return nil, fmt.Errorf("lz4codec: frame too short (%d bytes)", len(data))
	}
	magic := binary.BigEndian.Uint32(data[0:4])
	if magic != Magic {
		return nil, fmt.Errorf("lz4codec: bad magic %#x", magic)
	}
	origLen := binary.BigEndian.Uint32(data[4:8])
	if origLen > MaxOriginal {
		return nil, fmt.Errorf("lz4codec: original length %d out of range", origLen)
	}
	wantSum := binary.BigEndian.Uint32(data[8:12])
	body := data[HeaderLen:]
	if gotSum := xxhash32.Checksum(body, 0); gotSum != wantSum {
		return nil, fmt.Errorf("lz4codec: checksum mismatch want=%#x got=%#x", wantSum, gotSum)
	}

	out := make([]byte, origLen)
	n, err := lz4.UncompressBlock(body, out)
	if err != nil {
		// The block may have been stored uncompressed by Compress's
		// incompressible-input fallback.
		if uint32(len(body)) == origLen {
			copy(out, body)
			return out, nil
		}
		return nil, fmt.Errorf("lz4codec: uncompress: %w", err)
	}
	return out[:n], nil
}
