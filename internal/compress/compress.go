// Package compress implements the per-chunk LZ4 policy (§4.4) and the
// receiver-side archive extraction paths, both streaming and
// on-disk, for the transfer engine.
package compress

import (
	"encoding/binary"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// rejectionThreshold: a compressed chunk is kept only if it is
// smaller than this fraction of the original size, otherwise the raw
// bytes are sent uncompressed.
const rejectionThreshold = 0.97

// CompressChunk compresses p with LZ4 block format. It reports
// ok=false when the compressed form is not at least 3% smaller than
// p, in which case the caller should send p raw and leave
// ChunkCompressed unset. The returned bytes are prefixed with p's
// original length (u32 little-endian): LZ4 block format has no
// embedded size, and the wire protocol's CHUNK message carries only
// payload_len (the length of whatever bytes are sent, compressed or
// not), so the original length travels inside the opaque payload
// itself rather than as a new wire field.
func CompressChunk(p []byte) (wirePayload []byte, ok bool, err error) {
	if len(p) == 0 {
		return nil, false, nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(p)))
	var c lz4.Compressor
	n, err := c.CompressBlock(p, buf)
	if err != nil {
		return nil, false, err
	}
	if n == 0 || float64(n) >= rejectionThreshold*float64(len(p)) {
		return nil, false, nil
	}

	out := make([]byte, 4+n)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(p)))
	copy(out[4:], buf[:n])
	return out, true, nil
}

// DecompressChunk reverses CompressChunk, reading the original length
// back out of the payload's 4-byte prefix.
func DecompressChunk(wirePayload []byte) ([]byte, error) {
	if len(wirePayload) < 4 {
		return nil, fmt.Errorf("compress: compressed chunk payload shorter than length prefix")
	}
	originalSize := binary.LittleEndian.Uint32(wirePayload[:4])
	out := make([]byte, originalSize)
	n, err := lz4.UncompressBlock(wirePayload[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}
