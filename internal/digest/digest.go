// Package digest computes SHA-256 digests used as the resume and
// sync-mode integrity check (§3, §4.6, §4.8). The protocol's manifest
// and resume-reply digests are both plain SHA-256, not a rolling or
// content-defined hash — resume only ever needs "does my local prefix
// match the sender's", not a diff.
package digest

import (
	"crypto/sha256"
	"fmt"
	"io"
)

// Zero is the sentinel digest meaning "unknown" (§4.1's MANIFEST
// digest field is zeroed when the sender has not computed one yet).
var Zero [32]byte

// IsZero reports whether d is the sentinel "unknown digest" value.
func IsZero(d [32]byte) bool { return d == Zero }

// File computes the SHA-256 digest of the first n bytes of r (or the
// whole stream if n < 0). Used both by the sender to lazily hash a
// file before sending and by the receiver to hash an on-disk prefix
// when answering a RESUME_QUERY.
func File(r io.Reader, n int64) ([32]byte, error) {
	h := sha256.New()
	var (
		written int64
		err     error
	)
	if n < 0 {
		written, err = io.Copy(h, r)
	} else {
		written, err = io.CopyN(h, r, n)
		if err == io.EOF {
			err = nil
		}
	}
	if err != nil {
		return Zero, fmt.Errorf("digest: read %d bytes: %w", written, err)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}

// MTimeToken synthesizes a cheap equality marker from an entry's size
// and modification time, used by sync mode (§4.8) as a stand-in for a
// full content digest when the manifest did not carry one: both the
// sender (from its local plan entry) and the receiver (from the
// manifest it just parsed, compared against its own file's mtime) can
// compute this independently, so the wire's existing have_digest field
// can carry "size and mtime agree" without a dedicated protocol field.
func MTimeToken(size uint64, modTimeMs int64) [32]byte {
	return sha256.Sum256(fmt.Appendf(nil, "%d:%d", size, modTimeMs))
}

// Streaming accumulates a SHA-256 digest incrementally, used by the
// receiver while chunks arrive so the FILE_END digest check never
// requires a second full read of the file.
type Streaming struct {
	h interface {
		io.Writer
		Sum(b []byte) []byte
	}
}

// NewStreaming returns a fresh incremental digest.
func NewStreaming() *Streaming {
	return &Streaming{h: sha256.New()}
}

// Write feeds bytes into the digest. It never fails.
func (s *Streaming) Write(p []byte) (int, error) { return s.h.Write(p) }

// Sum returns the digest of everything written so far.
func (s *Streaming) Sum() [32]byte {
	var out [32]byte
	copy(out[:], s.h.Sum(nil))
	return out
}
