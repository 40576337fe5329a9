// Package wire implements the length-prefixed framed binary protocol
// described in the core design: a u32 little-endian length prefix
// followed by a tagged payload. All multi-byte integers on the wire
// are little-endian.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLength is the largest payload (tag + fields) a single frame
// may carry. A frame advertising a larger length is a protocol
// violation.
const MaxFrameLength = 1 << 20 // 1 MiB

var (
	// ErrFrameTooLarge is returned when a frame's advertised length
	// exceeds MaxFrameLength.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum length")
	// ErrUnknownTag is returned by Decode when a payload's tag byte
	// does not match any known message.
	ErrUnknownTag = errors.New("wire: unknown message tag")
	// ErrTruncated is returned when a payload is shorter than its
	// message type requires.
	ErrTruncated = errors.New("wire: truncated payload")
	// ErrEmptyPayload is returned when a frame carries zero bytes (no
	// tag byte at all).
	ErrEmptyPayload = errors.New("wire: empty frame payload")
)

// WriteFrame encodes msg and writes the length-prefixed frame to w.
func WriteFrame(w io.Writer, msg Message) error {
	payload, err := EncodePayload(msg)
	if err != nil {
		return fmt.Errorf("wire: encode %s: %w", msg.Tag(), err)
	}
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: write payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and decodes it into
// a Message. It never reads past the length the frame itself
// advertises.
func ReadFrame(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	if length == 0 {
		return nil, ErrEmptyPayload
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: read payload: %w", err)
	}

	return DecodePayload(payload)
}
