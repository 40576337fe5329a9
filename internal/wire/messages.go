package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Message tags, per the wire protocol table.
const (
	TagHello        byte = 0x01
	TagManifest     byte = 0x02
	TagResumeQuery  byte = 0x03
	TagResumeReply  byte = 0x04
	TagFileBegin    byte = 0x05
	TagChunk        byte = 0x06
	TagFileEnd      byte = 0x07
	TagSessionEnd   byte = 0x08
	TagError        byte = 0x7F
)

// CompressionSupported is bit 0 of Hello.Flags.
const CompressionSupported uint32 = 1 << 0

// ChunkCompressed is bit 0 of Chunk.Flags.
const ChunkCompressed byte = 1 << 0

// Error codes carried in ErrorMsg.Code. These are this protocol's own
// codes, not transport-level errno values.
const (
	CodeProtocolViolation    uint16 = 1
	CodeUnknownTag           uint16 = 2
	CodeFrameTooLarge        uint16 = 3
	CodePathTraversal        uint16 = 4
	CodeIllegalState         uint16 = 5
	CodeSizeMismatch         uint16 = 6
	CodeDigestMismatch       uint16 = 7
	CodeTransportNotReliable uint16 = 8
	CodeCancelled            uint16 = 9
	CodeIOError              uint16 = 10
)

// tagName returns a human-readable name for a tag, for logging.
func tagName(tag byte) string {
	switch tag {
	case TagHello:
		return "HELLO"
	case TagManifest:
		return "MANIFEST"
	case TagResumeQuery:
		return "RESUME_QUERY"
	case TagResumeReply:
		return "RESUME_REPLY"
	case TagFileBegin:
		return "FILE_BEGIN"
	case TagChunk:
		return "CHUNK"
	case TagFileEnd:
		return "FILE_END"
	case TagSessionEnd:
		return "SESSION_END"
	case TagError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02x)", tag)
	}
}

// Message is satisfied by every wire message type.
type Message interface {
	// Tag returns the message's human-readable name, for logging only.
	Tag() string
	tagByte() byte
	encode() []byte
}

// Hello is the first message of every session.
type Hello struct {
	ProtocolVersion uint16
	Flags           uint32
	SessionNonce    [16]byte
}

func (Hello) Tag() string    { return tagName(TagHello) }
func (Hello) tagByte() byte  { return TagHello }
func (h Hello) encode() []byte {
	buf := make([]byte, 1+2+4+16)
	buf[0] = TagHello
	binary.LittleEndian.PutUint16(buf[1:3], h.ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[3:7], h.Flags)
	copy(buf[7:23], h.SessionNonce[:])
	return buf
}

func decodeHello(p []byte) (Hello, error) {
	if len(p) < 22 {
		return Hello{}, fmt.Errorf("%w: HELLO needs 22 bytes, got %d", ErrTruncated, len(p))
	}
	var h Hello
	h.ProtocolVersion = binary.LittleEndian.Uint16(p[0:2])
	h.Flags = binary.LittleEndian.Uint32(p[2:6])
	copy(h.SessionNonce[:], p[6:22])
	return h, nil
}

// ManifestEntry describes one planned file within a MANIFEST.
type ManifestEntry struct {
	Path      string
	Size      uint64
	ModTimeMs int64 // Unix milliseconds
	Digest    [32]byte
}

// ModTime returns the entry's modification time as a time.Time.
func (e ManifestEntry) ModTime() time.Time {
	return time.UnixMilli(e.ModTimeMs).UTC()
}

// Manifest announces the ordered list of files a sender intends to
// transfer, before any file bytes are sent.
type Manifest struct {
	Entries []ManifestEntry
}

func (Manifest) Tag() string   { return tagName(TagManifest) }
func (Manifest) tagByte() byte { return TagManifest }

func (m Manifest) encode() []byte {
	size := 1 + 4
	for _, e := range m.Entries {
		size += 2 + len(e.Path) + 8 + 8 + 32
	}
	buf := make([]byte, 0, size)
	buf = append(buf, TagManifest)
	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Entries)))
	buf = append(buf, u32[:]...)
	for _, e := range m.Entries {
		pathBytes := []byte(e.Path)
		var u16 [2]byte
		binary.LittleEndian.PutUint16(u16[:], uint16(len(pathBytes)))
		buf = append(buf, u16[:]...)
		buf = append(buf, pathBytes...)
		var u64 [8]byte
		binary.LittleEndian.PutUint64(u64[:], e.Size)
		buf = append(buf, u64[:]...)
		binary.LittleEndian.PutUint64(u64[:], uint64(e.ModTimeMs))
		buf = append(buf, u64[:]...)
		buf = append(buf, e.Digest[:]...)
	}
	return buf
}

func decodeManifest(p []byte) (Manifest, error) {
	if len(p) < 4 {
		return Manifest{}, fmt.Errorf("%w: MANIFEST needs entry_count", ErrTruncated)
	}
	count := binary.LittleEndian.Uint32(p[0:4])
	p = p[4:]

	entries := make([]ManifestEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(p) < 2 {
			return Manifest{}, fmt.Errorf("%w: MANIFEST entry %d path length", ErrTruncated, i)
		}
		pathLen := int(binary.LittleEndian.Uint16(p[0:2]))
		p = p[2:]
		if len(p) < pathLen+8+8+32 {
			return Manifest{}, fmt.Errorf("%w: MANIFEST entry %d body", ErrTruncated, i)
		}
		var e ManifestEntry
		e.Path = string(p[:pathLen])
		p = p[pathLen:]
		e.Size = binary.LittleEndian.Uint64(p[0:8])
		e.ModTimeMs = int64(binary.LittleEndian.Uint64(p[8:16]))
		copy(e.Digest[:], p[16:48])
		p = p[48:]
		entries = append(entries, e)
	}
	return Manifest{Entries: entries}, nil
}

// ResumeQuery asks the receiver how much of entry_index it already
// holds on disk.
type ResumeQuery struct {
	EntryIndex uint32
}

func (ResumeQuery) Tag() string   { return tagName(TagResumeQuery) }
func (ResumeQuery) tagByte() byte { return TagResumeQuery }
func (m ResumeQuery) encode() []byte {
	buf := make([]byte, 1+4)
	buf[0] = TagResumeQuery
	binary.LittleEndian.PutUint32(buf[1:5], m.EntryIndex)
	return buf
}

func decodeResumeQuery(p []byte) (ResumeQuery, error) {
	if len(p) < 4 {
		return ResumeQuery{}, fmt.Errorf("%w: RESUME_QUERY needs 4 bytes", ErrTruncated)
	}
	return ResumeQuery{EntryIndex: binary.LittleEndian.Uint32(p[0:4])}, nil
}

// ResumeReply answers a ResumeQuery.
type ResumeReply struct {
	EntryIndex uint32
	HaveBytes  uint64
	HaveDigest [32]byte
}

func (ResumeReply) Tag() string   { return tagName(TagResumeReply) }
func (ResumeReply) tagByte() byte { return TagResumeReply }
func (m ResumeReply) encode() []byte {
	buf := make([]byte, 1+4+8+32)
	buf[0] = TagResumeReply
	binary.LittleEndian.PutUint32(buf[1:5], m.EntryIndex)
	binary.LittleEndian.PutUint64(buf[5:13], m.HaveBytes)
	copy(buf[13:45], m.HaveDigest[:])
	return buf
}

func decodeResumeReply(p []byte) (ResumeReply, error) {
	if len(p) < 44 {
		return ResumeReply{}, fmt.Errorf("%w: RESUME_REPLY needs 44 bytes", ErrTruncated)
	}
	var m ResumeReply
	m.EntryIndex = binary.LittleEndian.Uint32(p[0:4])
	m.HaveBytes = binary.LittleEndian.Uint64(p[4:12])
	copy(m.HaveDigest[:], p[12:44])
	return m, nil
}

// FileBegin opens the data-transfer window for entry_index.
type FileBegin struct {
	EntryIndex  uint32
	StartOffset uint64
}

func (FileBegin) Tag() string   { return tagName(TagFileBegin) }
func (FileBegin) tagByte() byte { return TagFileBegin }
func (m FileBegin) encode() []byte {
	buf := make([]byte, 1+4+8)
	buf[0] = TagFileBegin
	binary.LittleEndian.PutUint32(buf[1:5], m.EntryIndex)
	binary.LittleEndian.PutUint64(buf[5:13], m.StartOffset)
	return buf
}

func decodeFileBegin(p []byte) (FileBegin, error) {
	if len(p) < 12 {
		return FileBegin{}, fmt.Errorf("%w: FILE_BEGIN needs 12 bytes", ErrTruncated)
	}
	var m FileBegin
	m.EntryIndex = binary.LittleEndian.Uint32(p[0:4])
	m.StartOffset = binary.LittleEndian.Uint64(p[4:12])
	return m, nil
}

// Chunk carries payload_len bytes to be written at offset within
// entry_index.
type Chunk struct {
	EntryIndex uint32
	Offset     uint64
	Flags      byte
	Payload    []byte
}

// Compressed reports whether ChunkCompressed is set.
func (c Chunk) Compressed() bool { return c.Flags&ChunkCompressed != 0 }

func (Chunk) Tag() string   { return tagName(TagChunk) }
func (Chunk) tagByte() byte { return TagChunk }
func (m Chunk) encode() []byte {
	buf := make([]byte, 1+4+8+1+4+len(m.Payload))
	buf[0] = TagChunk
	binary.LittleEndian.PutUint32(buf[1:5], m.EntryIndex)
	binary.LittleEndian.PutUint64(buf[5:13], m.Offset)
	buf[13] = m.Flags
	binary.LittleEndian.PutUint32(buf[14:18], uint32(len(m.Payload)))
	copy(buf[18:], m.Payload)
	return buf
}

func decodeChunk(p []byte) (Chunk, error) {
	if len(p) < 17 {
		return Chunk{}, fmt.Errorf("%w: CHUNK header needs 17 bytes", ErrTruncated)
	}
	var m Chunk
	m.EntryIndex = binary.LittleEndian.Uint32(p[0:4])
	m.Offset = binary.LittleEndian.Uint64(p[4:12])
	m.Flags = p[12]
	payloadLen := binary.LittleEndian.Uint32(p[13:17])
	if uint32(len(p)-17) < payloadLen {
		return Chunk{}, fmt.Errorf("%w: CHUNK payload shorter than advertised", ErrTruncated)
	}
	m.Payload = append([]byte(nil), p[17:17+payloadLen]...)
	return m, nil
}

// FileEnd closes the data-transfer window for entry_index.
type FileEnd struct {
	EntryIndex uint32
	Digest     [32]byte
}

func (FileEnd) Tag() string   { return tagName(TagFileEnd) }
func (FileEnd) tagByte() byte { return TagFileEnd }
func (m FileEnd) encode() []byte {
	buf := make([]byte, 1+4+32)
	buf[0] = TagFileEnd
	binary.LittleEndian.PutUint32(buf[1:5], m.EntryIndex)
	copy(buf[5:37], m.Digest[:])
	return buf
}

func decodeFileEnd(p []byte) (FileEnd, error) {
	if len(p) < 36 {
		return FileEnd{}, fmt.Errorf("%w: FILE_END needs 36 bytes", ErrTruncated)
	}
	var m FileEnd
	m.EntryIndex = binary.LittleEndian.Uint32(p[0:4])
	copy(m.Digest[:], p[4:36])
	return m, nil
}

// SessionEnd marks a clean end of session; it carries no fields.
type SessionEnd struct{}

func (SessionEnd) Tag() string     { return tagName(TagSessionEnd) }
func (SessionEnd) tagByte() byte   { return TagSessionEnd }
func (SessionEnd) encode() []byte  { return []byte{TagSessionEnd} }

// ErrorMsg reports a fatal protocol or session error; the recipient
// closes the session after receiving one.
type ErrorMsg struct {
	Code    uint16
	Message string
}

func (ErrorMsg) Tag() string   { return tagName(TagError) }
func (ErrorMsg) tagByte() byte { return TagError }
func (m ErrorMsg) encode() []byte {
	msgBytes := []byte(m.Message)
	buf := make([]byte, 1+2+len(msgBytes))
	buf[0] = TagError
	binary.LittleEndian.PutUint16(buf[1:3], m.Code)
	copy(buf[3:], msgBytes)
	return buf
}

func decodeError(p []byte) (ErrorMsg, error) {
	if len(p) < 2 {
		return ErrorMsg{}, fmt.Errorf("%w: ERROR needs code", ErrTruncated)
	}
	return ErrorMsg{Code: binary.LittleEndian.Uint16(p[0:2]), Message: string(p[2:])}, nil
}

// EncodePayload returns the tagged payload bytes for msg (without the
// outer length prefix).
func EncodePayload(msg Message) ([]byte, error) {
	return msg.encode(), nil
}

// DecodePayload parses a tagged payload (as read from one frame) into
// its concrete Message type.
func DecodePayload(p []byte) (Message, error) {
	if len(p) == 0 {
		return nil, ErrEmptyPayload
	}
	tag, body := p[0], p[1:]
	switch tag {
	case TagHello:
		return decodeHello(body)
	case TagManifest:
		return decodeManifest(body)
	case TagResumeQuery:
		return decodeResumeQuery(body)
	case TagResumeReply:
		return decodeResumeReply(body)
	case TagFileBegin:
		return decodeFileBegin(body)
	case TagChunk:
		return decodeChunk(body)
	case TagFileEnd:
		return decodeFileEnd(body)
	case TagSessionEnd:
		return SessionEnd{}, nil
	case TagError:
		return decodeError(body)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownTag, tag)
	}
}
