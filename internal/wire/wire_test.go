package wire

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	if err := WriteFrame(&buf, msg); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("ReadFrame left %d unread trailing bytes", buf.Len())
	}
	return got
}

func TestFrameRoundTrip(t *testing.T) {
	digest := [32]byte{1, 2, 3}
	nonce := [16]byte{9, 9, 9}

	cases := []Message{
		Hello{ProtocolVersion: 1, Flags: CompressionSupported, SessionNonce: nonce},
		Manifest{Entries: []ManifestEntry{
			{Path: "a/b.txt", Size: 10, ModTimeMs: 1700000000000, Digest: digest},
			{Path: "a/c/d.txt", Size: 0},
		}},
		Manifest{Entries: nil},
		ResumeQuery{EntryIndex: 3},
		ResumeReply{EntryIndex: 3, HaveBytes: 512, HaveDigest: digest},
		FileBegin{EntryIndex: 3, StartOffset: 512},
		Chunk{EntryIndex: 3, Offset: 512, Flags: ChunkCompressed, Payload: []byte("hello chunk")},
		Chunk{EntryIndex: 0, Offset: 0, Payload: nil},
		FileEnd{EntryIndex: 3, Digest: digest},
		SessionEnd{},
		ErrorMsg{Code: CodePathTraversal, Message: "path escapes save_dir"},
	}

	for _, want := range cases {
		got := roundTrip(t, want)
		gotPayload, _ := EncodePayload(got)
		wantPayload, _ := EncodePayload(want)
		if !bytes.Equal(gotPayload, wantPayload) {
			t.Errorf("%s: round trip mismatch\n got=%x\nwant=%x", want.Tag(), gotPayload, wantPayload)
		}
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	lenBuf[0] = 0xff
	lenBuf[1] = 0xff
	lenBuf[2] = 0xff
	lenBuf[3] = 0x7f // ~2GiB, well past MaxFrameLength
	buf.Write(lenBuf)
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatal("expected ErrFrameTooLarge, got nil")
	}
}

func TestReadFrameNeverReadsPastAdvertisedLength(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, SessionEnd{}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// Append a second frame; ReadFrame must stop after the first.
	if err := WriteFrame(&buf, ResumeQuery{EntryIndex: 42}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	first, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if _, ok := first.(SessionEnd); !ok {
		t.Fatalf("expected SessionEnd, got %T", first)
	}

	second, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame second: %v", err)
	}
	rq, ok := second.(ResumeQuery)
	if !ok || rq.EntryIndex != 42 {
		t.Fatalf("expected ResumeQuery{42}, got %#v", second)
	}
}

func TestDecodePayloadUnknownTag(t *testing.T) {
	_, err := DecodePayload([]byte{0x55, 1, 2, 3})
	if err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDecodePayloadTruncated(t *testing.T) {
	_, err := DecodePayload([]byte{TagChunk, 1, 2})
	if err == nil {
		t.Fatal("expected truncation error")
	}
}
