package sender

import (
	"bytes"
	"os"
	"testing"
	"time"

	"github.com/LordixDemon/toolza-sender/internal/digest"
	"github.com/LordixDemon/toolza-sender/internal/plan"
)

func TestEntrySkippableRequiresSizeMatch(t *testing.T) {
	e := plan.Entry{Size: 100}
	if entrySkippable(e, 99, digest.Zero) {
		t.Fatal("size mismatch must never be skippable")
	}
}

func TestEntrySkippableDigestMatch(t *testing.T) {
	e := plan.Entry{Size: 100, DigestHint: [32]byte{1, 2, 3}}
	if !entrySkippable(e, 100, [32]byte{1, 2, 3}) {
		t.Fatal("expected skippable on matching digest hint")
	}
	if entrySkippable(e, 100, [32]byte{9, 9, 9}) {
		t.Fatal("expected not skippable on mismatched digest")
	}
}

func TestEntrySkippableMTimeToken(t *testing.T) {
	mt := time.UnixMilli(1234567890)
	e := plan.Entry{Size: 100, ModTime: mt}
	token := digest.MTimeToken(100, mt.UnixMilli())
	if !entrySkippable(e, 100, token) {
		t.Fatal("expected skippable via mtime token when no digest hint was computed")
	}
	if entrySkippable(e, 100, [32]byte{7}) {
		t.Fatal("expected not skippable on unrelated digest with no hint")
	}
}

func TestPrefixMatchesZeroHaveBytes(t *testing.T) {
	ok, err := prefixMatches("/does/not/matter", 0, digest.Zero)
	if err != nil {
		t.Fatalf("prefixMatches: %v", err)
	}
	if !ok {
		t.Fatal("zero have_bytes with zero digest must match trivially")
	}
}

func TestPrefixMatchesRealFile(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "prefix")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	data := []byte("0123456789")
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	want, err := digest.File(bytes.NewReader(data[:5]), -1)
	if err != nil {
		t.Fatalf("digest.File: %v", err)
	}
	ok, err := prefixMatches(f.Name(), 5, want)
	if err != nil {
		t.Fatalf("prefixMatches: %v", err)
	}
	if !ok {
		t.Fatal("expected matching prefix digest to report true")
	}

	ok, err = prefixMatches(f.Name(), 5, [32]byte{1})
	if err != nil {
		t.Fatalf("prefixMatches: %v", err)
	}
	if ok {
		t.Fatal("expected mismatched prefix digest to report false")
	}
}

