package receiver

import (
	"os"
	"strings"

	"github.com/LordixDemon/toolza-sender/internal/compress"
	"github.com/LordixDemon/toolza-sender/internal/digest"
	"github.com/LordixDemon/toolza-sender/internal/wire"
)

// resumeInfo implements the RESUME_QUERY resume policy (§4.6): absent
// file reports have_bytes=0; a file larger than expected is reported
// as if absent so the sender restarts it from offset 0 and the first
// CHUNK truncates what's there.
//
// A file no larger than expected reports its size plus a digest the
// sender can use to decide whether to resume:
//   - partial file (0 < size < entry.Size): always the real SHA-256
//     of the local prefix, computed regardless of whether the
//     manifest carried a digest — it's the only way the sender's
//     prefixMatches can confirm the common prefix and resume at
//     have_bytes instead of restarting from zero, since most entries
//     never carry a precomputed manifest digest.
//   - full-size file, manifest carried a digest: verified against it,
//     reported as absent on mismatch.
//   - full-size file, no manifest digest: a cheap size+mtime equality
//     token, avoiding a full rehash just to answer a query sync mode
//     (§4.8) is the only consumer of.
func resumeInfo(targetPath string, entry wire.ManifestEntry) (haveBytes uint64, haveDigest [32]byte, err error) {
	fi, statErr := os.Stat(targetPath)
	if os.IsNotExist(statErr) {
		return 0, digest.Zero, nil
	}
	if statErr != nil {
		return 0, digest.Zero, statErr
	}
	size := uint64(fi.Size())
	if size > entry.Size {
		return 0, digest.Zero, nil
	}

	if size > 0 && size < entry.Size {
		prefixDigest, err := fileDigest(targetPath, size)
		if err != nil {
			return 0, digest.Zero, err
		}
		return size, prefixDigest, nil
	}

	if !digest.IsZero(entry.Digest) {
		fullDigest, err := fileDigest(targetPath, size)
		if err != nil {
			return 0, digest.Zero, err
		}
		if fullDigest != entry.Digest {
			return 0, digest.Zero, nil
		}
		return size, fullDigest, nil
	}

	if size == entry.Size && fi.ModTime().UnixMilli() == entry.ModTimeMs {
		return size, digest.MTimeToken(size, entry.ModTimeMs), nil
	}
	return size, digest.Zero, nil
}

func fileDigest(path string, n uint64) ([32]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return digest.Zero, err
	}
	defer f.Close()
	return digest.File(f, int64(n))
}

// openResumeSink opens targetPath for append at startOffset, creating
// parent directories and truncating any unexpected tail beyond
// startOffset (covers the "size > expected or digest mismatch"
// restart-from-zero branch of the resume policy).
func openResumeSink(targetPath string, startOffset uint64) (compress.Sink, error) {
	if startOffset == 0 {
		return compress.NewFileSink(targetPath)
	}
	f, err := os.OpenFile(targetPath, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(startOffset)); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(int64(startOffset), 0); err != nil {
		f.Close()
		return nil, err
	}
	return &appendSink{f: f}, nil
}

type appendSink struct{ f *os.File }

func (a *appendSink) Write(p []byte) (int, error) { return a.f.Write(p) }
func (a *appendSink) Close() error                { return a.f.Close() }

// streamingArchiveKind reports whether relPath is a streaming-capable
// archive suffix (§4.4) and which kind.
func streamingArchiveKind(relPath string) (compress.ArchiveKind, bool) {
	switch {
	case strings.HasSuffix(relPath, ".tar.lz4"):
		return compress.ArchiveTarLZ4, true
	case strings.HasSuffix(relPath, ".tar.zst"):
		return compress.ArchiveTarZstd, true
	default:
		return 0, false
	}
}

// nonStreamingArchiveKind reports whether relPath is extracted after
// FILE_END rather than streamed (§4.4).
func nonStreamingArchiveKind(relPath string) (string, bool) {
	for _, suffix := range []string{".tar.gz", ".tgz", ".tar", ".zip", ".lz4"} {
		if strings.HasSuffix(relPath, suffix) {
			return suffix, true
		}
	}
	return "", false
}
