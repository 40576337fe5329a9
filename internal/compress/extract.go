package compress

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/DataDog/zstd"
	"github.com/pierrec/lz4/v4"
)

// ArchiveKind identifies a streaming-capable archive container.
type ArchiveKind int

const (
	ArchiveTarLZ4 ArchiveKind = iota
	ArchiveTarZstd
)

// Sink receives a MANIFEST entry's raw bytes as they arrive off the
// wire. Write must be synchronous: it does not return until the bytes
// are durably handed off (to the pipe feeding the tar reader, or to
// the destination file), so no unbounded buffer accumulates while a
// slow disk or decoder lags the network (§9).
type Sink interface {
	io.Writer
	Close() error
}

// plainFileSink writes directly to a single on-disk file. It is the
// default Sink for entries that are not themselves streaming archives.
type plainFileSink struct {
	f *os.File
}

// NewFileSink opens path for writing (creating parent directories as
// needed) and returns a Sink over it.
func NewFileSink(path string) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("compress: mkdir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("compress: open %s: %w", path, err)
	}
	return &plainFileSink{f: f}, nil
}

func (s *plainFileSink) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *plainFileSink) Close() error                { return s.f.Close() }

// streamingExtractSink decompresses and untars its input as it
// arrives, writing each member under dir without ever materializing
// the archive itself on disk. An io.Pipe connects the Write side (fed
// by the receiver's CHUNK loop) to a background goroutine running the
// decompressor and tar reader.
type streamingExtractSink struct {
	pw      *io.PipeWriter
	done    chan error
	entries int
}

// NewStreamingExtractSink returns a Sink that extracts a streamed
// tar.lz4 or tar.zst archive's members under dir as bytes arrive,
// confined by the same path-safety check ordinary entries use.
func NewStreamingExtractSink(dir string, kind ArchiveKind, confine func(dir, name string) (string, error)) (Sink, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		err := extractTarStream(pr, dir, kind, confine)
		if err != nil {
			// Fail any Write still waiting on the pipe.
			pr.CloseWithError(err)
		} else {
			// Consume trailing bytes (such as the compressed stream's end
			// mark) so Write never blocks once the tar reader has stopped.
			io.Copy(io.Discard, pr)
		}
		done <- err
	}()

	return &streamingExtractSink{pw: pw, done: done}, nil
}

func (s *streamingExtractSink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *streamingExtractSink) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	return <-s.done
}

func extractTarStream(r io.Reader, dir string, kind ArchiveKind, confine func(dir, name string) (string, error)) error {
	var decoded io.Reader
	switch kind {
	case ArchiveTarLZ4:
		decoded = lz4.NewReader(r)
	case ArchiveTarZstd:
		zr := zstd.NewReader(r)
		defer zr.Close()
		decoded = zr
	default:
		return fmt.Errorf("compress: unknown archive kind %d", kind)
	}

	tr := tar.NewReader(decoded)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("compress: tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest, err := confine(dir, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("compress: mkdir for %s: %w", dest, err)
		}
		f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("compress: open %s: %w", dest, err)
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return fmt.Errorf("compress: write %s: %w", dest, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
}

// ExtractFile extracts a fully-written archive in place: a bare .lz4
// file is decompressed to the same path without its .lz4 suffix, and
// the members of a .tar, .tar.gz, or .zip are written alongside it
// (under path's directory). The archive file itself is left on disk.
// Used for non-streaming suffixes, after
// FILE_END has confirmed the whole archive landed on disk intact.
func ExtractFile(path string) error {
	switch {
	case strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz"):
		return extractTarFile(path, true)
	case strings.HasSuffix(path, ".tar"):
		return extractTarFile(path, false)
	case strings.HasSuffix(path, ".zip"):
		return extractZipFile(path)
	case strings.HasSuffix(path, ".lz4"):
		return extractBareLZ4(path)
	default:
		return fmt.Errorf("compress: %s has no recognized archive suffix", path)
	}
}

func extractTarFile(path string, gzipped bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("compress: gzip %s: %w", path, err)
		}
		defer gr.Close()
		r = gr
	}

	dir := filepath.Dir(path)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("compress: tar %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		dest, err := ConfineToDir(dir, hdr.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func extractZipFile(path string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("compress: zip %s: %w", path, err)
	}
	defer zr.Close()

	dir := filepath.Dir(path)
	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		dest, err := ConfineToDir(dir, member.Name)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		rc, err := member.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, copyErr := io.Copy(out, rc)
		rc.Close()
		closeErr := out.Close()
		if copyErr != nil {
			return copyErr
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

func extractBareLZ4(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dest := strings.TrimSuffix(path, ".lz4")
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, lz4.NewReader(f)); err != nil {
		out.Close()
		return fmt.Errorf("compress: lz4 %s: %w", path, err)
	}
	return out.Close()
}

// ConfineToDir resolves name under dir the same way ordinary entries
// are confined (§4.6): joined, cleaned, and rejected if it would
// escape dir. Exported so the receiver package can reuse the same
// confinement check as its streaming extract sink's confine function.
func ConfineToDir(dir, name string) (string, error) {
	joined := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, joined)
	if err != nil {
		return "", fmt.Errorf("compress: path %s escapes %s", name, dir)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("compress: path %s escapes %s", name, dir)
	}
	return joined, nil
}
