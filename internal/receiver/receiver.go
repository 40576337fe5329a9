// Package receiver implements the receiving half of the transfer
// protocol (§4.6): path-safe placement of incoming entries, the
// resume policy, and the per-connection state machine mirroring
// sender's HELLO/MANIFEST/RESUME_QUERY/FILE_BEGIN/CHUNK/FILE_END cycle.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/LordixDemon/toolza-sender/internal/compress"
	"github.com/LordixDemon/toolza-sender/internal/digest"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/transport"
	"github.com/LordixDemon/toolza-sender/internal/wire"
)

// ErrPathTraversal is returned when a MANIFEST entry's relative path
// would resolve outside the configured save directory.
var ErrPathTraversal = errors.New("receiver: path escapes save directory")

type rxState int

const (
	rxHello rxState = iota
	rxManifest
	rxResumeQuery
	rxFileBegin
	rxChunk
	rxFileEnd
	rxNextEntry
	rxSessionEnd
	rxDone
)

// Config controls one receiver connection.
type Config struct {
	// SaveDir is the root directory incoming entries are placed
	// under; every resolved path must stay within it.
	SaveDir string
	// Extract enables post-transfer (or streaming) archive
	// extraction for recognized suffixes (§4.4).
	Extract bool
	// IdleTimeout is set to transport.DefaultIdleTimeout by defaults();
	// the session does not apply it. Read and write deadlines come from
	// the transport Session's own idle timeout (transport.Options).
	IdleTimeout time.Duration
}

func (c *Config) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = transport.DefaultIdleTimeout
	}
}

// session drives one accepted connection through the receiver state
// machine.
type session struct {
	sess     transport.Session
	reliable bool
	cfg      Config
	bus      *progress.Bus
	logger   *slog.Logger
	id       string
}

// activeEntry tracks the in-progress file for the current FILE_BEGIN
// window (§5: exactly one file transfer is in flight per session).
type activeEntry struct {
	manifestEntry wire.ManifestEntry
	relPath       string
	targetPath    string
	sink          compress.Sink
	streamDig     *digest.Streaming
	writeOffset   uint64
	sizeExpected  uint64
	streamed      bool
}

func newSession(sess transport.Session, reliable bool, cfg Config, bus *progress.Bus) *session {
	cfg.defaults()
	id := xid.New().String()
	return &session{
		sess:     sess,
		reliable: reliable,
		cfg:      cfg,
		bus:      bus,
		logger:   slog.Default().With("session", id),
		id:       id,
	}
}

// run drives the receiver state machine to completion or a fatal
// protocol error. A non-reliable substrate (§4.2, §9) is refused
// before any frame is read, since nothing downstream of HELLO can be
// trusted to arrive intact or in order over it.
func (s *session) run(ctx context.Context) error {
	if !s.reliable {
		s.fatal(wire.CodeTransportNotReliable, "file transfer requires a reliable transport")
		return transport.ErrNotReliable
	}

	state := rxHello
	var (
		manifest wire.Manifest
		entryIdx uint32
		current  *activeEntry
		pending  wire.Message
	)
	// next returns a frame rxFileBegin already read ahead, if any,
	// before reading a new one.
	next := func() (wire.Message, error) {
		if msg := pending; msg != nil {
			pending = nil
			return msg, nil
		}
		return wire.ReadFrame(s.sess)
	}
	s.logger.Debug("session accepted", "remote", s.sess.RemoteAddr())

	for state != rxDone {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch state {
		case rxHello:
			msg, err := wire.ReadFrame(s.sess)
			if err != nil {
				return fmt.Errorf("receiver: read HELLO: %w", err)
			}
			if _, ok := msg.(wire.Hello); !ok {
				s.fatal(wire.CodeProtocolViolation, "expected HELLO")
				return fmt.Errorf("receiver: expected HELLO, got %s", msg.Tag())
			}
			state = rxManifest

		case rxManifest:
			msg, err := wire.ReadFrame(s.sess)
			if err != nil {
				return fmt.Errorf("receiver: read MANIFEST: %w", err)
			}
			m, ok := msg.(wire.Manifest)
			if !ok {
				s.fatal(wire.CodeProtocolViolation, "expected MANIFEST")
				return fmt.Errorf("receiver: expected MANIFEST, got %s", msg.Tag())
			}
			manifest = m
			if len(manifest.Entries) == 0 {
				state = rxSessionEnd
				continue
			}
			entryIdx = 0
			state = rxResumeQuery

		case rxResumeQuery:
			msg, err := next()
			if err != nil {
				return fmt.Errorf("receiver: read RESUME_QUERY: %w", err)
			}
			rq, ok := msg.(wire.ResumeQuery)
			if !ok {
				s.fatal(wire.CodeProtocolViolation, "expected RESUME_QUERY")
				return fmt.Errorf("receiver: expected RESUME_QUERY, got %s", msg.Tag())
			}
			// A reconnected sender may start past entry 0 (Engine's retry
			// resumes at the first entry it had not finished).
			if rq.EntryIndex < entryIdx || rq.EntryIndex >= uint32(len(manifest.Entries)) {
				s.fatal(wire.CodeIllegalState, "resume query for unexpected entry index")
				return fmt.Errorf("receiver: RESUME_QUERY for entry %d, expected %d or later", rq.EntryIndex, entryIdx)
			}
			entryIdx = rq.EntryIndex

			entry := manifest.Entries[entryIdx]
			targetPath, err := resolvePath(s.cfg.SaveDir, entry.Path)
			if err != nil {
				s.fatal(wire.CodePathTraversal, err.Error())
				return err
			}

			haveBytes, haveDigest, err := resumeInfo(targetPath, entry)
			if err != nil {
				return fmt.Errorf("receiver: resume stat %s: %w", targetPath, err)
			}
			if err := wire.WriteFrame(s.sess, wire.ResumeReply{
				EntryIndex: entryIdx, HaveBytes: haveBytes, HaveDigest: haveDigest,
			}); err != nil {
				return fmt.Errorf("receiver: send RESUME_REPLY: %w", err)
			}
			current = &activeEntry{manifestEntry: entry, relPath: entry.Path, targetPath: targetPath, sizeExpected: entry.Size}
			state = rxFileBegin

		case rxFileBegin:
			msg, err := wire.ReadFrame(s.sess)
			if err != nil {
				return fmt.Errorf("receiver: read FILE_BEGIN: %w", err)
			}
			switch msg.(type) {
			case wire.ResumeQuery, wire.SessionEnd:
				// Sync mode skipped this entry (§4.8): no FILE_BEGIN follows.
				pending, state = msg, rxNextEntry
				continue
			}
			fb, ok := msg.(wire.FileBegin)
			if !ok {
				s.fatal(wire.CodeProtocolViolation, "expected FILE_BEGIN")
				return fmt.Errorf("receiver: expected FILE_BEGIN, got %s", msg.Tag())
			}
			if fb.EntryIndex != entryIdx {
				s.fatal(wire.CodeIllegalState, "file begin for unexpected entry index")
				return fmt.Errorf("receiver: FILE_BEGIN for entry %d, expected %d", fb.EntryIndex, entryIdx)
			}

			kind, streaming := streamingArchiveKind(current.relPath)
			if streaming && s.cfg.Extract {
				if fb.StartOffset != 0 {
					s.bus.Publish(progress.Event{Kind: progress.Failed, SessionID: s.id, EntryPath: current.relPath, Err: errors.New("resume refused: streaming extraction has no partial state")})
					state = rxNextEntry
					continue
				}
				sink, err := compress.NewStreamingExtractSink(filepath.Dir(current.targetPath), kind, compress.ConfineToDir)
				if err != nil {
					return fmt.Errorf("receiver: open streaming extract sink: %w", err)
				}
				current.sink = sink
				current.streamed = true
			} else {
				sink, err := openResumeSink(current.targetPath, fb.StartOffset)
				if err != nil {
					return fmt.Errorf("receiver: open sink for %s: %w", current.targetPath, err)
				}
				current.sink = sink
			}
			current.writeOffset = fb.StartOffset
			current.streamDig = digest.NewStreaming()
			s.bus.Publish(progress.Event{Kind: progress.Started, SessionID: s.id, EntryPath: current.relPath, TotalBytes: current.sizeExpected, Time: time.Now()})
			state = rxChunk

		case rxChunk:
			msg, err := wire.ReadFrame(s.sess)
			if err != nil {
				return fmt.Errorf("receiver: read frame in CHUNK state: %w", err)
			}
			switch m := msg.(type) {
			case wire.Chunk:
				if m.EntryIndex != entryIdx {
					s.fatal(wire.CodeIllegalState, "chunk for unexpected entry index")
					return fmt.Errorf("receiver: CHUNK for entry %d, expected %d", m.EntryIndex, entryIdx)
				}
				if m.Offset != current.writeOffset {
					s.fatal(wire.CodeIllegalState, "chunk offset does not match current write offset")
					return fmt.Errorf("receiver: CHUNK offset %d != expected %d", m.Offset, current.writeOffset)
				}
				payload := m.Payload
				if m.Compressed() {
					payload, err = compress.DecompressChunk(payload)
					if err != nil {
						s.fatal(wire.CodeProtocolViolation, "chunk decompression failed")
						return fmt.Errorf("receiver: decompress chunk: %w", err)
					}
				}
				if m.Offset+uint64(len(payload)) > current.sizeExpected {
					s.fatal(wire.CodeSizeMismatch, "chunk would overrun declared size")
					return fmt.Errorf("receiver: entry %d overruns declared size", entryIdx)
				}
				if _, err := current.sink.Write(payload); err != nil {
					return fmt.Errorf("receiver: write %s: %w", current.targetPath, err)
				}
				current.streamDig.Write(payload)
				current.writeOffset += uint64(len(payload))
				s.bus.Publish(progress.Event{Kind: progress.Progress, SessionID: s.id, EntryPath: current.relPath, BytesSent: current.writeOffset, TotalBytes: current.sizeExpected, Time: time.Now()})

			case wire.FileEnd:
				if m.EntryIndex != entryIdx {
					s.fatal(wire.CodeIllegalState, "file end for unexpected entry index")
					return fmt.Errorf("receiver: FILE_END for entry %d, expected %d", m.EntryIndex, entryIdx)
				}
				if err := current.sink.Close(); err != nil {
					return fmt.Errorf("receiver: close %s: %w", current.targetPath, err)
				}
				if current.writeOffset != current.sizeExpected {
					s.fatal(wire.CodeSizeMismatch, "file ended short of declared size")
					return fmt.Errorf("receiver: entry %d ended at %d, expected %d", entryIdx, current.writeOffset, current.sizeExpected)
				}
				if !digest.IsZero(current.manifestEntry.Digest) && current.streamDig.Sum() != m.Digest {
					s.fatal(wire.CodeDigestMismatch, "file digest mismatch")
					return fmt.Errorf("receiver: entry %d digest mismatch", entryIdx)
				}
				if s.cfg.Extract && !current.streamed {
					if _, ok := nonStreamingArchiveKind(current.relPath); ok {
						if err := compress.ExtractFile(current.targetPath); err != nil {
							return fmt.Errorf("receiver: extract %s: %w", current.targetPath, err)
						}
					}
				}
				if !current.manifestEntry.ModTime().IsZero() {
					_ = os.Chtimes(current.targetPath, current.manifestEntry.ModTime(), current.manifestEntry.ModTime())
				}
				s.bus.Publish(progress.Event{Kind: progress.Finished, SessionID: s.id, EntryPath: current.relPath, Time: time.Now()})
				state = rxNextEntry

			default:
				s.fatal(wire.CodeProtocolViolation, "expected CHUNK or FILE_END")
				return fmt.Errorf("receiver: expected CHUNK or FILE_END, got %s", msg.Tag())
			}

		case rxNextEntry:
			entryIdx++
			current = nil
			if entryIdx >= uint32(len(manifest.Entries)) {
				state = rxSessionEnd
				continue
			}
			state = rxResumeQuery

		case rxSessionEnd:
			msg, err := next()
			if err != nil {
				return fmt.Errorf("receiver: read SESSION_END: %w", err)
			}
			if _, ok := msg.(wire.SessionEnd); !ok {
				s.fatal(wire.CodeProtocolViolation, "expected SESSION_END")
				return fmt.Errorf("receiver: expected SESSION_END, got %s", msg.Tag())
			}
			s.bus.Publish(progress.Event{Kind: progress.SessionEnded, SessionID: s.id, Time: time.Now()})
			s.logger.Debug("session complete", "remote", s.sess.RemoteAddr())
			state = rxDone
		}
	}

	return nil
}

func (s *session) fatal(code uint16, message string) {
	_ = wire.WriteFrame(s.sess, wire.ErrorMsg{Code: code, Message: message})
}

// resolvePath joins relPath under saveDir and rejects an absolute
// relPath or any result that would escape saveDir (§4.6).
func resolvePath(saveDir, relPath string) (string, error) {
	if filepath.IsAbs(relPath) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relPath)
	}
	joined := filepath.Join(saveDir, relPath)
	clean := filepath.Clean(joined)
	rel, err := filepath.Rel(saveDir, clean)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relPath)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, relPath)
	}
	return clean, nil
}

