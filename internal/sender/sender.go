// Package sender implements the sending half of the transfer
// protocol (§4.5): the per-target session state machine that walks a
// transfer plan through HELLO, MANIFEST, and the per-entry
// RESUME_QUERY/FILE_BEGIN/CHUNK/FILE_END cycle.
package sender

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rs/xid"

	"github.com/LordixDemon/toolza-sender/internal/chunker"
	"github.com/LordixDemon/toolza-sender/internal/compress"
	"github.com/LordixDemon/toolza-sender/internal/digest"
	"github.com/LordixDemon/toolza-sender/internal/plan"
	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/transport"
	"github.com/LordixDemon/toolza-sender/internal/wire"
)

// ProtocolVersion is this implementation's wire protocol version.
const ProtocolVersion uint16 = 1

type txState int

const (
	txHello txState = iota
	txManifest
	txResumeQuery
	txResumeWait
	txFileBegin
	txChunk
	txFileEnd
	txNextEntry
	txSessionEnd
	txDone
)

// Config controls one sender session.
type Config struct {
	// Flat records that the plan was built with plan.Options.Flat. The
	// session sends each entry's RelativePath as given and does not
	// flatten paths itself.
	Flat bool
	// Compress enables per-chunk LZ4 compression.
	Compress bool
	// Sync enables the sync-mode skip condition (§4.8).
	Sync bool
	// IdleTimeout is set to transport.DefaultIdleTimeout by defaults();
	// Run does not apply it. Read and write deadlines come from the
	// transport Session's own idle timeout (transport.Options).
	IdleTimeout time.Duration
	// StartIndex resumes a session at a given plan entry, used by
	// Engine's reconnect logic; zero for a fresh session.
	StartIndex int
}

func (c *Config) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = transport.DefaultIdleTimeout
	}
}

// Session drives one target through the full sender state machine.
type Session struct {
	sess    transport.Session
	entries []plan.Entry
	cfg     Config
	bus     *progress.Bus
	logger  *slog.Logger
	id      string
}

// NewSession builds a sender Session bound to an already-dialed
// transport session and a fixed transfer plan.
func NewSession(sess transport.Session, entries []plan.Entry, cfg Config, bus *progress.Bus) *Session {
	cfg.defaults()
	id := xid.New().String()
	return &Session{
		sess:    sess,
		entries: entries,
		cfg:     cfg,
		bus:     bus,
		logger:  slog.Default().With("session", id),
		id:      id,
	}
}

// Run drives the state machine to completion, returning the index of
// the first entry not yet fully sent (len(entries) on full success) so
// Engine can resume a reconnect from there.
func (s *Session) Run(ctx context.Context) (nextIndex int, err error) {
	state := txHello
	entryIdx := s.cfg.StartIndex
	var (
		offset    uint64
		sizer     *chunker.Sizer
		file      *os.File
		streamDig *digest.Streaming
	)

	for state != txDone {
		if err := ctx.Err(); err != nil {
			s.sendError(wire.CodeCancelled, "cancelled")
			return entryIdx, err
		}

		switch state {
		case txHello:
			s.logger.Debug("session starting", "target", s.sess.RemoteAddr(), "entries", len(s.entries))
			var nonce [16]byte
			if _, err := rand.Read(nonce[:]); err != nil {
				return entryIdx, fmt.Errorf("sender: generate nonce: %w", err)
			}
			var flags uint32
			if s.cfg.Compress {
				flags |= wire.CompressionSupported
			}
			if err := wire.WriteFrame(s.sess, wire.Hello{
				ProtocolVersion: ProtocolVersion,
				Flags:           flags,
				SessionNonce:    nonce,
			}); err != nil {
				return entryIdx, fmt.Errorf("sender: send HELLO: %w", err)
			}
			state = txManifest

		case txManifest:
			entries := make([]wire.ManifestEntry, len(s.entries))
			for i, e := range s.entries {
				entries[i] = wire.ManifestEntry{
					Path:      e.RelativePath,
					Size:      uint64(e.Size),
					ModTimeMs: e.ModTime.UnixMilli(),
					Digest:    e.DigestHint,
				}
			}
			if err := wire.WriteFrame(s.sess, wire.Manifest{Entries: entries}); err != nil {
				return entryIdx, fmt.Errorf("sender: send MANIFEST: %w", err)
			}
			if entryIdx >= len(s.entries) {
				state = txSessionEnd
				continue
			}
			state = txResumeQuery

		case txResumeQuery:
			if entryIdx >= len(s.entries) {
				state = txSessionEnd
				continue
			}
			entry := s.entries[entryIdx]
			s.bus.Publish(progress.Event{Kind: progress.Started, SessionID: s.id, EntryPath: entry.RelativePath, TotalBytes: uint64(entry.Size), Time: time.Now()})
			if err := wire.WriteFrame(s.sess, wire.ResumeQuery{EntryIndex: uint32(entryIdx)}); err != nil {
				return entryIdx, fmt.Errorf("sender: send RESUME_QUERY: %w", err)
			}
			state = txResumeWait

		case txResumeWait:
			msg, err := wire.ReadFrame(s.sess)
			if err != nil {
				return entryIdx, fmt.Errorf("sender: read RESUME_REPLY: %w", err)
			}
			reply, ok := msg.(wire.ResumeReply)
			if !ok {
				return entryIdx, fmt.Errorf("sender: expected RESUME_REPLY, got %s", msg.Tag())
			}
			haveBytes, haveDigest := reply.HaveBytes, reply.HaveDigest
			entry := s.entries[entryIdx]

			if s.cfg.Sync && entrySkippable(entry, haveBytes, haveDigest) {
				s.bus.Publish(progress.Event{Kind: progress.Skipped, SessionID: s.id, EntryPath: entry.RelativePath, Time: time.Now()})
				state = txNextEntry
				continue
			}
			offset = 0
			if haveBytes > 0 && haveBytes <= uint64(entry.Size) {
				matches, err := prefixMatches(entry.AbsolutePath, haveBytes, haveDigest)
				if err != nil {
					return entryIdx, fmt.Errorf("sender: verify resume prefix: %w", err)
				}
				if matches {
					offset = haveBytes
				}
			}
			state = txFileBegin

		case txFileBegin:
			entry := s.entries[entryIdx]
			if err := wire.WriteFrame(s.sess, wire.FileBegin{EntryIndex: uint32(entryIdx), StartOffset: offset}); err != nil {
				return entryIdx, fmt.Errorf("sender: send FILE_BEGIN: %w", err)
			}
			f, err := os.Open(entry.AbsolutePath)
			if err != nil {
				return entryIdx, fmt.Errorf("sender: open %s: %w", entry.AbsolutePath, err)
			}
			if offset > 0 {
				if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
					f.Close()
					return entryIdx, fmt.Errorf("sender: seek %s: %w", entry.AbsolutePath, err)
				}
			}
			file = f
			sizer = chunker.NewSizer()
			streamDig = digest.NewStreaming()
			state = txChunk

		case txChunk:
			entry := s.entries[entryIdx]
			size := sizer.Size()
			buf := make([]byte, size)
			n, readErr := io.ReadFull(file, buf)
			if n > 0 {
				payload := buf[:n]
				streamDig.Write(payload)

				flags := byte(0)
				sendPayload := payload
				if s.cfg.Compress {
					c, ok, cErr := compress.CompressChunk(payload)
					if cErr != nil {
						file.Close()
						return entryIdx, fmt.Errorf("sender: compress chunk: %w", cErr)
					}
					if ok {
						flags |= wire.ChunkCompressed
						sendPayload = c
					}
				}

				start := time.Now()
				if err := wire.WriteFrame(s.sess, wire.Chunk{
					EntryIndex: uint32(entryIdx),
					Offset:     offset,
					Flags:      flags,
					Payload:    sendPayload,
				}); err != nil {
					file.Close()
					return entryIdx, fmt.Errorf("sender: send CHUNK: %w", err)
				}
				elapsed := time.Since(start)
				sizer.Observe(n, elapsed)

				offset += uint64(n)
				s.bus.Publish(progress.Event{
					Kind: progress.Progress, SessionID: s.id, EntryPath: entry.RelativePath,
					BytesSent: offset, TotalBytes: uint64(entry.Size),
					ThroughputBps: float64(n) / elapsed.Seconds(), Time: time.Now(),
				})
			}
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				state = txFileEnd
				continue
			}
			if readErr != nil {
				file.Close()
				return entryIdx, fmt.Errorf("sender: read %s: %w", entry.AbsolutePath, readErr)
			}
			// Full buffer read with no error: more data remains.

		case txFileEnd:
			entry := s.entries[entryIdx]
			file.Close()
			if err := wire.WriteFrame(s.sess, wire.FileEnd{EntryIndex: uint32(entryIdx), Digest: streamDig.Sum()}); err != nil {
				return entryIdx, fmt.Errorf("sender: send FILE_END: %w", err)
			}
			s.bus.Publish(progress.Event{Kind: progress.Finished, SessionID: s.id, EntryPath: entry.RelativePath, Time: time.Now()})
			state = txNextEntry

		case txNextEntry:
			entryIdx++
			if entryIdx >= len(s.entries) {
				state = txSessionEnd
				continue
			}
			state = txResumeQuery

		case txSessionEnd:
			if err := wire.WriteFrame(s.sess, wire.SessionEnd{}); err != nil {
				return entryIdx, fmt.Errorf("sender: send SESSION_END: %w", err)
			}
			s.bus.Publish(progress.Event{Kind: progress.SessionEnded, SessionID: s.id, Time: time.Now()})
			s.logger.Debug("session complete", "target", s.sess.RemoteAddr())
			state = txDone
		}
	}

	return entryIdx, nil
}

func (s *Session) sendError(code uint16, message string) {
	_ = wire.WriteFrame(s.sess, wire.ErrorMsg{Code: code, Message: message})
}

// entrySkippable implements §4.8: equal have_bytes and (digest match
// or mtime-equality token match).
func entrySkippable(e plan.Entry, haveBytes uint64, haveDigest [32]byte) bool {
	if haveBytes != uint64(e.Size) {
		return false
	}
	if !digest.IsZero(e.DigestHint) {
		return haveDigest == e.DigestHint
	}
	return haveDigest == digest.MTimeToken(uint64(e.Size), e.ModTime.UnixMilli())
}

// prefixMatches re-digests the local file's first haveBytes and
// compares against the receiver-reported prefix digest, confirming
// resume is safe before streaming from offset rather than 0.
func prefixMatches(path string, haveBytes uint64, haveDigest [32]byte) (bool, error) {
	if digest.IsZero(haveDigest) {
		return haveBytes == 0, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	got, err := digest.File(f, int64(haveBytes))
	if err != nil {
		return false, err
	}
	return got == haveDigest, nil
}

