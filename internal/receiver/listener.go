package receiver

import (
	"context"
	"log/slog"

	"github.com/LordixDemon/toolza-sender/internal/progress"
	"github.com/LordixDemon/toolza-sender/internal/transport"
)

// Listener accepts connections on a transport.Listener and runs the
// receiver state machine on each, concurrently and independently
// (§5: one goroutine per session).
type Listener struct {
	listener transport.Listener
	reliable bool
	cfg      Config
	bus      *progress.Bus
}

// NewListener wraps an already-bound transport.Listener. reliable
// should be the value of the originating transport.Transport's
// Reliable() (§4.2, §9) — every accepted session is refused up front
// when it is false.
func NewListener(l transport.Listener, reliable bool, cfg Config, bus *progress.Bus) *Listener {
	return &Listener{listener: l, reliable: reliable, cfg: cfg, bus: bus}
}

// Serve accepts connections until ctx is cancelled or Accept returns a
// fatal error. Each connection's session runs on its own goroutine;
// one connection's error never stops Serve from accepting the next.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		sess, err := l.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go func() {
			defer sess.Close()
			rxSession := newSession(sess, l.reliable, l.cfg, l.bus)
			if err := rxSession.run(ctx); err != nil {
				slog.Default().Warn("receiver session ended with error", "remote", sess.RemoteAddr(), "err", err)
			}
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.listener.Close() }

// RunConnection drives the receiver state machine directly over an
// already-established transport.Session, bypassing Listener.Accept.
// It runs the same per-connection state machine Serve starts for each
// accepted connection, for transports (or tests) that hand over a Session
// without a Listener in between. reliable should be the originating
// transport.Transport's Reliable() (§4.2, §9).
func RunConnection(ctx context.Context, sess transport.Session, reliable bool, cfg Config, bus *progress.Bus) error {
	return newSession(sess, reliable, cfg, bus).run(ctx)
}
