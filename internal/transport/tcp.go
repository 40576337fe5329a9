package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/runZeroInc/sockstats"
)

type tcpTransport struct {
	opts Options
}

func newTCPTransport(opts Options) *tcpTransport { return &tcpTransport{opts: opts} }

func (t *tcpTransport) Name() string   { return "tcp" }
func (t *tcpTransport) Reliable() bool { return true }

func (t *tcpTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport(tcp): listen %s: %w", addr, err)
	}
	return &tcpListener{ln: ln, opts: t.opts}, nil
}

func (t *tcpTransport) Dial(ctx context.Context, addr string) (Session, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport(tcp): dial %s: %w", addr, err)
	}
	return wrapTCPConn(conn, t.opts), nil
}

type tcpListener struct {
	ln   net.Listener
	opts Options
}

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Accept(ctx context.Context) (Session, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport(tcp): accept: %w", r.err)
		}
		return wrapTCPConn(r.conn, l.opts), nil
	}
}

// wrapTCPConn wraps a raw TCP net.Conn with sockstats instrumentation
// when the connection is a *net.TCPConn, and falls back to the bare
// connection otherwise (sockstats.WrapConn itself no-ops in that
// case, following the same type-assertion guard its own
// gatherAndReport uses).
func wrapTCPConn(conn net.Conn, opts Options) Session {
	wrapped := sockstats.WrapConn(conn, reportTCPStats)
	return newConnSession(wrapped, conn.RemoteAddr().String(), opts.IdleTimeout)
}

func reportTCPStats(c *sockstats.Conn, state int) {
	if state != sockstats.SockStatsClose {
		return
	}
	slog.Debug("tcp connection closed",
		"remote", c.RemoteAddr(),
		"sent_bytes", c.SentBytes,
		"recv_bytes", c.RecvBytes,
		"details", c.Details)
}
