package transport

import (
	"context"
	"fmt"
	"net"
)

// udpTransport is deliberately NOT reliable: it exists only for
// speedtest-style raw throughput probing (§4.2, §9) and must be
// rejected by any file-transfer state machine.
type udpTransport struct {
	opts Options
}

func newUDPTransport(opts Options) *udpTransport { return &udpTransport{opts: opts} }

func (t *udpTransport) Name() string   { return "udp" }
func (t *udpTransport) Reliable() bool { return false }

func (t *udpTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): listen %s: %w", addr, err)
	}
	return &udpListener{conn: conn, opts: t.opts}, nil
}

func (t *udpTransport) Dial(ctx context.Context, addr string) (Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): dial %s: %w", addr, err)
	}
	return newConnSession(conn, conn.RemoteAddr().String(), t.opts.IdleTimeout), nil
}

// udpListener only ever produces a single pseudo-session bound to the
// first peer that writes to it, sufficient for a throughput probe but
// not for multi-connection file serving (which is why the file-
// transfer engines refuse this driver outright).
type udpListener struct {
	conn   *net.UDPConn
	opts   Options
	served bool
}

func (l *udpListener) Addr() string { return l.conn.LocalAddr().String() }
func (l *udpListener) Close() error { return l.conn.Close() }

func (l *udpListener) Accept(ctx context.Context) (Session, error) {
	if l.served {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	buf := make([]byte, 1)
	n, peer, err := l.conn.ReadFrom(buf)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): accept: %w", err)
	}
	l.served = true
	_ = n
	if err := l.conn.Close(); err != nil {
		return nil, err
	}
	// Re-dial a connected socket back to the peer that spoke first;
	// raw UDP has no real "accept", only "first datagram seen".
	raddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("transport(udp): unexpected peer address type %T", peer)
	}
	conn, err := net.DialUDP("udp", l.conn.LocalAddr().(*net.UDPAddr), raddr)
	if err != nil {
		return nil, fmt.Errorf("transport(udp): reconnect to %s: %w", raddr, err)
	}
	return newConnSession(conn, conn.RemoteAddr().String(), l.opts.IdleTimeout), nil
}
