package transport

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"
)

// kcpConv is the conversation id both ends of a toolza session agree
// on in advance (§6). KCP demultiplexes sessions sharing one UDP
// socket by conv id; fixing it lets a listener and a single dialer
// rendezvous without an extra handshake packet.
const kcpConv uint32 = 0x00000001

// kcpTunables are chosen for LAN latency per §4.2: NoDelay mode,
// 10ms internal update interval, fast-resend after 2 ACKs, no
// congestion control.
const (
	kcpNoDelay   = 1
	kcpInterval  = 10
	kcpResend    = 2
	kcpNoCongest = 1
)

type kcpTransport struct {
	opts Options
}

func newKCPTransport(opts Options) *kcpTransport { return &kcpTransport{opts: opts} }

func (t *kcpTransport) Name() string   { return "kcp" }
func (t *kcpTransport) Reliable() bool { return true }

func (t *kcpTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	ln, err := kcp.ListenWithOptions(addr, nil, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("transport(kcp): listen %s: %w", addr, err)
	}
	return &kcpListener{ln: ln, opts: t.opts}, nil
}

func (t *kcpTransport) Dial(ctx context.Context, addr string) (Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport(kcp): resolve %s: %w", addr, err)
	}
	network := "udp4"
	if raddr.IP.To4() == nil {
		network = "udp"
	}
	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("transport(kcp): bind local socket: %w", err)
	}
	sess, err := kcp.NewConn3(kcpConv, raddr, nil, 0, 0, conn)
	if err != nil {
		return nil, fmt.Errorf("transport(kcp): dial %s: %w", addr, err)
	}
	tuneKCPSession(sess)
	return newConnSession(sess, sess.RemoteAddr().String(), t.opts.IdleTimeout), nil
}

func tuneKCPSession(sess *kcp.UDPSession) {
	sess.SetNoDelay(kcpNoDelay, kcpInterval, kcpResend, kcpNoCongest)
}

type kcpListener struct {
	ln   *kcp.Listener
	opts Options
}

func (l *kcpListener) Addr() string { return l.ln.Addr().String() }
func (l *kcpListener) Close() error { return l.ln.Close() }

func (l *kcpListener) Accept(ctx context.Context) (Session, error) {
	type result struct {
		sess *kcp.UDPSession
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := l.ln.AcceptKCP()
		ch <- result{sess, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("transport(kcp): accept: %w", r.err)
		}
		tuneKCPSession(r.sess)
		return newConnSession(r.sess, r.sess.RemoteAddr().String(), l.opts.IdleTimeout), nil
	}
}
