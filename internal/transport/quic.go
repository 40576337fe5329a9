package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	quic "github.com/quic-go/quic-go"
)

// alpnProtocol identifies this protocol to the TLS layer (§6). The
// LAN trust model means both ends accept a self-signed certificate
// without verification — there is no CA and no identity check.
const alpnProtocol = "toolza/1"

type quicTransport struct {
	opts Options
}

func newQUICTransport(opts Options) *quicTransport { return &quicTransport{opts: opts} }

func (t *quicTransport) Name() string   { return "quic" }
func (t *quicTransport) Reliable() bool { return true }

func (t *quicTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	tlsConf, err := selfSignedServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("transport(quic): generate cert: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport(quic): listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln, opts: t.opts}, nil
}

func (t *quicTransport) Dial(ctx context.Context, addr string) (Session, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // LAN trust model; no CA, no identity check (§1, §4.2)
		NextProtos:         []string{alpnProtocol},
		ServerName:         t.opts.TLSServerName,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport(quic): dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport(quic): open stream: %w", err)
	}
	return newConnSession(&quicStreamConn{stream: stream}, conn.RemoteAddr().String(), t.opts.IdleTimeout), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: DefaultIdleTimeout}
}

type quicListener struct {
	ln   *quic.Listener
	opts Options
}

func (l *quicListener) Addr() string { return l.ln.Addr().String() }
func (l *quicListener) Close() error { return l.ln.Close() }

func (l *quicListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport(quic): accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport(quic): accept stream: %w", err)
	}
	return newConnSession(&quicStreamConn{stream: stream}, conn.RemoteAddr().String(), l.opts.IdleTimeout), nil
}

// quicStreamConn adapts a quic.Stream (which exposes separate
// Set{Read,Write}Deadline methods) to the combined SetDeadline shape
// connSession expects.
type quicStreamConn struct {
	stream quic.Stream
}

func (c *quicStreamConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicStreamConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicStreamConn) Close() error                { return c.stream.Close() }
func (c *quicStreamConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

// selfSignedServerTLSConfig generates an in-memory, unsigned-by-any-CA
// certificate. The system is intended for LAN trust (§4.2): there is
// no certificate authority to provision, so each Listen generates its
// own key pair and the dialer accepts it without verification.
func selfSignedServerTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "toolza-lan"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpnProtocol},
	}, nil
}
