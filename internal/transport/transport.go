// Package transport provides a uniform reliable-bytestream contract
// satisfied by four substrates: TCP, QUIC, KCP (over UDP), and a raw
// UDP stub reserved for throughput probing. Shared sender/receiver
// code is written against this interface alone; each driver is a
// tagged variant selected by name at session open.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotReliable is returned by any caller that attempts to run a file
// transfer over a transport whose Reliable() reports false.
var ErrNotReliable = errors.New("transport: substrate does not satisfy the reliable-bytestream contract")

// Session is one established, bidirectional, ordered byte stream
// between a sender and a receiver.
type Session interface {
	// ReadFull reads exactly len(p) bytes or returns an error.
	ReadFull(p []byte) error
	// WriteAll writes all of p or returns an error.
	WriteAll(p []byte) error
	// Read and Write satisfy io.Reader/io.Writer for callers (such as
	// wire.ReadFrame) that want to manage their own buffering.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// SetDeadline arms (or, with the zero Time, clears) an idle
	// deadline on subsequent Read/Write calls.
	SetDeadline(t time.Time) error
	// RemoteAddr identifies the peer, for logs and progress events.
	RemoteAddr() string
	// Close releases the session's underlying resources.
	Close() error
}

// Listener accepts inbound Sessions on a bound address.
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Addr() string
	Close() error
}

// Transport is a driver: it can listen for inbound sessions or dial
// an outbound one. Implementations must be safe to use from multiple
// goroutines for Dial; Listen is expected to be called once.
type Transport interface {
	// Name is the driver's selector string ("tcp", "udp", "quic", "kcp").
	Name() string
	// Reliable reports whether this substrate satisfies the ordered,
	// lossless, reliable-bytestream contract. Only "udp" returns false.
	Reliable() bool
	Listen(ctx context.Context, addr string) (Listener, error)
	Dial(ctx context.Context, addr string) (Session, error)
}

// Options configures transport construction. Not every driver uses
// every field.
type Options struct {
	// IdleTimeout is the idle deadline a Session re-arms before every
	// read and write. Zero disables deadline management; Open replaces
	// zero with DefaultIdleTimeout.
	IdleTimeout time.Duration
	// TLSServerName is the server name the QUIC driver's dialer puts in
	// its TLS config; ALPN is always "toolza/1".
	TLSServerName string
}

// DefaultIdleTimeout matches §5's default idle-read deadline.
const DefaultIdleTimeout = 30 * time.Second

func (o *Options) defaults() {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
}

// Open resolves a driver by its selector name ("tcp", "udp", "quic",
// "kcp"). Both ends of a transfer must agree on this name; a mismatch
// surfaces as a connection-level failure, not as a value this package
// can detect on its own (the two processes never compare notes on
// driver name directly — a HELLO exchange over mismatched substrates
// simply fails to parse, which callers treat as a connection error).
func Open(name string, opts Options) (Transport, error) {
	opts.defaults()
	switch name {
	case "tcp":
		return newTCPTransport(opts), nil
	case "udp":
		return newUDPTransport(opts), nil
	case "quic":
		return newQUICTransport(opts), nil
	case "kcp":
		return newKCPTransport(opts), nil
	default:
		return nil, fmt.Errorf("transport: unknown driver %q", name)
	}
}
