package transport

import "net"

// NewMemoryPair returns two connected, in-process Sessions backed by
// net.Pipe, reliable and ordered like TCP/QUIC/KCP. It is used by
// sender/receiver tests that exercise the protocol state machines
// without opening real sockets.
func NewMemoryPair() (a, b Session) {
	c1, c2 := net.Pipe()
	return newConnSession(c1, "memory-a", 0), newConnSession(c2, "memory-b", 0)
}
