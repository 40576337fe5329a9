package transport

import (
	"fmt"
	"io"
	"time"
)

// deadlineConn is the subset of net.Conn (and quic.Stream, kcp.UDPSession)
// that connSession needs to implement Session.
type deadlineConn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// connSession adapts any deadlineConn into a Session, providing the
// ReadFull/WriteAll helpers shared by every driver.
type connSession struct {
	conn   deadlineConn
	remote string
	idle   time.Duration
}

func newConnSession(conn deadlineConn, remote string, idle time.Duration) *connSession {
	return &connSession{conn: conn, remote: remote, idle: idle}
}

func (s *connSession) Read(p []byte) (int, error) {
	if s.idle > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.idle))
	}
	return s.conn.Read(p)
}

func (s *connSession) Write(p []byte) (int, error) {
	if s.idle > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.idle))
	}
	return s.conn.Write(p)
}

func (s *connSession) ReadFull(p []byte) error {
	if s.idle > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.idle))
	}
	_, err := io.ReadFull(s.conn, p)
	if err != nil {
		return fmt.Errorf("transport: read %d bytes from %s: %w", len(p), s.remote, err)
	}
	return nil
}

func (s *connSession) WriteAll(p []byte) error {
	if s.idle > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.idle))
	}
	written := 0
	for written < len(p) {
		n, err := s.conn.Write(p[written:])
		written += n
		if err != nil {
			return fmt.Errorf("transport: write to %s: %w", s.remote, err)
		}
	}
	return nil
}

func (s *connSession) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }
func (s *connSession) RemoteAddr() string            { return s.remote }
func (s *connSession) Close() error                  { return s.conn.Close() }
