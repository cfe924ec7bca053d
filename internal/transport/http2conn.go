package transport

import (
	"io"
	"net"
	"time"
)

// streamConn adapts a pair of unidirectional byte streams (and an optional
// flusher) to net.Conn, the shape the multiplexer needs; the HTTP/2
// transport uses it. Deadlines are not supported by the HTTP/2 body
// streams, so the deadline setters are no-ops; the multiplexer itself
// never relies on them. (The WebSocket transport uses wsConn, which
// passes deadlines through.)
type streamConn struct {
	r io.ReadCloser
	w io.Writer
	f flusher

	local, remote net.Addr
	closeOnce     func() error
}

type flusher interface {
	Flush() error
}

func (c *streamConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *streamConn) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, err
	}
	if c.f != nil {
		if ferr := c.f.Flush(); ferr != nil {
			return n, ferr
		}
	}
	return n, nil
}

func (c *streamConn) Close() error {
	if c.closeOnce != nil {
		return c.closeOnce()
	}
	return c.r.Close()
}

func (c *streamConn) LocalAddr() net.Addr  { return c.local }
func (c *streamConn) RemoteAddr() net.Addr { return c.remote }

func (c *streamConn) SetDeadline(t time.Time) error     { return nil }
func (c *streamConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *streamConn) SetWriteDeadline(t time.Time) error { return nil }
