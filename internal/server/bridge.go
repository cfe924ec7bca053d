package server

import (
	"io"
	"net"
	"sync"

	"github.com/tlstunnel/tlstunnel/internal/stats"
)

// bridge copies bytes in both directions between a (the public or
// visitor-facing side) and b (the multiplexed stream toward the owning
// session) until both copy loops finish. Either side ending triggers a
// half-close on the other's write side so the peer's reader sees EOF
// without losing any bytes already in flight, per spec.md §4.7 step 4.
func bridge(a, b net.Conn, tracker *stats.Tracker) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(b, a)
		if tracker != nil {
			tracker.AddBytesReceived(n)
		}
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(a, b)
		if tracker != nil {
			tracker.AddBytesSent(n)
		}
		closeWrite(a)
	}()

	wg.Wait()
}

// closeWrite half-closes c's write side when it supports it (yamux
// streams and *net.TCPConn both implement CloseWrite), falling back to a
// full close for connection types that don't.
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
		return
	}
	_ = c.Close()
}
