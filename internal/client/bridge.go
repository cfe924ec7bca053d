package client

import (
	"io"
	"net"
	"sync"

	"github.com/tlstunnel/tlstunnel/internal/stats"
)

// bridge copies bytes between a and b until both directions hit EOF or an
// error, updating tracker's byte counters as it goes. Mirrors the server
// side's bridge helper; kept as its own small copy rather than shared
// across packages since each side tracks bytes from its own perspective.
func bridge(a, b net.Conn, tracker *stats.Tracker) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(b, a)
		tracker.AddBytesSent(n)
		closeWrite(b)
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(a, b)
		tracker.AddBytesReceived(n)
		closeWrite(a)
	}()

	wg.Wait()
}

func closeWrite(c net.Conn) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}
