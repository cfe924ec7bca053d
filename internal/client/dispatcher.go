package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/pool"
	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// Defaults for LOCAL_CONNECT_RETRIES and LOCAL_RETRY_DELAY_MS, per
// spec.md §4.8 and the TLS_TUNNEL_LOCAL_* overrides in §6.
const (
	defaultLocalConnectRetries = 3
	defaultLocalRetryDelayMs   = 1000
)

// dispatch handles one inbound stream the server opened toward this
// client: read its publish_port header, find the matching proxy entry,
// obtain a local-service connection, and bridge.
func (c *Client) dispatch(ctx context.Context, stream net.Conn) {
	defer stream.Close()

	publishPort, err := protocol.ReadPublicIngressHeader(stream)
	if err != nil {
		c.log.Warn("failed to read public-ingress header", "error", err)
		return
	}

	c.mu.Lock()
	entry, ok := c.proxyByPort[publishPort]
	c.mu.Unlock()
	if !ok {
		c.log.Warn("inbound stream for unknown publish_port", "publish_port", publishPort)
		return
	}

	addr := bindAddr("127.0.0.1", entry.LocalPort)
	p := c.poolFor(entry)

	conn, tag, err := c.dialLocalWithRetries(ctx, p, addr)
	if err != nil {
		c.log.Warn("failed to reach local service", "proxy", entry.Name, "local_addr", addr, "error", err)
		return
	}

	// A pooled connection may have gone stale since it was returned; a
	// dead one on this first use gets one fresh-dial retry rather than
	// failing the whole stream, per spec.md §4.8. This only catches the
	// connection being dead before the bridge starts — an I/O error on
	// the first write/read once bridge() is already running is not
	// retried, since by then bytes from the public side may already be
	// in flight and re-dialing could silently drop them.
	if tag == pool.TagPooled && localConnAppearsDead(conn) {
		p.Discard(addr, conn)
		fresh, dialErr := net.DialTimeout("tcp", addr, c.localDialTimeout())
		if dialErr != nil {
			c.log.Warn("retry dial to local service failed", "proxy", entry.Name, "local_addr", addr, "error", dialErr)
			return
		}
		conn, tag = fresh, pool.TagNew
	}

	tracker := c.stats.Tracker(entry.Name)
	guard := tracker.ConnectionStarted()
	bridge(stream, conn, tracker)
	guard.End()

	if entry.Type.ShouldReuseConnections() {
		p.Return(addr, conn)
	} else {
		p.Discard(addr, conn)
	}
}

func (c *Client) poolFor(entry tunnelcfg.ProxyEntry) *pool.Pool {
	if entry.Type.ShouldReuseConnections() {
		return c.reusePool
	}
	return c.pool
}

func (c *Client) localDialTimeout() time.Duration {
	if ms := c.cfg.Pool.ConnectTimeoutMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return pool.DefaultConfig().ConnectTimeout
}

// dialLocalWithRetries obtains a connection to addr from p, retrying a
// fresh dial up to LOCAL_CONNECT_RETRIES times on failure with a fixed
// LOCAL_RETRY_DELAY_MS between attempts.
func (c *Client) dialLocalWithRetries(ctx context.Context, p *pool.Pool, addr string) (net.Conn, pool.Tag, error) {
	retries := c.cfg.Reconnect.LocalConnectRetries
	if retries <= 0 {
		retries = defaultLocalConnectRetries
	}
	delay := c.cfg.Reconnect.LocalRetryDelayMs
	if delay <= 0 {
		delay = defaultLocalRetryDelayMs
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		conn, tag, err := p.Get(ctx, addr)
		if err == nil {
			return conn, tag, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-time.After(time.Duration(delay) * time.Millisecond):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
	}
	return nil, 0, fmt.Errorf("dial %s after %d attempts: %w", addr, retries+1, lastErr)
}

// localConnAppearsDead performs a non-blocking, non-consuming read to spot
// a pooled connection whose peer has already closed it, mirroring the
// pool package's own idle-health probe.
func localConnAppearsDead(conn net.Conn) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return false
	}
	if err := tc.SetReadDeadline(time.Now().Add(2 * time.Millisecond)); err != nil {
		return false
	}
	defer tc.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := tc.Read(buf[:])
	if n > 0 {
		return false
	}
	if err == nil {
		return true
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false
	}
	return true
}
