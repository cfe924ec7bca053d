// Package transport abstracts the outer duplex connection a session rides
// on. The multiplexer (internal/muxstream) only needs a net.Conn, so every
// backend here just has to produce one — TLS does this directly, HTTP/2 and
// WebSocket each negotiate their own framing and expose the single stream
// they carry as a net.Conn.
package transport

import (
	"context"
	"net"
)

// Dialer is the client side of a transport: it produces one outbound
// connection per call. Sessions call Dial once at startup and again on
// reconnect.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Listener is the server side of a transport: it accepts inbound
// connections, each becoming one session.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
	Addr() net.Addr
}

// Kind names a configured transport backend, used to pick a constructor
// from Config at startup.
type Kind string

const (
	KindTLS       Kind = "tls"
	KindHTTP2     Kind = "http2"
	KindWebSocket Kind = "wss"
)
