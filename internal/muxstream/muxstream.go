// Package muxstream layers independent, ordered, flow-controlled streams
// over a single authenticated transport connection. It is a thin wrapper
// over hashicorp/yamux: the spec does not prescribe a frame format, and
// yamux's 12-byte headers and windowed flow control already satisfy the
// stream-lifecycle, ordering, and teardown semantics required.
package muxstream

import (
	"net"
	"time"

	"github.com/hashicorp/yamux"
)

// Session is one multiplexed session riding on a single duplex transport
// connection. Either side can open outbound streams; inbound streams
// arrive through Accept.
type Session struct {
	ym *yamux.Session
}

// Config mirrors the yamux knobs the tunnel cares about, defaulted to
// yamux's own defaults (256 KiB window, 30s keepalive) unless overridden.
type Config struct {
	AcceptBacklog       int
	KeepAliveInterval   time.Duration
	MaxStreamWindowSize uint32
}

func toYamuxConfig(cfg Config) *yamux.Config {
	base := yamux.DefaultConfig()
	if cfg.AcceptBacklog > 0 {
		base.AcceptBacklog = cfg.AcceptBacklog
	}
	if cfg.KeepAliveInterval > 0 {
		base.KeepAliveInterval = cfg.KeepAliveInterval
	}
	if cfg.MaxStreamWindowSize > 0 {
		base.MaxStreamWindowSize = cfg.MaxStreamWindowSize
	}
	base.LogOutput = nil
	base.Logger = nil
	return base
}

// Client layers a session on conn in the "connect" role: it is the side
// that dials the transport (the client's visitor/forwarder listeners
// open streams toward the server; the server opens streams toward the
// client for public ingress, which the client's dispatcher accepts). Either
// role may both open and accept streams — yamux does not distinguish.
func Client(conn net.Conn, cfg Config) (*Session, error) {
	ym, err := yamux.Client(conn, toYamuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Session{ym: ym}, nil
}

// Server layers a session on conn in the "accept" role.
func Server(conn net.Conn, cfg Config) (*Session, error) {
	ym, err := yamux.Server(conn, toYamuxConfig(cfg))
	if err != nil {
		return nil, err
	}
	return &Session{ym: ym}, nil
}

// OpenStream opens a new outbound stream. Blocks until yamux has
// capacity in its accept backlog on the peer or the session closes.
func (s *Session) OpenStream() (net.Conn, error) {
	return s.ym.OpenStream()
}

// Accept blocks until an inbound stream arrives or the session closes.
func (s *Session) Accept() (net.Conn, error) {
	return s.ym.AcceptStream()
}

// Close tears down the session; every open stream fails its next
// read/write with an I/O error, and pending Accept/OpenStream calls
// return an error.
func (s *Session) Close() error {
	return s.ym.Close()
}

// IsClosed reports whether the session has already been torn down.
func (s *Session) IsClosed() bool {
	select {
	case <-s.ym.CloseChan():
		return true
	default:
		return false
	}
}

// CloseChan is closed when the session tears down, for callers that
// want to select on session death alongside other events.
func (s *Session) CloseChan() <-chan struct{} {
	return s.ym.CloseChan()
}

// NumStreams reports the number of currently open streams, used by
// diagnostics and tests.
func (s *Session) NumStreams() int {
	return s.ym.NumStreams()
}
