package server

import (
	"log/slog"
	"net"

	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/stats"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// proxyListener binds one accepted proxy entry's publish_addr:publish_port
// and bridges each inbound public connection to a freshly-opened stream
// on the owning session's multiplexer, per spec.md §4.7.
type proxyListener struct {
	entry   tunnelcfg.ProxyEntry
	session *session
	log     *slog.Logger
	tracker *stats.Tracker

	ln   net.Listener
	done chan struct{}
}

func newProxyListener(s *session, entry tunnelcfg.ProxyEntry) *proxyListener {
	return &proxyListener{
		entry:   entry,
		session: s,
		log:     s.log.With("proxy", entry.Name, "publish_port", entry.PublishPort),
		tracker: s.srv.stats.Tracker(entry.Name),
		done:    make(chan struct{}),
	}
}

func (l *proxyListener) start() error {
	addr := bindAddr(l.entry.PublishAddr, l.entry.PublishPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return tunnelerr.Wrap(tunnelerr.KindFatalHost, err, "bind "+addr)
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

func (l *proxyListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warn("public listener accept error", "error", err)
			return
		}
		go l.handle(conn)
	}
}

func (l *proxyListener) handle(conn net.Conn) {
	defer conn.Close()

	stream, err := l.session.mux.OpenStream()
	if err != nil {
		l.log.Warn("failed to open stream for public connection", "error", err)
		return
	}
	defer stream.Close()

	if err := protocol.WritePublicIngressHeader(stream, l.entry.PublishPort); err != nil {
		l.log.Warn("failed to write public-ingress header", "error", err)
		return
	}

	guard := l.tracker.ConnectionStarted()
	defer guard.End()

	bridge(conn, stream, l.tracker)
}

func (l *proxyListener) Close() {
	close(l.done)
	if l.ln != nil {
		_ = l.ln.Close()
	}
}
