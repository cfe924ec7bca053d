package client

import (
	"log/slog"
	"net"

	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/stats"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// visitorListener binds one visitor entry's bind_addr:bind_port and opens
// an outbound stream toward the owning proxy's name+publish_port for
// every accepted local connection, per spec.md §4.9.
type visitorListener struct {
	entry   tunnelcfg.VisitorEntry
	client  *Client
	log     *slog.Logger
	tracker *stats.Tracker

	ln   net.Listener
	done chan struct{}
}

func newVisitorListener(c *Client, entry tunnelcfg.VisitorEntry) *visitorListener {
	return &visitorListener{
		entry:   entry,
		client:  c,
		log:     c.log.With("visitor", entry.Name),
		tracker: c.stats.Tracker(entry.Name),
		done:    make(chan struct{}),
	}
}

func (l *visitorListener) start() error {
	ln, err := net.Listen("tcp", bindAddr(l.entry.BindAddr, l.entry.BindPort))
	if err != nil {
		return err
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

func (l *visitorListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warn("visitor listener accept error", "error", err)
			return
		}
		go l.handle(conn)
	}
}

func (l *visitorListener) handle(conn net.Conn) {
	defer conn.Close()

	stream, err := l.client.openStream()
	if err != nil {
		l.log.Warn("failed to open outbound stream", "error", err)
		return
	}
	defer stream.Close()

	if err := protocol.WriteVisitorHeader(stream, l.entry.Name, l.entry.PublishPort); err != nil {
		l.log.Warn("failed to write visitor header", "error", err)
		return
	}

	ok, msg, err := protocol.ReadAck(stream)
	if err != nil {
		l.log.Warn("failed to read visitor ack", "error", err)
		return
	}
	if !ok {
		l.log.Warn("visitor request rejected", "reason", msg)
		return
	}

	guard := l.tracker.ConnectionStarted()
	defer guard.End()
	bridge(conn, stream, l.tracker)
}

func (l *visitorListener) Close() {
	close(l.done)
	if l.ln != nil {
		_ = l.ln.Close()
	}
}
