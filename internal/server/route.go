package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// visitorHeaderTimeout bounds how long the server waits for a client to
// finish sending a visitor/forwarder stream header, per spec.md §5.
const visitorHeaderTimeout = 30 * time.Second

// routeInboundStream handles a stream a client opened toward the server:
// either a visitor lookup against the registry, or — if allow_forward is
// set — an external forwarder egress dial, per spec.md §4.9.
func (srv *Server) routeInboundStream(log *slog.Logger, stream net.Conn) {
	if err := stream.SetReadDeadline(time.Now().Add(visitorHeaderTimeout)); err != nil {
		stream.Close()
		return
	}
	name, publishPort, err := protocol.ReadVisitorHeader(stream)
	if err != nil {
		log.Warn("failed to read visitor/forwarder header", "error", err)
		stream.Close()
		return
	}
	_ = stream.SetReadDeadline(time.Time{})

	if target, ok := tunnelcfg.IsForwardTarget(name); ok {
		srv.handleForward(log, stream, target)
		return
	}
	srv.handleVisitor(log, stream, name, publishPort)
}

func (srv *Server) handleVisitor(log *slog.Logger, stream net.Conn, name string, publishPort uint16) {
	defer stream.Close()

	entry, ok := srv.registry.Lookup(name, publishPort)
	if !ok {
		_ = protocol.WriteAck(stream, false, fmt.Sprintf("no such proxy %q on port %d", name, publishPort))
		return
	}

	owned, err := entry.Owner.OpenStream()
	if err != nil {
		log.Warn("failed to reach owning session for visitor stream", "proxy", name, "error", err)
		_ = protocol.WriteAck(stream, false, "owning session unavailable")
		return
	}
	defer owned.Close()

	if err := protocol.WritePublicIngressHeader(owned, entry.Key.PublishPort); err != nil {
		_ = protocol.WriteAck(stream, false, "failed to reach owning session")
		return
	}

	if err := protocol.WriteAck(stream, true, ""); err != nil {
		return
	}

	tracker := srv.stats.Tracker(name)
	guard := tracker.ConnectionStarted()
	defer guard.End()
	bridge(stream, owned, tracker)
}

func (srv *Server) handleForward(log *slog.Logger, stream net.Conn, target string) {
	defer stream.Close()

	if !srv.cfg.AllowForward {
		_ = protocol.WriteAck(stream, false, "forwarding is not enabled on this server")
		return
	}

	host, _, err := net.SplitHostPort(target)
	if err != nil {
		_ = protocol.WriteAck(stream, false, fmt.Sprintf("invalid forward target %q", target))
		return
	}
	if err := srv.ssrf.Check(context.Background(), host); err != nil {
		_ = protocol.WriteAck(stream, false, err.Error())
		return
	}

	srv.dialAndBridgeForward(stream, host, target)
}

// dialAndBridgeForward performs the egress half of forwarder handling once
// the target has cleared the allow_forward and SSRF checks: dial, ack, and
// bridge.
func (srv *Server) dialAndBridgeForward(stream net.Conn, host, target string) {
	conn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		_ = protocol.WriteAck(stream, false, fmt.Sprintf("dial %s: %v", target, err))
		return
	}
	defer conn.Close()

	if err := protocol.WriteAck(stream, true, ""); err != nil {
		return
	}

	tracker := srv.stats.Tracker("@forward:" + host)
	guard := tracker.ConnectionStarted()
	defer guard.End()
	bridge(stream, conn, tracker)
}
