package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/muxstream"
	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/registry"
	"github.com/tlstunnel/tlstunnel/internal/statemachine"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
	"github.com/tlstunnel/tlstunnel/internal/util"
)

// session is one authenticated client connection and everything it owns:
// its multiplexer, its registered proxy keys, and the public listeners
// bound on its behalf. It is created fresh for every accepted transport
// connection and discarded once that connection's run loop returns.
type session struct {
	id  string
	log *slog.Logger
	srv *Server
	sm  *statemachine.Machine

	muxReady chan struct{}
	mux      *muxstream.Session

	mu        sync.Mutex
	proxies   []tunnelcfg.ProxyEntry
	listeners []*proxyListener
}

func newSession(srv *Server) *session {
	return &session{
		id:       util.GenerateSessionID(),
		log:      srv.log,
		srv:      srv,
		sm:       statemachine.New(),
		muxReady: make(chan struct{}),
	}
}

// sessionOwner adapts *session to registry.StreamOpener. Registry
// entries reference the owner before the multiplexer exists yet (the
// handshake must insert entries and ack the client's config before the
// raw connection is wrapped in yamux), so OpenStream waits for muxReady.
type sessionOwner struct{ s *session }

func (o sessionOwner) OpenStream() (net.Conn, error) {
	select {
	case <-o.s.muxReady:
	case <-time.After(10 * time.Second):
		return nil, tunnelerr.ErrSessionClosed
	}
	if o.s.mux == nil {
		return nil, tunnelerr.ErrSessionClosed
	}
	return o.s.mux.OpenStream()
}

// run drives conn through the handshake, then the multiplexer's
// inbound-stream loop, until the session fails or the connection closes.
func (s *session) run(conn net.Conn) {
	defer conn.Close()
	s.log = s.srv.log.With("session", s.id, "remote", conn.RemoteAddr().String())

	proxies, err := s.handshake(conn)
	if err != nil {
		s.log.Warn("session handshake failed", "error", err)
		s.sm.Fail()
		s.sm.Close()
		return
	}
	s.proxies = proxies

	mux, err := muxstream.Server(conn, muxstream.Config{})
	if err != nil {
		s.log.Error("failed to start multiplexer", "error", err)
		s.sm.Fail()
		s.sm.Close()
		return
	}
	s.mux = mux
	close(s.muxReady)
	s.sm.Advance() // NegotiatingProxies -> Active

	s.startProxyListeners()
	defer s.teardown()

	s.log.Info("session active", "proxies", len(proxies))

	for {
		stream, err := mux.Accept()
		if err != nil {
			break
		}
		go s.srv.routeInboundStream(s.log, stream)
	}
	s.sm.Fail()
}

// handshake performs auth and config exchange directly on conn, before
// any multiplexer framing begins, per spec.md §6's phase ordering.
func (s *session) handshake(conn net.Conn) ([]tunnelcfg.ProxyEntry, error) {
	s.sm.Advance() // Connecting -> TLSHandshaking (for TLS the handshake runs on the first read below)
	s.sm.Advance() // TLSHandshaking -> Authenticating

	if err := protocol.ServerAuth(conn, []byte(s.srv.cfg.AuthKey)); err != nil {
		return nil, err
	}
	s.sm.Advance() // Authenticating -> NegotiatingProxies

	batch, err := protocol.ServerReadConfig(conn)
	if err != nil {
		return nil, err
	}
	if err := batch.Validate(s.srv.cfg.BindPort); err != nil {
		_ = protocol.ServerAckConfig(conn, false, err.Error())
		return nil, err
	}

	entries := make([]*registry.Entry, 0, len(batch.Proxies))
	for _, p := range batch.Proxies {
		entries = append(entries, &registry.Entry{
			Key:     registry.Key{Name: p.Name, PublishPort: p.PublishPort},
			Proxy:   p,
			Owner:   sessionOwner{s},
			Session: s.id,
		})
	}

	if err := s.srv.registry.InsertBatch(entries); err != nil {
		_ = protocol.ServerAckConfig(conn, false, err.Error())
		return nil, err
	}

	if err := protocol.ServerAckConfig(conn, true, ""); err != nil {
		s.srv.registry.RemoveSession(s.id)
		return nil, err
	}

	return batch.Proxies, nil
}

func (s *session) startProxyListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.proxies {
		l := newProxyListener(s, entry)
		if err := l.start(); err != nil {
			s.log.Warn("failed to bind public listener; this entry only is affected",
				"proxy", entry.Name, "publish_port", entry.PublishPort, "error", err)
			continue
		}
		s.listeners = append(s.listeners, l)
	}
}

// teardown unregisters the session's keys and tears down its public
// listeners and statistics trackers, per spec.md §4.11: "Closed
// unregisters the session's keys from the registry" on the server side.
func (s *session) teardown() {
	s.srv.registry.RemoveSession(s.id)

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, p := range s.proxies {
		s.srv.stats.Remove(p.Name)
	}

	s.sm.Close()
	s.log.Info("session closed")
}

// close force-terminates a running session from outside its run loop,
// used by Server.Stop.
func (s *session) close() {
	if s.mux != nil {
		_ = s.mux.Close()
	}
}

func bindAddr(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}
