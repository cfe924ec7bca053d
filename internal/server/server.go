// Package server implements the tunnel server side: it accepts transport
// connections, drives each through the session handshake, and owns the
// process-wide proxy registry and statistics manager that every
// session's public listeners and routed streams feed.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tlstunnel/tlstunnel/internal/config"
	"github.com/tlstunnel/tlstunnel/internal/registry"
	"github.com/tlstunnel/tlstunnel/internal/security"
	"github.com/tlstunnel/tlstunnel/internal/stats"
	"github.com/tlstunnel/tlstunnel/internal/transport"
)

// Server is the tunnel server.
type Server struct {
	cfg config.ServerConfig
	log *slog.Logger

	registry *registry.Registry
	stats    *stats.Manager
	ssrf     *security.Filter
	limiter  *rate.Limiter

	ln transport.Listener

	mu       sync.Mutex
	sessions map[string]*session
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Server from cfg. Call Run to start accepting connections.
func New(cfg config.ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		registry: registry.New(),
		stats:    stats.NewManager(),
		ssrf:     security.NewFilter(nil),
		limiter:  NewConnectLimiter(cfg.RateLimit),
		sessions: make(map[string]*session),
		stopCh:   make(chan struct{}),
	}
}

// Run builds the configured transport listener and accepts sessions
// until ctx is cancelled or Stop is called. It blocks until the listener
// stops, returning nil on a clean shutdown.
func (srv *Server) Run(ctx context.Context) error {
	tlsCfg, err := srv.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("server: build tls config: %w", err)
	}

	ln, err := transport.ListenerFor(transport.Kind(srv.cfg.Transport), bindAddr(srv.cfg.BindAddr, srv.cfg.BindPort), tlsCfg, srv.log)
	if err != nil {
		return fmt.Errorf("server: build listener: %w", err)
	}
	srv.mu.Lock()
	srv.ln = ln
	srv.mu.Unlock()
	srv.log.Info("server listening", "addr", ln.Addr().String(), "transport", srv.cfg.Transport)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-srv.stopCh:
				return nil
			default:
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		if err := srv.limiter.Wait(ctx); err != nil {
			conn.Close()
			continue
		}
		go srv.acceptSession(conn)
	}
}

func (srv *Server) acceptSession(conn net.Conn) {
	s := newSession(srv)

	srv.mu.Lock()
	srv.sessions[s.id] = s
	srv.mu.Unlock()

	defer func() {
		srv.mu.Lock()
		delete(srv.sessions, s.id)
		srv.mu.Unlock()
	}()

	s.run(conn)
}

// Stop closes the listener and every active session's multiplexer,
// which propagates shutdown to every open stream and public listener.
// Idempotent.
func (srv *Server) Stop() {
	srv.stopOnce.Do(func() {
		close(srv.stopCh)

		srv.mu.Lock()
		ln := srv.ln
		sessions := make([]*session, 0, len(srv.sessions))
		for _, s := range srv.sessions {
			sessions = append(sessions, s)
		}
		srv.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}

		var g errgroup.Group
		for _, s := range sessions {
			s := s
			g.Go(func() error {
				s.close()
				return nil
			})
		}
		_ = g.Wait()
	})
}

// Addr returns the transport listener's bound address, or nil before Run
// has started listening. Useful when BindPort is 0 and the OS picks the
// actual port, as in tests that need to dial the server back.
func (srv *Server) Addr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Registry exposes the proxy registry for diagnostics endpoints and tests.
func (srv *Server) Registry() *registry.Registry { return srv.registry }

// Stats exposes the statistics manager for diagnostics endpoints and tests.
func (srv *Server) Stats() *stats.Manager { return srv.stats }

func (srv *Server) buildTLSConfig() (*tls.Config, error) {
	if srv.cfg.CertPath == "" || srv.cfg.KeyPath == "" {
		srv.log.Warn("no cert_path/key_path configured; using a generated self-signed certificate")
		cert, err := transport.GenerateSelfSigned("tlstunnel", []string{srv.cfg.BindAddr, "localhost", "127.0.0.1"})
		if err != nil {
			return nil, fmt.Errorf("server: generate self-signed certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	cert, err := tls.LoadX509KeyPair(srv.cfg.CertPath, srv.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("server: load certificate: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
