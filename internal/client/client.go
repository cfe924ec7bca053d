// Package client implements the tunnel client side: it dials the server,
// drives the session handshake, and then runs three concurrent duties on
// top of the resulting multiplexer — dispatching inbound public-ingress
// streams to local services, and running the visitor and forwarder
// listeners that open outbound streams back to the server.
package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tlstunnel/tlstunnel/internal/config"
	"github.com/tlstunnel/tlstunnel/internal/muxstream"
	"github.com/tlstunnel/tlstunnel/internal/pool"
	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/security"
	"github.com/tlstunnel/tlstunnel/internal/statemachine"
	"github.com/tlstunnel/tlstunnel/internal/stats"
	"github.com/tlstunnel/tlstunnel/internal/transport"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/util"
)

// Client is one tunnel client: one reconnecting session driving a pool of
// local connections, a dispatcher, and the visitor/forwarder listeners
// declared in its configuration.
type Client struct {
	cfg config.ClientConfig
	log *slog.Logger

	id string

	pool      *pool.Pool
	reusePool *pool.Pool
	stats     *stats.Manager
	geo       *security.GeoRouter

	backoff *reconnectBackoff

	mu          sync.Mutex
	proxyByPort map[uint16]tunnelcfg.ProxyEntry
	mux         *muxstream.Session
	sm          *statemachine.Machine

	visitorListeners   []*visitorListener
	forwarderListeners []*forwarderListener
}

// New builds a Client from cfg. Call Run to dial and stay connected.
func New(cfg config.ClientConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	poolCfg := pool.DefaultConfig()
	if p := cfg.Pool; p.MaxSize > 0 {
		poolCfg.MaxSize = p.MaxSize
	}
	if p := cfg.Pool; p.MinIdle > 0 {
		poolCfg.MinIdle = p.MinIdle
	}
	if p := cfg.Pool; p.MaxIdleSecs > 0 {
		poolCfg.MaxIdleTime = p.MaxIdleTime()
	}
	if p := cfg.Pool; p.ConnectTimeoutMs > 0 {
		poolCfg.ConnectTimeout = time.Duration(p.ConnectTimeoutMs) * time.Millisecond
	}
	if p := cfg.Pool; p.KeepaliveSecs > 0 {
		poolCfg.KeepaliveTime = time.Duration(p.KeepaliveSecs) * time.Second
	}
	if p := cfg.Pool; p.KeepaliveIntervalSecs > 0 {
		poolCfg.KeepaliveInterval = time.Duration(p.KeepaliveIntervalSecs) * time.Second
	}

	c := &Client{
		id:          util.GenerateSessionID(),
		cfg:         cfg,
		log:         log,
		stats:       stats.NewManager(),
		backoff:     newBackoff(cfg.Reconnect),
		proxyByPort: make(map[uint16]tunnelcfg.ProxyEntry, len(cfg.Proxies)),
	}
	for _, p := range cfg.Proxies {
		c.proxyByPort[p.PublishPort] = p
	}

	// pool.Pool bakes ReuseConnections into a single Config, so reuse-
	// capable proxy types (http1, http2) draw from a second pool with
	// reuse enabled, rather than keying one pool's behaviour per get.
	reusing := poolCfg
	reusing.ReuseConnections = true
	c.pool = pool.New(poolCfg, log)
	c.reusePool = pool.New(reusing, log)

	if mmdbPath := firstGeoMMDBPath(cfg.Forwarders); mmdbPath != "" {
		if geo, err := security.OpenGeoRouter(mmdbPath); err != nil {
			log.Warn("failed to open geoip database; forwarder routing policy disabled", "error", err)
		} else {
			c.geo = geo
		}
	}

	return c
}

func firstGeoMMDBPath(forwarders []tunnelcfg.ForwarderEntry) string {
	for _, f := range forwarders {
		if f.Routing.MMDBPath != "" {
			return f.Routing.MMDBPath
		}
	}
	return ""
}

// Run dials the server and runs the session until ctx is cancelled,
// reconnecting with backoff on every failure in between, per spec.md
// §4.11's client-side "Closed schedules a reconnect" rule.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn("session ended, reconnecting", "error", err)
		}

		delay := c.backoff.next()
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	c.sm = statemachine.New()
	c.sm.Advance() // Connecting -> TLSHandshaking

	tlsCfg, err := c.buildTLSConfig()
	if err != nil {
		return fmt.Errorf("client: build tls config: %w", err)
	}

	dialer, err := transport.DialerFor(transport.Kind(c.cfg.Transport), bindAddr(c.cfg.ServerAddr, c.cfg.ServerPort), tlsCfg)
	if err != nil {
		return fmt.Errorf("client: build dialer: %w", err)
	}

	conn, err := dialer.Dial(ctx)
	if err != nil {
		c.sm.Fail()
		c.sm.Close()
		return fmt.Errorf("client: dial: %w", err)
	}
	defer conn.Close()

	c.sm.Advance() // TLSHandshaking -> Authenticating
	if err := c.handshake(conn); err != nil {
		c.sm.Fail()
		c.sm.Close()
		return err
	}

	mux, err := muxstream.Client(conn, muxstream.Config{})
	if err != nil {
		c.sm.Fail()
		c.sm.Close()
		return fmt.Errorf("client: start multiplexer: %w", err)
	}
	c.mu.Lock()
	c.mux = mux
	c.mu.Unlock()
	c.sm.Advance() // NegotiatingProxies -> Active
	c.backoff.reset()

	go func() {
		select {
		case <-ctx.Done():
			_ = mux.Close()
		case <-mux.CloseChan():
		}
	}()

	c.startListeners()
	defer c.stopListeners()

	c.log.Info("session active", "client", c.id, "server", bindAddr(c.cfg.ServerAddr, c.cfg.ServerPort))

	for {
		stream, err := mux.Accept()
		if err != nil {
			break
		}
		go c.dispatch(ctx, stream)
	}

	c.sm.Fail()
	c.sm.Close()
	return fmt.Errorf("client: multiplexer closed")
}

func (c *Client) handshake(conn net.Conn) error {
	if err := protocol.ClientAuth(conn, []byte(c.cfg.AuthKey)); err != nil {
		return err
	}
	c.sm.Advance() // Authenticating -> NegotiatingProxies

	batch := tunnelcfg.ConfigBatch{
		Version:  protocol.ProtocolVer,
		Proxies:  c.cfg.Proxies,
		Visitors: c.cfg.Visitors,
	}
	return protocol.ClientSubmitConfig(conn, batch)
}

func (c *Client) startListeners() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, v := range c.cfg.Visitors {
		l := newVisitorListener(c, v)
		if err := l.start(); err != nil {
			c.log.Warn("failed to bind visitor listener", "visitor", v.Name, "error", err)
			continue
		}
		c.visitorListeners = append(c.visitorListeners, l)
	}

	for _, f := range c.cfg.Forwarders {
		l := newForwarderListener(c, f)
		if err := l.start(); err != nil {
			c.log.Warn("failed to bind forwarder listener", "forwarder", f.Name, "error", err)
			continue
		}
		c.forwarderListeners = append(c.forwarderListeners, l)
	}
}

func (c *Client) stopListeners() {
	c.mu.Lock()
	visitors := c.visitorListeners
	forwarders := c.forwarderListeners
	c.visitorListeners = nil
	c.forwarderListeners = nil
	c.mu.Unlock()

	var g errgroup.Group
	for _, l := range visitors {
		l := l
		g.Go(func() error {
			l.Close()
			return nil
		})
	}
	for _, l := range forwarders {
		l := l
		g.Go(func() error {
			l.Close()
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Client) openStream() (net.Conn, error) {
	c.mu.Lock()
	mux := c.mux
	c.mu.Unlock()
	if mux == nil {
		return nil, fmt.Errorf("client: no active session")
	}
	return mux.OpenStream()
}

func (c *Client) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.SkipVerify}
	if c.cfg.CACertPath == "" {
		return tlsCfg, nil
	}
	pem, err := os.ReadFile(c.cfg.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("client: read ca cert: %w", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("client: no certificates found in %s", c.cfg.CACertPath)
	}
	tlsCfg.RootCAs = certPool
	return tlsCfg, nil
}

func bindAddr(host string, port uint16) string {
	return fmt.Sprintf("%s:%d", host, port)
}
