// Package pool amortises TCP setup cost to local services by keeping a
// bounded set of idle outbound connections per address, with idle
// eviction and a non-blocking health probe on return.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// Config controls pooling behaviour for one Pool instance. The client
// builds two pools from its global pool settings, one with
// ReuseConnections set and one without, and picks between them by each
// entry's reuse capability.
type Config struct {
	MinIdle           int
	MaxSize           int
	MaxIdleTime       time.Duration
	ConnectTimeout    time.Duration
	KeepaliveTime     time.Duration // 0 disables
	KeepaliveInterval time.Duration // 0 disables
	ReuseConnections  bool
}

// DefaultConfig mirrors the reference defaults: short-lived idle window,
// modest ceiling, reuse left to the caller's proxy-type capability.
func DefaultConfig() Config {
	return Config{
		MinIdle:           2,
		MaxSize:           10,
		MaxIdleTime:       60 * time.Second,
		ConnectTimeout:    5 * time.Second,
		KeepaliveTime:     30 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		ReuseConnections:  false,
	}
}

// Tag distinguishes a connection handed back by Get that was already
// open (pooled) from one freshly dialed (new) — callers may want to
// treat a pooled connection's first I/O error differently (see the
// client dispatcher's one-retry rule).
type Tag int

const (
	TagNew Tag = iota
	TagPooled
)

type pooledConn struct {
	conn      net.Conn
	createdAt time.Time
	lastUsed  time.Time
}

type subPool struct {
	mu     sync.Mutex
	addr   string
	idle   []*pooledConn
	active int
}

// Pool manages one sub-pool per address, all sharing Config.
type Pool struct {
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]*subPool

	stopCleanup chan struct{}
	cleanupOnce sync.Once
}

func New(cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		cfg:         cfg,
		log:         log,
		subs:        make(map[string]*subPool),
		stopCleanup: make(chan struct{}),
	}
	go p.cleanupLoop()
	return p
}

func (p *Pool) subPoolFor(addr string) *subPool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.subs[addr]
	if !ok {
		sp = &subPool{addr: addr}
		p.subs[addr] = sp
	}
	return sp
}

// Get returns a connection to addr, reusing an idle one when available.
// Returns tunnelerr.ErrPoolExhausted when active+idle has already
// reached MaxSize and no idle connection exists.
func (p *Pool) Get(ctx context.Context, addr string) (net.Conn, Tag, error) {
	sp := p.subPoolFor(addr)

	sp.mu.Lock()
	p.evictExpiredLocked(sp)

	if n := len(sp.idle); n > 0 {
		pc := sp.idle[n-1]
		sp.idle = sp.idle[:n-1]
		sp.active++
		sp.mu.Unlock()
		return pc.conn, TagPooled, nil
	}

	total := sp.active + len(sp.idle)
	if total >= p.cfg.MaxSize {
		sp.mu.Unlock()
		return nil, 0, tunnelerr.ErrPoolExhausted
	}
	sp.active++
	sp.mu.Unlock()

	conn, err := p.dial(ctx, addr)
	if err != nil {
		sp.mu.Lock()
		sp.active = saturatingSub(sp.active, 1)
		sp.mu.Unlock()
		return nil, 0, err
	}
	return conn, TagNew, nil
}

func (p *Pool) dial(ctx context.Context, addr string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, tunnelerr.Wrap(tunnelerr.KindTransientNetwork, err, fmt.Sprintf("dial %s", addr))
	}
	p.applyKeepalive(conn)
	return conn, nil
}

func (p *Pool) applyKeepalive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok || (p.cfg.KeepaliveTime == 0 && p.cfg.KeepaliveInterval == 0) {
		return
	}
	if err := tc.SetKeepAlive(true); err != nil {
		p.log.Warn("failed to enable tcp keepalive", "error", err)
		return
	}
	if p.cfg.KeepaliveTime > 0 {
		if err := tc.SetKeepAlivePeriod(p.cfg.KeepaliveTime); err != nil {
			p.log.Warn("failed to set tcp keepalive period", "error", err)
		}
	}
}

// Return hands conn back to the pool for addr, dropping it instead when
// reuse is disabled, the connection is unhealthy, or the idle list is
// already at capacity.
func (p *Pool) Return(addr string, conn net.Conn) {
	sp := p.subPoolFor(addr)

	sp.mu.Lock()
	sp.active = saturatingSub(sp.active, 1)

	if !p.cfg.ReuseConnections || !isHealthy(conn) {
		sp.mu.Unlock()
		_ = conn.Close()
		return
	}

	if len(sp.idle) >= p.cfg.MaxSize-sp.active {
		sp.mu.Unlock()
		_ = conn.Close()
		return
	}

	sp.idle = append(sp.idle, &pooledConn{conn: conn, createdAt: time.Now(), lastUsed: time.Now()})
	sp.mu.Unlock()
}

// Discard removes conn from active accounting without attempting reuse.
func (p *Pool) Discard(addr string, conn net.Conn) {
	sp := p.subPoolFor(addr)
	sp.mu.Lock()
	sp.active = saturatingSub(sp.active, 1)
	sp.mu.Unlock()
	_ = conn.Close()
}

// Warmup opens up to MinIdle-len(idle) connections to addr, logging and
// swallowing individual dial failures.
func (p *Pool) Warmup(ctx context.Context, addr string) {
	sp := p.subPoolFor(addr)

	sp.mu.Lock()
	target := p.cfg.MinIdle - len(sp.idle)
	sp.mu.Unlock()
	if target <= 0 {
		return
	}

	for i := 0; i < target; i++ {
		conn, err := p.dial(ctx, addr)
		if err != nil {
			p.log.Warn("pool warmup dial failed", "addr", addr, "error", err)
			continue
		}
		sp.mu.Lock()
		sp.idle = append(sp.idle, &pooledConn{conn: conn, createdAt: time.Now(), lastUsed: time.Now()})
		sp.mu.Unlock()
	}
}

// Stats is a point-in-time snapshot of one address's sub-pool.
type Stats struct {
	Active  int
	Idle    int
	MaxSize int
}

func (p *Pool) StatsFor(addr string) Stats {
	sp := p.subPoolFor(addr)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return Stats{Active: sp.active, Idle: len(sp.idle), MaxSize: p.cfg.MaxSize}
}

func (p *Pool) evictExpiredLocked(sp *subPool) {
	if p.cfg.MaxIdleTime <= 0 {
		return
	}
	now := time.Now()
	kept := sp.idle[:0]
	for _, pc := range sp.idle {
		if pc.lastUsed.Add(p.cfg.MaxIdleTime).Before(now) {
			_ = pc.conn.Close()
			continue
		}
		kept = append(kept, pc)
	}
	sp.idle = kept
}

func (p *Pool) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			subs := make([]*subPool, 0, len(p.subs))
			for _, sp := range p.subs {
				subs = append(subs, sp)
			}
			p.mu.Unlock()
			for _, sp := range subs {
				sp.mu.Lock()
				p.evictExpiredLocked(sp)
				sp.mu.Unlock()
			}
		case <-p.stopCleanup:
			return
		}
	}
}

// Close stops the background eviction loop and closes every idle
// connection across every address.
func (p *Pool) Close() {
	p.cleanupOnce.Do(func() { close(p.stopCleanup) })
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sp := range p.subs {
		sp.mu.Lock()
		for _, pc := range sp.idle {
			_ = pc.conn.Close()
		}
		sp.idle = nil
		sp.mu.Unlock()
	}
}

// isHealthy performs a non-blocking, non-consuming read to distinguish
// "no data waiting" (healthy idle connection) from "peer closed or
// errored" (unhealthy).
func isHealthy(conn net.Conn) bool {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return true
	}
	if err := tc.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	defer tc.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := tc.Read(buf[:])
	if n > 0 {
		// Idle connections should never have unread application data;
		// treat this as unexpected and not worth reusing.
		return false
	}
	if err == nil {
		return false // EOF-free zero-byte read shouldn't happen; be conservative
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return true // no data waiting: healthy
	}
	return false // EOF or other error: peer closed or broken
}

func saturatingSub(a, b int) int {
	if a < b {
		return 0
	}
	return a - b
}
