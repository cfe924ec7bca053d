package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestPoolGetNewThenReturnReuses(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.ReuseConnections = true
	p := New(cfg, nil)
	defer p.Close()

	conn, tag, err := p.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if tag != TagNew {
		t.Fatalf("expected TagNew, got %v", tag)
	}
	p.Return(addr, conn)

	stats := p.StatsFor(addr)
	if stats.Idle != 1 || stats.Active != 0 {
		t.Fatalf("expected 1 idle 0 active, got %+v", stats)
	}

	conn2, tag2, err := p.Get(context.Background(), addr)
	if err != nil {
		t.Fatal(err)
	}
	if tag2 != TagPooled {
		t.Fatalf("expected TagPooled, got %v", tag2)
	}
	p.Discard(addr, conn2)
}

func TestPoolNoReuseDiscardsOnReturn(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.ReuseConnections = false
	p := New(cfg, nil)
	defer p.Close()

	for i := 0; i < 5; i++ {
		conn, _, err := p.Get(context.Background(), addr)
		if err != nil {
			t.Fatal(err)
		}
		p.Return(addr, conn)
		stats := p.StatsFor(addr)
		if stats.Idle != 0 {
			t.Fatalf("iteration %d: expected 0 idle with reuse disabled, got %d", i, stats.Idle)
		}
	}
}

func TestPoolExhaustion(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.MaxSize = 2
	cfg.ReuseConnections = false
	p := New(cfg, nil)
	defer p.Close()

	var conns []net.Conn
	for i := 0; i < 2; i++ {
		conn, _, err := p.Get(context.Background(), addr)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		conns = append(conns, conn)
	}

	_, _, err := p.Get(context.Background(), addr)
	if !errors.Is(err, tunnelerr.ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}

	for _, c := range conns {
		p.Discard(addr, c)
	}
}

func TestPoolBoundHeldUnderConcurrency(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.MaxSize = 4
	cfg.ReuseConnections = true
	p := New(cfg, nil)
	defer p.Close()

	done := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			conn, _, err := p.Get(context.Background(), addr)
			if err != nil {
				return // pool exhaustion is an acceptable outcome under load
			}
			time.Sleep(time.Millisecond)
			p.Return(addr, conn)
		}()
	}
	for i := 0; i < 20; i++ {
		<-done
	}

	stats := p.StatsFor(addr)
	if stats.Active+stats.Idle > cfg.MaxSize {
		t.Fatalf("active+idle %d exceeds max_size %d", stats.Active+stats.Idle, cfg.MaxSize)
	}
}

func TestPoolWarmup(t *testing.T) {
	addr := startEchoListener(t)
	cfg := DefaultConfig()
	cfg.MinIdle = 3
	p := New(cfg, nil)
	defer p.Close()

	p.Warmup(context.Background(), addr)
	stats := p.StatsFor(addr)
	if stats.Idle != 3 {
		t.Fatalf("expected 3 idle after warmup, got %d", stats.Idle)
	}
}
