package server

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/config"
	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

func testBatch(proxies ...tunnelcfg.ProxyEntry) tunnelcfg.ConfigBatch {
	return tunnelcfg.ConfigBatch{Version: protocol.ProtocolVer, Proxies: proxies}
}

func runClientHandshake(t *testing.T, conn net.Conn, authKey string, batch tunnelcfg.ConfigBatch) error {
	t.Helper()
	if err := protocol.ClientAuth(conn, []byte(authKey)); err != nil {
		return err
	}
	return protocol.ClientSubmitConfig(conn, batch)
}

func TestSessionHandshakeInsertsRegistryEntries(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{AuthKey: "secret", BindPort: 9443})
	s := newSession(srv)

	client, serverConn := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.run(serverConn)
		close(done)
	}()

	batch := testBatch(tunnelcfg.ProxyEntry{
		Name: "web", Type: tunnelcfg.ProxyTCP,
		PublishAddr: "0.0.0.0", PublishPort: 28080, LocalPort: 3000,
	})
	if err := runClientHandshake(t, client, "secret", batch); err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	entry, ok := srv.Registry().Lookup("web", 28080)
	if !ok {
		t.Fatal("expected registry entry for web:28080")
	}
	if entry.Session != s.id {
		t.Fatalf("expected entry owned by session %s, got %s", s.id, entry.Session)
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session run did not return after client closed")
	}

	if _, ok := srv.Registry().Lookup("web", 28080); ok {
		t.Fatal("expected registry entry to be removed on teardown")
	}
}

func TestSessionHandshakeRejectsWrongAuthKey(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{AuthKey: "secret", BindPort: 9443})
	s := newSession(srv)

	client, serverConn := net.Pipe()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		s.run(serverConn)
		close(done)
	}()

	batch := testBatch(tunnelcfg.ProxyEntry{
		Name: "web", Type: tunnelcfg.ProxyTCP,
		PublishAddr: "0.0.0.0", PublishPort: 28081, LocalPort: 3001,
	})
	err := runClientHandshake(t, client, "wrong", batch)
	if err == nil {
		t.Fatal("expected handshake to fail with a wrong auth key")
	}

	if _, ok := srv.Registry().Lookup("web", 28081); ok {
		t.Fatal("expected no registry entry after failed auth")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session run did not return after auth failure")
	}
}

func TestSessionHandshakeRejectsDuplicateBinding(t *testing.T) {
	srv := newTestServer(t, config.ServerConfig{AuthKey: "secret", BindPort: 9443})

	firstClient, firstServerConn := net.Pipe()
	defer firstClient.Close()
	first := newSession(srv)
	firstDone := make(chan struct{})
	go func() {
		first.run(firstServerConn)
		close(firstDone)
	}()

	firstBatch := testBatch(tunnelcfg.ProxyEntry{
		Name: "api", Type: tunnelcfg.ProxyTCP,
		PublishAddr: "0.0.0.0", PublishPort: 28082, LocalPort: 4000,
	})
	if err := runClientHandshake(t, firstClient, "secret", firstBatch); err != nil {
		t.Fatalf("first client handshake: %v", err)
	}

	secondClient, secondServerConn := net.Pipe()
	defer secondClient.Close()
	second := newSession(srv)
	secondDone := make(chan struct{})
	go func() {
		second.run(secondServerConn)
		close(secondDone)
	}()

	secondBatch := testBatch(tunnelcfg.ProxyEntry{
		Name: "api2", Type: tunnelcfg.ProxyTCP,
		PublishAddr: "0.0.0.0", PublishPort: 28082, LocalPort: 4001,
	})
	err := runClientHandshake(t, secondClient, "secret", secondBatch)
	if err == nil {
		t.Fatal("expected second session's duplicate publish binding to be rejected")
	}
	if !strings.Contains(err.Error(), "duplicate") && !strings.Contains(err.Error(), "28082") {
		t.Fatalf("expected rejection message to mention the duplicate binding, got: %v", err)
	}

	entry, ok := srv.Registry().Lookup("api", 28082)
	if !ok || entry.Session != first.id {
		t.Fatal("expected first session's registry entry to remain intact")
	}

	secondClient.Close()
	select {
	case <-secondDone:
	case <-time.After(2 * time.Second):
		t.Fatal("second session run did not return")
	}

	firstClient.Close()
	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first session run did not return")
	}
}
