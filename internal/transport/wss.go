package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket carries the session as a stream of binary messages over one
// long-lived connection; wsconn adapts that message framing to the plain
// byte stream net.Conn expects.

const wsStreamPath = "/tunnel"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSSDialer is the client side of the WebSocket transport.
type WSSDialer struct {
	addr string
	tls  *tls.Config
}

func NewWSSDialer(addr string, tlsCfg *tls.Config) *WSSDialer {
	return &WSSDialer{addr: addr, tls: tlsCfg}
}

func (d *WSSDialer) Dial(ctx context.Context) (net.Conn, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  d.tls,
		HandshakeTimeout: 10 * time.Second,
	}
	url := "wss://" + d.addr + wsStreamPath
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wss transport: dial: %w", err)
	}
	return newWSConn(conn), nil
}

// WSSListener is the server side: an http.Server whose single handler
// upgrades every request and hands the resulting connection to the session
// acceptor loop.
type WSSListener struct {
	ln      net.Listener
	streams chan net.Conn
	srv     *http.Server
	log     *slog.Logger
}

func NewWSSListener(addr string, tlsCfg *tls.Config, log *slog.Logger) (*WSSListener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}

	l := &WSSListener{
		ln:      ln,
		streams: make(chan net.Conn, 16),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsStreamPath, l.handleUpgrade)
	l.srv = &http.Server{Handler: mux}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("wss transport server error", "error", err)
		}
	}()
	return l, nil
}

func (l *WSSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	l.streams <- newWSConn(conn)
}

func (l *WSSListener) Accept() (net.Conn, error) {
	conn, ok := <-l.streams
	if !ok {
		return nil, fmt.Errorf("wss transport: listener closed")
	}
	return conn, nil
}

func (l *WSSListener) Close() error {
	close(l.streams)
	return l.ln.Close()
}

func (l *WSSListener) Addr() net.Addr { return l.ln.Addr() }
