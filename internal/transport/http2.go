package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"golang.org/x/net/http2"
)

// HTTP/2 carries the session as a single long-lived bidirectional stream:
// the client opens one streaming POST and never closes the request body,
// the server's handler never returns until the stream ends. Everything
// above this layer (muxstream, session handshake) just sees a net.Conn and
// has no idea HTTP/2 framing is underneath — matching how the Rust source
// layered yamux over an h2-negotiated TLS connection.

const http2StreamPath = "/tunnel"

// HTTP2Dialer is the client side of the HTTP/2 transport.
type HTTP2Dialer struct {
	addr string
	tls  *tls.Config
}

func NewHTTP2Dialer(addr string, tlsCfg *tls.Config) *HTTP2Dialer {
	return &HTTP2Dialer{addr: addr, tls: tlsCfg}
}

func (d *HTTP2Dialer) Dial(ctx context.Context) (net.Conn, error) {
	var dialer tls.Dialer
	dialer.Config = d.tls
	conn, err := dialer.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("http2 transport: tls dial: %w", err)
	}

	t := &http2.Transport{}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http2 transport: client conn: %w", err)
	}

	pr, pw := io.Pipe()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://"+d.addr+http2StreamPath, pr)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http2 transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := cc.RoundTrip(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case resp := <-respCh:
		return &streamConn{
			r:         resp.Body,
			w:         pw,
			local:     conn.LocalAddr(),
			remote:    conn.RemoteAddr(),
			closeOnce: closer(pw, resp.Body, conn),
		}, nil
	case err := <-errCh:
		conn.Close()
		return nil, fmt.Errorf("http2 transport: round trip: %w", err)
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}

// HTTP2Listener is the server side: an http.Server with HTTP/2 forced over
// TLS via ALPN negotiation, whose single handler hands each accepted stream
// to a channel for the session acceptor loop to pick up.
type HTTP2Listener struct {
	ln        net.Listener
	streams   chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
	srv       *http.Server
	log       *slog.Logger
}

func NewHTTP2Listener(addr string, tlsCfg *tls.Config, log *slog.Logger) (*HTTP2Listener, error) {
	if log == nil {
		log = slog.Default()
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, err
	}

	l := &HTTP2Listener{
		ln:      ln,
		streams: make(chan net.Conn, 16),
		closed:  make(chan struct{}),
		log:     log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(http2StreamPath, l.handleStream)

	l.srv = &http.Server{Handler: mux}
	if err := http2.ConfigureServer(l.srv, &http2.Server{}); err != nil {
		ln.Close()
		return nil, fmt.Errorf("http2 transport: configure server: %w", err)
	}

	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("http2 transport server error", "error", err)
		}
	}()
	return l, nil
}

func (l *HTTP2Listener) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	conn := &streamConn{
		r:      r.Body,
		w:      w,
		f:      flushFunc(flusher.Flush),
		local:  l.ln.Addr(),
		remote: nil,
		closeOnce: func() error {
			close(done)
			return r.Body.Close()
		},
	}

	select {
	case l.streams <- conn:
	case <-l.closed:
		r.Body.Close()
		return
	}
	<-done
}

type flushFunc func()

func (f flushFunc) Flush() error { f(); return nil }

func (l *HTTP2Listener) Accept() (net.Conn, error) {
	select {
	case conn, ok := <-l.streams:
		if !ok {
			return nil, fmt.Errorf("http2 transport: listener closed")
		}
		return conn, nil
	case <-l.closed:
		return nil, fmt.Errorf("http2 transport: listener closed")
	}
}

// Close signals handleStream and Accept via closed instead of closing
// streams directly, since a stream can still be arriving concurrently
// and a send on a closed channel panics.
func (l *HTTP2Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return l.ln.Close()
}

func (l *HTTP2Listener) Addr() net.Addr { return l.ln.Addr() }

func closer(closers ...io.Closer) func() error {
	return func() error {
		var first error
		for _, c := range closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}
