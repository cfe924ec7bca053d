package transport

import (
	"context"
	"crypto/tls"
	"net"
)

// TLSConfig carries the inputs needed to stand up the required TLS
// back-end, on either side of a session.
type TLSConfig struct {
	// Addr is the remote address to dial (client) or local address to
	// bind (server), host:port form.
	Addr string

	// TLS is the full stdlib configuration: certificates, min version,
	// cipher suites, client auth mode. Built by the server's and the
	// client's buildTLSConfig from the cert_path/key_path (server) and
	// ca_cert_path/skip_verify (client) config fields.
	TLS *tls.Config
}

// TLSDialer is the client-side TLS transport: one TLS handshake per Dial.
type TLSDialer struct {
	cfg TLSConfig
}

func NewTLSDialer(cfg TLSConfig) *TLSDialer {
	return &TLSDialer{cfg: cfg}
}

func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	var dialer tls.Dialer
	dialer.Config = d.cfg.TLS
	return dialer.DialContext(ctx, "tcp", d.cfg.Addr)
}

// TLSListener is the server-side TLS transport: every Accept returns one
// TLS connection whose handshake has not run yet (crypto/tls.Listener
// performs it lazily on the first read/write, whereas the client dialer
// completes it inside Dial).
type TLSListener struct {
	ln net.Listener
}

func NewTLSListener(cfg TLSConfig) (*TLSListener, error) {
	ln, err := tls.Listen("tcp", cfg.Addr, cfg.TLS)
	if err != nil {
		return nil, err
	}
	return &TLSListener{ln: ln}, nil
}

func (l *TLSListener) Accept() (net.Conn, error) { return l.ln.Accept() }
func (l *TLSListener) Close() error              { return l.ln.Close() }
func (l *TLSListener) Addr() net.Addr            { return l.ln.Addr() }
