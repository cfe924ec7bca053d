package transport

import (
	"crypto/tls"
	"fmt"
	"log/slog"
)

// DialerFor builds the client-side transport named by kind.
func DialerFor(kind Kind, addr string, tlsCfg *tls.Config) (Dialer, error) {
	switch kind {
	case KindTLS, "":
		return NewTLSDialer(TLSConfig{Addr: addr, TLS: tlsCfg}), nil
	case KindHTTP2:
		return NewHTTP2Dialer(addr, tlsCfg), nil
	case KindWebSocket:
		return NewWSSDialer(addr, tlsCfg), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}

// ListenerFor builds the server-side transport named by kind.
func ListenerFor(kind Kind, addr string, tlsCfg *tls.Config, log *slog.Logger) (Listener, error) {
	switch kind {
	case KindTLS, "":
		return NewTLSListener(TLSConfig{Addr: addr, TLS: tlsCfg})
	case KindHTTP2:
		return NewHTTP2Listener(addr, tlsCfg, log)
	case KindWebSocket:
		return NewWSSListener(addr, tlsCfg, log)
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", kind)
	}
}
