package client

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/protocol"
	"github.com/tlstunnel/tlstunnel/internal/stats"
	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// forwarderListener binds one forwarder entry's bind_addr:bind_port,
// parses HTTP-CONNECT or SOCKS5 from each accepted connection to learn
// the requested target, then either dials it directly or routes it
// through the server as an egress point, per spec.md §4.9.
type forwarderListener struct {
	entry   tunnelcfg.ForwarderEntry
	client  *Client
	log     *slog.Logger
	tracker *stats.Tracker

	ln   net.Listener
	done chan struct{}
}

func newForwarderListener(c *Client, entry tunnelcfg.ForwarderEntry) *forwarderListener {
	return &forwarderListener{
		entry:   entry,
		client:  c,
		log:     c.log.With("forwarder", entry.Name),
		tracker: c.stats.Tracker(entry.Name),
		done:    make(chan struct{}),
	}
}

func (l *forwarderListener) start() error {
	ln, err := net.Listen("tcp", bindAddr(l.entry.BindAddr, l.entry.BindPort))
	if err != nil {
		return err
	}
	l.ln = ln
	go l.acceptLoop()
	return nil
}

func (l *forwarderListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			l.log.Warn("forwarder listener accept error", "error", err)
			return
		}
		go l.handle(conn)
	}
}

func (l *forwarderListener) handle(conn net.Conn) {
	defer conn.Close()

	br := bufio.NewReader(conn)
	target, err := parseTarget(conn, br, l.entry.Type)
	if err != nil {
		l.log.Warn("failed to parse forward target", "error", err)
		return
	}

	if l.shouldDialDirect(target) {
		l.dialDirect(conn, br, target)
		return
	}
	l.dialViaServer(conn, br, target)
}

// shouldDialDirect applies the forwarder's optional GeoIP routing policy.
// With no GeoIP database configured, every target routes through the
// server (the conservative default).
func (l *forwarderListener) shouldDialDirect(target string) bool {
	if l.client.geo == nil {
		return false
	}
	host, _, err := net.SplitHostPort(target)
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return false
		}
		ip = ips[0]
	}
	return l.client.geo.ShouldRouteDirect(ip, l.entry.Routing)
}

func (l *forwarderListener) dialDirect(conn net.Conn, br *bufio.Reader, target string) {
	upstream, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		l.log.Warn("direct dial failed", "target", target, "error", err)
		writeForwardReply(conn, l.entry.Type, false, err.Error())
		return
	}
	defer upstream.Close()

	if err := writeForwardReply(conn, l.entry.Type, true, ""); err != nil {
		return
	}

	guard := l.tracker.ConnectionStarted()
	defer guard.End()
	l.bridgeWithBufferedReader(conn, br, upstream)
}

func (l *forwarderListener) dialViaServer(conn net.Conn, br *bufio.Reader, target string) {
	stream, err := l.client.openStream()
	if err != nil {
		l.log.Warn("failed to open outbound stream", "error", err)
		writeForwardReply(conn, l.entry.Type, false, err.Error())
		return
	}
	defer stream.Close()

	if err := protocol.WriteVisitorHeader(stream, tunnelcfg.ForwardPrefix+target, 0); err != nil {
		l.log.Warn("failed to write forward header", "error", err)
		writeForwardReply(conn, l.entry.Type, false, err.Error())
		return
	}

	ok, msg, err := protocol.ReadAck(stream)
	if err != nil {
		l.log.Warn("failed to read forward ack", "error", err)
		writeForwardReply(conn, l.entry.Type, false, err.Error())
		return
	}
	if !ok {
		l.log.Warn("forward request rejected", "target", target, "reason", msg)
		writeForwardReply(conn, l.entry.Type, false, msg)
		return
	}

	if err := writeForwardReply(conn, l.entry.Type, true, ""); err != nil {
		return
	}

	guard := l.tracker.ConnectionStarted()
	defer guard.End()
	l.bridgeWithBufferedReader(conn, br, stream)
}

// bridgeWithBufferedReader bridges conn (via its buffered reader, so any
// bytes already peeked while parsing the CONNECT/SOCKS5 header are not
// lost) against upstream.
func (l *forwarderListener) bridgeWithBufferedReader(conn net.Conn, br *bufio.Reader, upstream net.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		n, _ := io.Copy(upstream, br)
		l.tracker.AddBytesSent(n)
		closeWrite(upstream)
	}()
	n, _ := io.Copy(conn, upstream)
	l.tracker.AddBytesReceived(n)
	closeWrite(conn)
	<-done
}

func (l *forwarderListener) Close() {
	close(l.done)
	if l.ln != nil {
		_ = l.ln.Close()
	}
}

// parseTarget reads either an HTTP-CONNECT request line+headers or a
// SOCKS5 handshake from br and returns the requested "host:port". For
// SOCKS5, writing the method-selection reply is part of parsing the
// handshake itself, so conn is needed alongside br.
func parseTarget(conn net.Conn, br *bufio.Reader, kind tunnelcfg.ProxyType) (string, error) {
	if kind == tunnelcfg.ProxySOCKS5 {
		return parseSOCKS5Target(conn, br)
	}
	return parseHTTPConnectTarget(br)
}

// writeForwardReply writes the final success/failure reply for the
// forwarder's protocol once the target dial has been attempted. On an
// HTTP-CONNECT failure, msg is synthesized into the 502 response body per
// spec.md §7, so a caller sees why (e.g. "forwarding is not enabled",
// "target resolves to a private address") instead of a bare status line.
// SOCKS5 has no body to carry msg in, so it stays a status byte.
func writeForwardReply(conn net.Conn, kind tunnelcfg.ProxyType, ok bool, msg string) error {
	if kind == tunnelcfg.ProxySOCKS5 {
		reply := byte(0x01) // general failure
		if ok {
			reply = socks5ReplyOK
		}
		_, err := conn.Write([]byte{socks5Version, reply, socks5ReservedByt, socks5AddrIPv4, 0, 0, 0, 0, 0, 0})
		return err
	}
	if ok {
		_, err := conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
		return err
	}
	if msg == "" {
		msg = "forward request failed"
	}
	resp := fmt.Sprintf(
		"HTTP/1.1 502 Bad Gateway\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		len(msg), msg,
	)
	_, err := conn.Write([]byte(resp))
	return err
}

func parseHTTPConnectTarget(br *bufio.Reader) (string, error) {
	req, err := http.ReadRequest(br)
	if err != nil {
		return "", fmt.Errorf("forwarder: read CONNECT request: %w", err)
	}
	if req.Method != http.MethodConnect {
		return "", fmt.Errorf("forwarder: expected CONNECT, got %s", req.Method)
	}
	return req.Host, nil
}

// SOCKS5 constants from RFC 1928, the subset this forwarder needs:
// no-auth negotiation and the CONNECT command over IPv4/IPv6/domain
// address types.
const (
	socks5Version     = 0x05
	socks5CmdConnect  = 0x01
	socks5AddrIPv4    = 0x01
	socks5AddrDomain  = 0x03
	socks5AddrIPv6    = 0x04
	socks5NoAuth      = 0x00
	socks5ReplyOK     = 0x00
	socks5ReservedByt = 0x00
)

func parseSOCKS5Target(conn net.Conn, br *bufio.Reader) (string, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(br, header); err != nil {
		return "", fmt.Errorf("forwarder: read socks5 greeting: %w", err)
	}
	if header[0] != socks5Version {
		return "", fmt.Errorf("forwarder: unsupported socks version %d", header[0])
	}
	nMethods := int(header[1])
	if _, err := io.ReadFull(br, make([]byte, nMethods)); err != nil {
		return "", fmt.Errorf("forwarder: read socks5 auth methods: %w", err)
	}
	if _, err := conn.Write([]byte{socks5Version, socks5NoAuth}); err != nil {
		return "", fmt.Errorf("forwarder: write socks5 method selection: %w", err)
	}

	request := make([]byte, 4)
	if _, err := io.ReadFull(br, request); err != nil {
		return "", fmt.Errorf("forwarder: read socks5 request: %w", err)
	}
	if request[0] != socks5Version || request[1] != socks5CmdConnect {
		return "", fmt.Errorf("forwarder: unsupported socks5 command %d", request[1])
	}

	var host string
	switch request[3] {
	case socks5AddrIPv4:
		addr := make([]byte, 4)
		if _, err := io.ReadFull(br, addr); err != nil {
			return "", fmt.Errorf("forwarder: read socks5 ipv4 address: %w", err)
		}
		host = net.IP(addr).String()
	case socks5AddrIPv6:
		addr := make([]byte, 16)
		if _, err := io.ReadFull(br, addr); err != nil {
			return "", fmt.Errorf("forwarder: read socks5 ipv6 address: %w", err)
		}
		host = net.IP(addr).String()
	case socks5AddrDomain:
		lenByte := make([]byte, 1)
		if _, err := io.ReadFull(br, lenByte); err != nil {
			return "", fmt.Errorf("forwarder: read socks5 domain length: %w", err)
		}
		domain := make([]byte, lenByte[0])
		if _, err := io.ReadFull(br, domain); err != nil {
			return "", fmt.Errorf("forwarder: read socks5 domain: %w", err)
		}
		host = string(domain)
	default:
		return "", fmt.Errorf("forwarder: unsupported socks5 address type %d", request[3])
	}

	portBytes := make([]byte, 2)
	if _, err := io.ReadFull(br, portBytes); err != nil {
		return "", fmt.Errorf("forwarder: read socks5 port: %w", err)
	}
	port := int(portBytes[0])<<8 | int(portBytes[1])

	return fmt.Sprintf("%s:%d", host, port), nil
}
