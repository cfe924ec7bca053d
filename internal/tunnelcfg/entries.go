// Package tunnelcfg defines the proxy/visitor/forwarder entry types a
// client declares to the server and the validation rules that bind them,
// independent of how those entries were loaded (file, env, flags).
package tunnelcfg

import (
	"fmt"
	"strings"
)

// ProxyType is the kind of traffic a proxy entry carries, which decides
// connection-pool reuse behaviour on the client side.
type ProxyType string

const (
	ProxyTCP         ProxyType = "tcp"
	ProxyHTTP1       ProxyType = "http1"
	ProxyHTTP2       ProxyType = "http2"
	ProxyHTTPConnect ProxyType = "http_connect"
	ProxySOCKS5      ProxyType = "socks5"
)

func (t ProxyType) Valid() bool {
	switch t {
	case ProxyTCP, ProxyHTTP1, ProxyHTTP2, ProxyHTTPConnect, ProxySOCKS5:
		return true
	default:
		return false
	}
}

// ShouldReuseConnections reports whether the client connection pool may
// return a previously-used local connection for this proxy type.
func (t ProxyType) ShouldReuseConnections() bool {
	return t == ProxyHTTP1 || t == ProxyHTTP2
}

// IsMultiplexed reports whether a single local connection may carry many
// concurrent logical requests (HTTP/2 only), so the pool should be sized
// to one reusable connection rather than a working set.
func (t ProxyType) IsMultiplexed() bool {
	return t == ProxyHTTP2
}

// ProxyEntry is a client-declared publish_port -> local_port binding.
type ProxyEntry struct {
	Name        string    `json:"name"`
	Type        ProxyType `json:"proxy_type"`
	PublishAddr string    `json:"publish_addr"`
	PublishPort uint16    `json:"publish_port"`
	LocalPort   uint16    `json:"local_port"`
}

// VisitorEntry lets this client reach another client's proxy through the
// server without publishing a port of its own.
type VisitorEntry struct {
	Name        string `json:"name"`
	BindAddr    string `json:"bind_addr"`
	BindPort    uint16 `json:"bind_port"`
	PublishPort uint16 `json:"publish_port"`
}

// GeoRoutingPolicy decides direct-vs-proxy egress per resolved country.
type GeoRoutingPolicy struct {
	MMDBPath         string   `json:"mmdb_path,omitempty"`
	AllowedCountries []string `json:"allow_countries,omitempty"`
	DeniedCountries  []string `json:"deny_countries,omitempty"`
}

// ForwarderEntry is a client-side HTTP-CONNECT/SOCKS5 listener that uses
// the server as an egress point for external hosts.
type ForwarderEntry struct {
	Name     string           `json:"name"`
	Type     ProxyType        `json:"proxy_type"`
	BindAddr string           `json:"bind_addr"`
	BindPort uint16           `json:"bind_port"`
	Routing  GeoRoutingPolicy `json:"routing,omitempty"`
}

func (f ForwarderEntry) Valid() bool {
	return f.Type == ProxyHTTPConnect || f.Type == ProxySOCKS5
}

// ConfigBatch is the JSON payload a client submits after authentication:
// {"version":1,"proxies":[...],"visitors":[...]}.
type ConfigBatch struct {
	Version  uint8          `json:"version"`
	Proxies  []ProxyEntry   `json:"proxies"`
	Visitors []VisitorEntry `json:"visitors"`
}

// Validate checks the intra-batch invariants from the data model: unique
// names, unique (publish_addr, publish_port), unique local_port, no
// zero ports, no empty/'@'-prefixed names, and that no proxy publishes on
// the server's own bind port.
func (b ConfigBatch) Validate(serverBindPort uint16) error {
	names := make(map[string]struct{}, len(b.Proxies))
	binds := make(map[string]struct{}, len(b.Proxies))
	localPorts := make(map[uint16]struct{}, len(b.Proxies))

	for _, p := range b.Proxies {
		if err := validateName(p.Name); err != nil {
			return fmt.Errorf("proxy %q: %w", p.Name, err)
		}
		if !p.Type.Valid() {
			return fmt.Errorf("proxy %q: invalid proxy_type %q", p.Name, p.Type)
		}
		if p.PublishPort == 0 || p.LocalPort == 0 {
			return fmt.Errorf("proxy %q: ports must be in 1..65535", p.Name)
		}
		if p.PublishPort == serverBindPort {
			return fmt.Errorf("proxy %q: publish_port %d collides with server bind_port", p.Name, p.PublishPort)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate proxy name %q", p.Name)
		}
		names[p.Name] = struct{}{}

		bindKey := fmt.Sprintf("%s:%d", p.PublishAddr, p.PublishPort)
		if _, dup := binds[bindKey]; dup {
			return fmt.Errorf("duplicate publish binding %s", bindKey)
		}
		binds[bindKey] = struct{}{}

		if _, dup := localPorts[p.LocalPort]; dup {
			return fmt.Errorf("duplicate local_port %d", p.LocalPort)
		}
		localPorts[p.LocalPort] = struct{}{}
	}

	for _, v := range b.Visitors {
		if err := validateName(v.Name); err != nil {
			return fmt.Errorf("visitor %q: %w", v.Name, err)
		}
		if v.BindPort == 0 || v.PublishPort == 0 {
			return fmt.Errorf("visitor %q: ports must be in 1..65535", v.Name)
		}
	}

	return nil
}

// validateName enforces non-empty names and the '@' prefix ban (spec
// open question #3: '@forward:' collides with a legal name starting
// with '@', so names starting with '@' are rejected outright).
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.HasPrefix(name, "@") {
		return fmt.Errorf("name must not start with '@'")
	}
	return nil
}

// ForwardPrefix marks a visitor-stream header name as an external-egress
// request rather than a lookup against the proxy registry; the remainder
// of the name is a "host:port" target.
const ForwardPrefix = "@forward:"

// IsForwardTarget reports whether name carries an external forward
// target rather than a registered proxy name.
func IsForwardTarget(name string) (target string, ok bool) {
	if strings.HasPrefix(name, ForwardPrefix) {
		return strings.TrimPrefix(name, ForwardPrefix), true
	}
	return "", false
}
