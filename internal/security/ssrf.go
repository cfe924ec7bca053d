// Package security implements the forwarder egress checks: the SSRF
// filter that keeps a forwarder from being used to reach internal
// addresses, and an optional GeoIP-based direct-vs-proxy routing policy.
package security

import (
	"context"
	"fmt"
	"net"

	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// deniedCIDRs are the ranges a forwarder target must never resolve to:
// loopback, the three RFC1918 blocks, link-local, and the "this network"
// block, plus their IPv6 equivalents (ULA and link-local).
var deniedCIDRs = mustParseCIDRs([]string{
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
})

func mustParseCIDRs(cidrs []string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(fmt.Sprintf("security: invalid built-in CIDR %q: %v", c, err))
		}
		out = append(out, n)
	}
	return out
}

// Resolver is the lookup capability the filter needs; *net.Resolver
// satisfies it, and tests supply a fake.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Filter rejects forwarder targets that resolve to a private, loopback,
// or link-local address before any byte is forwarded.
type Filter struct {
	resolver Resolver
}

func NewFilter(resolver Resolver) *Filter {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Filter{resolver: resolver}
}

// Check resolves host and rejects the target if any resolved address, or
// an address given directly as a literal, falls in a denied range.
// Unresolvable names are rejected too, per the tunnel's forwarder design.
func (f *Filter) Check(ctx context.Context, host string) error {
	if ip := net.ParseIP(host); ip != nil {
		if isDenied(ip) {
			return tunnelerr.Wrap(tunnelerr.KindSecurity, tunnelerr.ErrSSRFBlocked, fmt.Sprintf("target %s is private/local", host))
		}
		return nil
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return tunnelerr.Wrap(tunnelerr.KindSecurity, tunnelerr.ErrSSRFBlocked, fmt.Sprintf("target %q did not resolve: %v", host, err))
	}
	if len(addrs) == 0 {
		return tunnelerr.Wrap(tunnelerr.KindSecurity, tunnelerr.ErrSSRFBlocked, fmt.Sprintf("target %q resolved to no addresses", host))
	}
	for _, a := range addrs {
		if isDenied(a.IP) {
			return tunnelerr.Wrap(tunnelerr.KindSecurity, tunnelerr.ErrSSRFBlocked, fmt.Sprintf("target %q resolves to private/local address %s", host, a.IP))
		}
	}
	return nil
}

func isDenied(ip net.IP) bool {
	for _, cidr := range deniedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
