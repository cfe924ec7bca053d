package security

import (
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// geoRecord is the subset of a MaxMind Country/City database this tunnel
// reads: the ISO country code only.
type geoRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// GeoRouter decides whether a forwarder should dial a target directly or
// route it through the server, based on the resolved address's country,
// per spec's optional routing policy on forwarder entries.
type GeoRouter struct {
	db *maxminddb.Reader
}

// OpenGeoRouter opens the MMDB file at path. Callers should treat a
// missing or unreadable database as "no GeoIP routing available" rather
// than fatal, since the routing policy itself is optional.
func OpenGeoRouter(path string) (*GeoRouter, error) {
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &GeoRouter{db: db}, nil
}

func (g *GeoRouter) Close() error {
	return g.db.Close()
}

// Country resolves ip to an ISO country code, empty if the database has
// no entry for it.
func (g *GeoRouter) Country(ip net.IP) (string, error) {
	var rec geoRecord
	if err := g.db.Lookup(ip, &rec); err != nil {
		return "", fmt.Errorf("geoip: lookup %s: %w", ip, err)
	}
	return rec.Country.ISOCode, nil
}

// ShouldRouteDirect applies policy to a resolved address: deny list wins
// over allow list; an empty allow list means "every country not denied is
// allowed". A country that fails to resolve is routed through the server
// (the conservative choice) rather than direct.
func (g *GeoRouter) ShouldRouteDirect(ip net.IP, policy tunnelcfg.GeoRoutingPolicy) bool {
	country, err := g.Country(ip)
	if err != nil {
		return false
	}
	return decideRoute(country, policy)
}

// decideRoute is the policy decision in isolation, free of any MMDB
// lookup, so it can be exercised directly in tests without a database
// file on disk.
func decideRoute(country string, policy tunnelcfg.GeoRoutingPolicy) bool {
	if country == "" {
		return false
	}
	for _, denied := range policy.DeniedCountries {
		if denied == country {
			return false
		}
	}
	if len(policy.AllowedCountries) == 0 {
		return true
	}
	for _, allowed := range policy.AllowedCountries {
		if allowed == country {
			return true
		}
	}
	return false
}
