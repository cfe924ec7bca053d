package client

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/tlstunnel/tlstunnel/internal/config"
)

// defaultReconnectDelaySecs is RECONNECT_DELAY_SECS's default, per
// spec.md §4.11 and the TLS_TUNNEL_RECONNECT_DELAY_SECS override in §6.
const defaultReconnectDelaySecs = 5

// reconnectBackoff grows the delay between reconnect attempts from the
// configured base up to a bounded ceiling, instead of hammering the
// server at a fixed interval while it is down.
type reconnectBackoff struct {
	b *backoff.Backoff
}

func newBackoff(cfg config.ReconnectConfig) *reconnectBackoff {
	base := cfg.DelaySecs
	if base <= 0 {
		base = defaultReconnectDelaySecs
	}
	return &reconnectBackoff{
		b: &backoff.Backoff{
			Min:    time.Duration(base) * time.Second,
			Max:    time.Duration(base) * time.Second * 10,
			Factor: 2,
			Jitter: true,
		},
	}
}

func (r *reconnectBackoff) next() time.Duration {
	return r.b.Duration()
}

func (r *reconnectBackoff) reset() {
	r.b.Reset()
}
