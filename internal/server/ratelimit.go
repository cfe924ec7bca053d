package server

import (
	"golang.org/x/time/rate"

	"github.com/tlstunnel/tlstunnel/internal/config"
)

// NewConnectLimiter builds the token bucket that gates new session
// connections, per spec.md §6's rate_limit{requests_per_second,
// burst_size}. A non-positive RequestsPerSecond disables limiting
// entirely rather than silently blocking every connection.
func NewConnectLimiter(cfg config.RateLimitConfig) *rate.Limiter {
	if cfg.RequestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
}
