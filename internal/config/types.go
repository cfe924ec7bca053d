package config

import (
	"time"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
)

// Config is the top-level document a deployment loads. Both Server and
// Client carry DefaultConfig values; the file normally fills in the one
// that the reading binary uses.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
}

// ServerConfig mirrors spec.md's server document.
type ServerConfig struct {
	BindAddr     string           `yaml:"bind_addr"`
	BindPort     uint16           `yaml:"bind_port"`
	AuthKey      string           `yaml:"auth_key"`
	Transport    string           `yaml:"transport"` // tls | http2 | wss
	BehindProxy  bool             `yaml:"behind_proxy"`
	AllowForward bool             `yaml:"allow_forward"`
	StatsAddr    string           `yaml:"stats_addr"`
	StatsPort    uint16           `yaml:"stats_port"`
	RateLimit    RateLimitConfig  `yaml:"rate_limit"`
	SizeLimits   SizeLimitsConfig `yaml:"size_limits"`
	CertPath     string           `yaml:"cert_path"`
	KeyPath      string           `yaml:"key_path"`
	GeoMMDBPath  string           `yaml:"geo_mmdb_path"`
}

// RateLimitConfig bounds new-connection acceptance; enforced with
// golang.org/x/time/rate.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize          int    `yaml:"burst_size"`
}

// SizeLimitsConfig is decoded from the size_limits section. Nothing reads
// it: the framed-codec blobs are bounded only by the protocol package's
// built-in caps.
type SizeLimitsConfig struct {
	MaxRequestSize uint32 `yaml:"max_request_size"`
	MaxHeaderSize  uint32 `yaml:"max_header_size"`
}

// ClientConfig mirrors spec.md's client document.
type ClientConfig struct {
	ServerAddr string                     `yaml:"server_addr"`
	ServerPort uint16                     `yaml:"server_port"`
	ServerPath string                     `yaml:"server_path"`
	AuthKey    string                     `yaml:"auth_key"`
	Transport  string                     `yaml:"transport"`
	SkipVerify bool                       `yaml:"skip_verify"`
	CACertPath string                     `yaml:"ca_cert_path"`
	Proxies    []tunnelcfg.ProxyEntry     `yaml:"proxies"`
	Visitors   []tunnelcfg.VisitorEntry   `yaml:"visitors"`
	Forwarders []tunnelcfg.ForwarderEntry `yaml:"forwarders"`
	Reconnect  ReconnectConfig            `yaml:"reconnect"`
	Pool       PoolConfig                 `yaml:"pool"`
}

// ReconnectConfig and PoolConfig take environment overrides like every
// other key (see Load): TLS_TUNNEL_ plus the upper-cased key path, e.g.
// TLS_TUNNEL_CLIENT_RECONNECT_RECONNECT_DELAY_SECS, and only for keys the
// file sets.
type ReconnectConfig struct {
	DelaySecs           int `yaml:"reconnect_delay_secs"`
	LocalConnectRetries int `yaml:"local_connect_retries"`
	LocalRetryDelayMs   int `yaml:"local_retry_delay_ms"`
}

type PoolConfig struct {
	MinIdle               int `yaml:"min_idle"`
	MaxSize               int `yaml:"max_size"`
	MaxIdleSecs           int `yaml:"max_idle_secs"`
	ConnectTimeoutMs      int `yaml:"connect_timeout_ms"`
	KeepaliveSecs         int `yaml:"keepalive_secs"`
	KeepaliveIntervalSecs int `yaml:"keepalive_interval_secs"`
}

// LoggingConfig is carried over from the teacher's own shape unchanged.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

func (p PoolConfig) MaxIdleTime() time.Duration {
	return time.Duration(p.MaxIdleSecs) * time.Second
}
