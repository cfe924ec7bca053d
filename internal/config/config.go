package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	DefaultReconnectDelaySecs  = 5
	DefaultLocalConnectRetries = 3
	DefaultLocalRetryDelayMs   = 1000
)

// DefaultConfig returns a configuration with the spec's stated defaults
// for whichever of Server/Client the caller populates on top.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Server: ServerConfig{
			BindAddr:  "0.0.0.0",
			Transport: "tls",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Client: ClientConfig{
			Transport: "tls",
			Reconnect: ReconnectConfig{
				DelaySecs:           DefaultReconnectDelaySecs,
				LocalConnectRetries: DefaultLocalConnectRetries,
				LocalRetryDelayMs:   DefaultLocalRetryDelayMs,
			},
			Pool: PoolConfig{
				MinIdle:               2,
				MaxSize:               10,
				MaxIdleSecs:           60,
				ConnectTimeoutMs:      5000,
				KeepaliveSecs:         30,
				KeepaliveIntervalSecs: 10,
			},
		},
	}
}

// Load reads path (format auto-detected from its extension by viper) on
// top of DefaultConfig, with TLS_TUNNEL_* environment variables overriding
// individual keys that the file sets — e.g. TLS_TUNNEL_CLIENT_SERVER_ADDR
// for client.server_addr. Keys absent from the file are not read from the
// environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TLS_TUNNEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	// Decode by the yaml tags the config types carry, whatever the file format.
	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) { dc.TagName = "yaml" }); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// WatchCertDir logs a warning whenever a file under dir changes, so an
// operator who rotated a certificate on disk knows to restart — the
// tunnel never reloads certificates without a restart (no dynamic
// reconfiguration), so this is advisory only.
func WatchCertDir(dir string, log *slog.Logger) (*fsnotify.Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create cert watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	go func() {
		var lastWarn time.Time
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if time.Since(lastWarn) < 500*time.Millisecond {
					continue
				}
				lastWarn = time.Now()
				log.Warn("certificate directory changed; restart to pick up new certificates", "event", ev.String())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("certificate directory watcher error", "error", err)
			}
		}
	}()
	return w, nil
}
