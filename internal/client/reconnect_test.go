package client

import (
	"testing"
	"time"

	"github.com/tlstunnel/tlstunnel/internal/config"
)

func TestNewBackoffUsesConfiguredBase(t *testing.T) {
	b := newBackoff(config.ReconnectConfig{DelaySecs: 2})
	d := b.next()
	if d < 2*time.Second {
		t.Fatalf("expected first delay to be at least the base, got %v", d)
	}
}

func TestNewBackoffDefaultsWhenUnset(t *testing.T) {
	b := newBackoff(config.ReconnectConfig{})
	d := b.next()
	if d < defaultReconnectDelaySecs*time.Second {
		t.Fatalf("expected default base delay, got %v", d)
	}
}

func TestBackoffGrowsThenResets(t *testing.T) {
	b := newBackoff(config.ReconnectConfig{DelaySecs: 1})
	first := b.next()
	second := b.next()
	if second < first {
		t.Fatalf("expected delay to grow, got %v then %v", first, second)
	}
	b.reset()
	afterReset := b.next()
	if afterReset > second {
		t.Fatalf("expected reset delay to drop back down, got %v after %v", afterReset, second)
	}
}
