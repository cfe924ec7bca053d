package statemachine

import (
	"sync"
	"testing"
)

func TestAdvanceFollowsHappyPath(t *testing.T) {
	m := New()
	want := []State{TLSHandshaking, Authenticating, NegotiatingProxies, Active, Draining, Closed}
	for _, w := range want {
		got, err := m.Advance()
		if err != nil {
			t.Fatalf("Advance: %v", err)
		}
		if got != w {
			t.Fatalf("got %s, want %s", got, w)
		}
	}
}

func TestAdvanceFromClosedErrors(t *testing.T) {
	m := New()
	for range 6 {
		if _, err := m.Advance(); err != nil {
			t.Fatalf("unexpected error reaching Closed: %v", err)
		}
	}
	if m.Current() != Closed {
		t.Fatalf("expected Closed, got %s", m.Current())
	}
	if _, err := m.Advance(); err == nil {
		t.Fatal("expected error advancing past Closed")
	}
}

func TestFailMovesDirectlyToDrainingFromAnyState(t *testing.T) {
	m := New()
	m.Advance() // TLSHandshaking
	m.Advance() // Authenticating

	if got := m.Fail(); got != Draining {
		t.Fatalf("expected Draining, got %s", got)
	}
}

func TestFailIsNoOpOnceClosed(t *testing.T) {
	m := New()
	m.Fail()
	m.Close()
	if got := m.Fail(); got != Closed {
		t.Fatalf("expected Closed to stick, got %s", got)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := New()
	m.Fail()
	if got := m.Close(); got != Closed {
		t.Fatalf("expected Closed, got %s", got)
	}
	if got := m.Close(); got != Closed {
		t.Fatalf("expected Closed on second call, got %s", got)
	}
	if !m.IsTerminal() {
		t.Fatal("expected IsTerminal true once Closed")
	}
}

func TestConcurrentFailIsSafe(t *testing.T) {
	m := New()
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Fail()
		}()
	}
	wg.Wait()
	if m.Current() != Draining {
		t.Fatalf("expected Draining, got %s", m.Current())
	}
}

func TestStateStringUnknown(t *testing.T) {
	var s State = 99
	if s.String() == "" {
		t.Fatal("expected non-empty string for unknown state")
	}
}
