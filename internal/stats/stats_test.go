package stats

import (
	"sync"
	"testing"
)

func TestTrackerConnectionLifecycle(t *testing.T) {
	tr := NewTracker()

	g1 := tr.ConnectionStarted()
	g2 := tr.ConnectionStarted()

	snap := tr.Snapshot()
	if snap.TotalConnections != 2 || snap.ActiveConnections != 2 {
		t.Fatalf("got %+v", snap)
	}

	g1.End()
	snap = tr.Snapshot()
	if snap.ActiveConnections != 1 {
		t.Fatalf("expected 1 active after one End, got %d", snap.ActiveConnections)
	}

	g1.End() // repeat call must be a no-op
	snap = tr.Snapshot()
	if snap.ActiveConnections != 1 {
		t.Fatalf("expected End to be idempotent, got %d active", snap.ActiveConnections)
	}

	g2.End()
	snap = tr.Snapshot()
	if snap.ActiveConnections != 0 || snap.TotalConnections != 2 {
		t.Fatalf("got %+v", snap)
	}
}

func TestTrackerByteCounters(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.AddBytesSent(10)
			tr.AddBytesReceived(5)
		}()
	}
	wg.Wait()

	snap := tr.Snapshot()
	if snap.BytesSent != 1000 || snap.BytesReceived != 500 {
		t.Fatalf("got %+v", snap)
	}
}

func TestManagerCreatesAndRemovesTrackers(t *testing.T) {
	m := NewManager()
	t1 := m.Tracker("a")
	t2 := m.Tracker("a")
	if t1 != t2 {
		t.Fatal("expected same tracker instance for repeated name")
	}

	t1.AddBytesSent(42)
	snap := m.Snapshot()
	if snap["a"].BytesSent != 42 {
		t.Fatalf("got %+v", snap["a"])
	}

	m.Remove("a")
	if _, ok := m.Snapshot()["a"]; ok {
		t.Fatal("expected tracker removed")
	}
}

func TestManagerConcurrentTrackerCreation(t *testing.T) {
	m := NewManager()
	var wg sync.WaitGroup
	trackers := make([]*Tracker, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			trackers[i] = m.Tracker("shared")
		}(i)
	}
	wg.Wait()

	for _, tr := range trackers {
		if tr != trackers[0] {
			t.Fatal("expected all concurrent callers to get the same tracker")
		}
	}
}
