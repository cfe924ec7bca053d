package registry

import (
	"errors"
	"net"
	"testing"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

type fakeOwner struct{}

func (fakeOwner) OpenStream() (net.Conn, error) {
	c, _ := net.Pipe()
	return c, nil
}

func entryFor(name string, port uint16, session string) *Entry {
	return &Entry{
		Key:     Key{Name: name, PublishPort: port},
		Proxy:   tunnelcfg.ProxyEntry{Name: name, PublishPort: port, LocalPort: 8080, Type: tunnelcfg.ProxyTCP},
		Owner:   fakeOwner{},
		Session: session,
	}
}

func TestInsertBatchAndLookup(t *testing.T) {
	r := New()
	batch := []*Entry{entryFor("a", 9000, "s1"), entryFor("b", 9001, "s1")}

	if err := r.InsertBatch(batch); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", r.Len())
	}

	e, ok := r.Lookup("a", 9000)
	if !ok || e.Session != "s1" {
		t.Fatalf("lookup failed: %+v ok=%v", e, ok)
	}

	if _, ok := r.Lookup("missing", 1); ok {
		t.Fatal("expected lookup miss for unregistered key")
	}
}

func TestInsertBatchRejectsDuplicateKey(t *testing.T) {
	r := New()
	if err := r.InsertBatch([]*Entry{entryFor("p", 9000, "s1")}); err != nil {
		t.Fatal(err)
	}

	err := r.InsertBatch([]*Entry{entryFor("p", 9000, "s2")})
	if err == nil {
		t.Fatal("expected duplicate binding error")
	}
	if !errors.Is(err, tunnelerr.ErrDuplicateBind) {
		t.Fatalf("expected ErrDuplicateBind, got %v", err)
	}

	// s1's original entry must be unaffected.
	e, ok := r.Lookup("p", 9000)
	if !ok || e.Session != "s1" {
		t.Fatalf("expected s1 entry intact, got %+v ok=%v", e, ok)
	}
}

func TestInsertBatchAllOrNothing(t *testing.T) {
	r := New()
	if err := r.InsertBatch([]*Entry{entryFor("taken", 9000, "s1")}); err != nil {
		t.Fatal(err)
	}

	// Batch has one free key and one colliding key; neither should land.
	err := r.InsertBatch([]*Entry{entryFor("fresh", 9500, "s2"), entryFor("taken", 9000, "s2")})
	if err == nil {
		t.Fatal("expected batch rejection")
	}
	if _, ok := r.Lookup("fresh", 9500); ok {
		t.Fatal("partial batch should not have inserted the non-colliding key")
	}
}

func TestRemoveSession(t *testing.T) {
	r := New()
	if err := r.InsertBatch([]*Entry{entryFor("a", 9000, "s1"), entryFor("b", 9001, "s2")}); err != nil {
		t.Fatal(err)
	}
	r.RemoveSession("s1")

	if _, ok := r.Lookup("a", 9000); ok {
		t.Fatal("expected s1's key removed")
	}
	if _, ok := r.Lookup("b", 9001); !ok {
		t.Fatal("expected s2's key to remain")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", r.Len())
	}
}
