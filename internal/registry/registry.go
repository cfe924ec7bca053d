// Package registry holds the server-global mapping from a published proxy
// name and port to the session that owns it, so visitor and forwarder
// traffic arriving on one session can be routed to streams opened on
// another. Reads (routing lookups) are the hot path; writes (session join
// and leave) are rare, so the map is guarded reader-writer style.
package registry

import (
	"fmt"
	"net"
	"sync"

	"github.com/tlstunnel/tlstunnel/internal/tunnelcfg"
	"github.com/tlstunnel/tlstunnel/internal/tunnelerr"
)

// StreamOpener is the capability a registry entry needs from the session
// that owns it: the ability to open a new outbound multiplexed stream.
// internal/muxstream.Session satisfies this directly.
type StreamOpener interface {
	OpenStream() (net.Conn, error)
}

// Key identifies one published proxy across the whole registry.
type Key struct {
	Name        string
	PublishPort uint16
}

// Entry is what a session publishes into the registry for one of its
// accepted proxy entries.
type Entry struct {
	Key     Key
	Proxy   tunnelcfg.ProxyEntry
	Owner   StreamOpener
	Session string // opaque session id, for logging/diagnostics only
}

// Registry is the server-global proxy table.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[Key]*Entry)}
}

// InsertBatch atomically inserts every entry for one session's accepted
// proxies, or inserts none of them. A key already held by a different
// session fails the whole batch — spec scenario E: the second session to
// declare a given (name, publish_port) is rejected outright, the first is
// unaffected.
func (r *Registry) InsertBatch(entries []*Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		if existing, ok := r.entries[e.Key]; ok {
			return tunnelerr.Wrap(tunnelerr.KindValidation,
				fmt.Errorf("%w: name=%q publish_port=%d already bound by session %s",
					tunnelerr.ErrDuplicateBind, e.Key.Name, e.Key.PublishPort, existing.Session),
				"registry insert")
		}
	}
	for _, e := range entries {
		r.entries[e.Key] = e
	}
	return nil
}

// RemoveSession drops every key owned by sessionID, called once a
// session's multiplexer closes. It is not an error to call this for a
// session that owns no keys.
func (r *Registry) RemoveSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, e := range r.entries {
		if e.Session == sessionID {
			delete(r.entries, k)
		}
	}
}

// Lookup resolves a (name, publish_port) pair to its owning entry, for
// visitor/forwarder routing.
func (r *Registry) Lookup(name string, publishPort uint16) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[Key{Name: name, PublishPort: publishPort}]
	return e, ok
}

// Len reports the current number of registered keys, used by diagnostics
// and tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
