package server

import (
	"net"
	"sync"

	"github.com/rs/xid"
	"github.com/snackerengine/serp/internal/ids"
)

// clientEntry is one row of the relay's client table (spec §4.E "Client
// table"), grounded on original_source/SERP/server.cpp's Client struct.
type clientEntry struct {
	id   ids.ClientId
	addr *net.UDPAddr

	// timeoutSecs counts seconds of silence from this client; it resets to
	// zero whenever a packet with this src id is processed.
	timeoutSecs int

	// correlationID is a per-admission id logged on this client's admission
	// line; other log lines about the client carry only its ClientId.
	// Not part of the original C++ design; added for the Go rendition's
	// ambient logging stack.
	correlationID xid.ID
}

// clientTable is the relay's registry of admitted clients, safe for
// concurrent reads from other goroutines while the main loop mutates it.
type clientTable struct {
	mu   sync.Mutex
	byID map[ids.ClientId]*clientEntry
}

func newClientTable() *clientTable {
	return &clientTable{byID: make(map[ids.ClientId]*clientEntry)}
}

func (t *clientTable) get(id ids.ClientId) (*clientEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	return e, ok
}

func (t *clientTable) inUse(id ids.ClientId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byID[id]
	return ok
}

func (t *clientTable) put(e *clientEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[e.id] = e
}

func (t *clientTable) delete(id ids.ClientId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

func (t *clientTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// forEach calls fn for every entry. fn must not mutate the table; callers
// that need to evict entries collect ids during the callback and delete
// them afterward.
func (t *clientTable) forEach(fn func(*clientEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.byID {
		fn(e)
	}
}

// ids returns a snapshot of every currently registered client id, used to
// build shutdown broadcasts.
func (t *clientTable) ids() []ids.ClientId {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ids.ClientId, 0, len(t.byID))
	for id := range t.byID {
		out = append(out, id)
	}
	return out
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}
