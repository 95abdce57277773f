package client

import (
	"sync"
	"time"

	"github.com/snackerengine/serp/internal/ids"
)

// Message is one fully reassembled, delivered application message.
type Message struct {
	From    ids.ClientId
	Type    uint16
	Payload []byte
}

// seenEntry records when a reliable message's last fragment completed
// delivery, for SafeSeen's INCOMING_TIMEOUT lifetime (spec §3).
type seenEntry struct {
	firstRecv time.Time
}

// inbox holds delivered-but-undrained messages plus the SafeSeen dedup
// tracker, both guarded by one mutex since the background receive loop and
// application goroutines touch them concurrently.
type inbox struct {
	mu sync.Mutex

	delivered []Message
	seen      map[seenKey]seenEntry
}

type seenKey struct {
	id  ids.MessageId
	src ids.ClientId
}

func newInbox() *inbox {
	return &inbox{seen: make(map[seenKey]seenEntry)}
}

func (b *inbox) deliver(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivered = append(b.delivered, msg)
}

// Drain returns and clears every message delivered since the last Drain.
func (b *inbox) Drain() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.delivered) == 0 {
		return nil
	}
	out := b.delivered
	b.delivered = nil
	return out
}

func (b *inbox) hasSeen(id ids.MessageId, src ids.ClientId) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.seen[seenKey{id: id, src: src}]
	return ok
}

func (b *inbox) markSeen(id ids.MessageId, src ids.ClientId, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seen[seenKey{id: id, src: src}] = seenEntry{firstRecv: now}
}

// expireSeen drops SafeSeen entries older than cutoff (spec §3 "Lifetimes").
func (b *inbox) expireSeen(cutoff time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, e := range b.seen {
		if e.firstRecv.Before(cutoff) {
			delete(b.seen, k)
		}
	}
}
