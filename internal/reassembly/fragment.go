// Package reassembly implements SERP's fragmentation (sender side) and
// reassembly (receiver side), spec §4.C. The sender side turns a logical
// payload plus destination set into a series of fixed-capacity SERP
// packets; the receiver side rebuilds those packets into a complete
// message keyed by (id, src).
package reassembly

import (
	"errors"
	"fmt"
	"time"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/wire"
)

// ErrNoCapacity is returned when the multicast trailer overhead leaves no
// room for payload at all.
var ErrNoCapacity = errors.New("reassembly: no payload capacity left after headers and multicast trailer")

// Fragment is one SERP packet's worth of a logical message, still missing
// only the per-fragment Part index (callers fill Part in when serializing).
type Fragment struct {
	Payload []byte
}

// Capacity returns the maximum payload bytes a single SERP packet can carry
// for the given destination count, per spec §4.C.
func Capacity(numDestinations int) (int, error) {
	capacity := wire.MaxPacket - wire.SERPHeaderSize - wire.SMPHeaderSize
	if numDestinations > 1 {
		capacity -= 2 * numDestinations
	}
	if capacity <= 0 {
		return 0, ErrNoCapacity
	}
	return capacity, nil
}

// Split breaks payload into fragments of at most capacity bytes each. An
// empty payload still yields exactly one (empty) fragment, and total is
// always at least 1.
func Split(payload []byte, capacity int) []Fragment {
	total := (len(payload) + capacity - 1) / capacity
	if total < 1 {
		total = 1
	}
	fragments := make([]Fragment, total)
	for p := 0; p < total; p++ {
		start := p * capacity
		end := start + capacity
		if end > len(payload) {
			end = len(payload)
		}
		fragments[p] = Fragment{Payload: payload[start:end]}
	}
	return fragments
}

// PartialKey identifies an in-progress incoming message, exported so callers
// can enumerate and expire stale entries (spec §4.C INCOMING_TIMEOUT).
type PartialKey struct {
	ID  ids.MessageId
	Src ids.ClientId
}

type partialKey = PartialKey

// Reassembler rebuilds fragmented messages keyed by (id, src). It does not
// itself track safe-send ack bookkeeping (see internal/reliable for that);
// it only knows how to glue fragment payloads back together.
type Reassembler struct {
	partials map[partialKey]*partial
}

type partial struct {
	total     uint8
	parts     [][]byte
	missing   int
	firstSeen time.Time
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{partials: make(map[partialKey]*partial)}
}

// Outcome describes what happened to a fragment handed to Accept.
type Outcome int

const (
	// OutcomeIncomplete means the fragment was stored; more are needed.
	OutcomeIncomplete Outcome = iota
	// OutcomeComplete means this fragment completed the message; Message()
	// on the returned result holds the full reassembled payload.
	OutcomeComplete
	// OutcomeDuplicate means a fragment for an already-filled slot arrived
	// again; it was ignored.
	OutcomeDuplicate
	// OutcomeDropped means the fragment was silently discarded: its part
	// index was not below its total, or its total disagreed with the one
	// recorded for (id, src). Payload lengths and the len field are not
	// checked here.
	OutcomeDropped
)

// Accept processes one received fragment and returns the outcome plus, when
// OutcomeComplete, the full reassembled payload.
//
// total==0 is treated as total==1 per spec §4.C. part must be < total or the
// fragment is dropped.
func (r *Reassembler) Accept(id ids.MessageId, src ids.ClientId, part, total uint8, payload []byte) (Outcome, []byte) {
	if total == 0 {
		total = 1
	}
	if part >= total {
		return OutcomeDropped, nil
	}

	if total == 1 {
		return OutcomeComplete, payload
	}

	key := partialKey{ID: id, Src: src}
	p, exists := r.partials[key]
	if !exists {
		p = &partial{total: total, parts: make([][]byte, total), missing: int(total), firstSeen: time.Now()}
		r.partials[key] = p
	} else if p.total != total {
		// Recorded total disagrees with this fragment's total: drop, keep entry as-is.
		return OutcomeDropped, nil
	}

	if p.parts[part] != nil {
		return OutcomeDuplicate, nil
	}

	p.parts[part] = payload
	p.missing--

	if p.missing == 0 {
		full := make([]byte, 0, totalLen(p.parts))
		for _, chunk := range p.parts {
			full = append(full, chunk...)
		}
		delete(r.partials, key)
		return OutcomeComplete, full
	}

	return OutcomeIncomplete, nil
}

// Forget drops any in-progress partial for (id, src), used when an
// INCOMING_TIMEOUT sweep evicts a stale entry.
func (r *Reassembler) Forget(id ids.MessageId, src ids.ClientId) {
	delete(r.partials, partialKey{ID: id, Src: src})
}

// Missing reports how many fragments are still outstanding for (id, src), or
// -1 if there is no such in-progress entry.
func (r *Reassembler) Missing(id ids.MessageId, src ids.ClientId) int {
	p, ok := r.partials[partialKey{ID: id, Src: src}]
	if !ok {
		return -1
	}
	return p.missing
}

// Keys returns every in-progress partial message's key, for callers that
// need to sweep stale entries themselves.
func (r *Reassembler) Keys() []PartialKey {
	keys := make([]PartialKey, 0, len(r.partials))
	for k := range r.partials {
		keys = append(keys, k)
	}
	return keys
}

// ExpireOlderThan forgets every partial whose first fragment arrived before
// cutoff, returning the keys it dropped. Used to enforce INCOMING_TIMEOUT
// (spec §4.C) so a message missing fragments forever does not leak memory.
func (r *Reassembler) ExpireOlderThan(cutoff time.Time) []PartialKey {
	var expired []PartialKey
	for k, p := range r.partials {
		if p.firstSeen.Before(cutoff) {
			expired = append(expired, k)
			delete(r.partials, k)
		}
	}
	return expired
}

func totalLen(parts [][]byte) int {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	return n
}

// ValidateLength checks that a fragment's payload length matches what spec
// §4.C requires: exactly capacity for all non-terminal fragments, and the
// remainder for the terminal one.
func ValidateLength(payloadLen, part, total, capacity, totalPayloadLen int) error {
	if int(part) == total-1 {
		want := totalPayloadLen - (total-1)*capacity
		if payloadLen != want {
			return fmt.Errorf("reassembly: terminal fragment length %d != expected %d", payloadLen, want)
		}
		return nil
	}
	if payloadLen != capacity {
		return fmt.Errorf("reassembly: fragment length %d != capacity %d", payloadLen, capacity)
	}
	return nil
}
