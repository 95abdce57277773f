// Package reliable implements SERP's client-side reliable-send engine
// (spec §4.D): a SafeOut state machine per outgoing reliable message, a
// byte-budget token-bucket pacer over the outgoing queue, and ack-matrix
// bookkeeping driven by incoming MESSAGE_RECEIVED packets.
package reliable

import (
	"time"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/wire"
)

// Default timing constants from spec §3/§4.D.
const (
	DefaultSafeSendTimeout = 5 * time.Second
	DefaultResendInterval  = 100 * time.Millisecond
	// DefaultBudgetRate is the default token-bucket rate in bytes/second.
	DefaultBudgetRate = 500_000.0
)

// ackRow tracks per-destination acknowledgement for a single fragment.
type ackRow struct {
	remaining int
	perDest   []bool
}

// SafeOut is an in-flight (or just-completed) outgoing reliable message,
// spec §3.
type SafeOut struct {
	ID           ids.MessageId
	Flags        uint32
	SMP          wire.SMPHeader
	Destinations []ids.ClientId
	Parts        [][]byte

	ackMatrix           []ackRow
	unackedPartsTotal   int
	unackedPartsPerDest []int
	destIndex           map[ids.ClientId]int

	firstSend time.Time
	lastSend  time.Time
}

func newSafeOut(id ids.MessageId, flags uint32, smp wire.SMPHeader, dests []ids.ClientId, parts [][]byte, now time.Time) *SafeOut {
	s := &SafeOut{
		ID:                  id,
		Flags:               flags,
		SMP:                 smp,
		Destinations:        append([]ids.ClientId(nil), dests...),
		Parts:               parts,
		ackMatrix:           make([]ackRow, len(parts)),
		unackedPartsPerDest: make([]int, len(dests)),
		destIndex:           make(map[ids.ClientId]int, len(dests)),
		firstSend:           now,
		lastSend:            now,
	}
	for i, d := range dests {
		s.destIndex[d] = i
		s.unackedPartsPerDest[i] = len(parts)
	}
	for p := range parts {
		s.ackMatrix[p] = ackRow{remaining: len(dests), perDest: make([]bool, len(dests))}
		s.unackedPartsTotal++
	}
	return s
}

// unackedDestinationsFor returns the destinations that have not yet
// acknowledged fragment part.
func (s *SafeOut) unackedDestinationsFor(part int) []ids.ClientId {
	row := s.ackMatrix[part]
	if row.remaining == 0 {
		return nil
	}
	out := make([]ids.ClientId, 0, row.remaining)
	for i, acked := range row.perDest {
		if !acked {
			out = append(out, s.Destinations[i])
		}
	}
	return out
}

// ack records that dest has acknowledged part. Returns true if the whole
// entry is now fully acknowledged by every destination.
func (s *SafeOut) ack(dest ids.ClientId, part int) bool {
	i, ok := s.destIndex[dest]
	if !ok || part < 0 || part >= len(s.ackMatrix) {
		return false
	}
	row := &s.ackMatrix[part]
	if row.perDest[i] {
		return s.unackedPartsTotal == 0
	}
	row.perDest[i] = true
	row.remaining--
	s.unackedPartsPerDest[i]--
	if row.remaining == 0 {
		s.unackedPartsTotal--
	}
	return s.unackedPartsTotal == 0
}

// partsStillPending returns the part indices that still have at least one
// unacknowledged destination.
func (s *SafeOut) partsStillPending() []int {
	pending := make([]int, 0, len(s.ackMatrix))
	for p, row := range s.ackMatrix {
		if row.remaining > 0 {
			pending = append(pending, p)
		}
	}
	return pending
}
