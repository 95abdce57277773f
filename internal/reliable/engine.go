package reliable

import (
	"time"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/wire"
)

// Sender transmits an already-framed SERP packet to the relay server. The
// client library always talks to its one relay; per-destination addressing
// lives in the SERP header's dst field and multicast trailer, not in the
// socket address.
type Sender interface {
	Send(frame []byte) error
}

// queueItem is either a self-contained Basic frame, or a Reliable reference
// into a SafeOut entry's (id, part), re-resolved to current unacked
// destinations at send time (spec §3, "Outgoing queue entry").
type queueItem struct {
	basic []byte // non-nil for Basic items

	safeOutID ids.MessageId // used for Reliable items
	part      int
	isSafeOut bool
}

// Engine paces outgoing packets over a byte-budget token bucket and tracks
// every in-flight reliable send to completion, timeout, or ack.
type Engine struct {
	SrcID ids.ClientId

	budgetRate float64 // bytes/second
	accumTime  time.Duration

	resendInterval  time.Duration
	safeSendTimeout time.Duration

	queue    []queueItem
	safeOuts map[ids.MessageId]*SafeOut

	// OnExpired, if set, is called when a SafeOut entry is dropped by
	// SAFE_SEND_TIMEOUT without being fully acknowledged (spec §9, Open
	// Question (a)).
	OnExpired func(id ids.MessageId)

	transport Sender
}

// NewEngine creates a reliable-send engine that writes framed packets to
// transport at up to budgetRate bytes/second.
func NewEngine(transport Sender, budgetRate float64) *Engine {
	if budgetRate <= 0 {
		budgetRate = DefaultBudgetRate
	}
	return &Engine{
		budgetRate:      budgetRate,
		resendInterval:  DefaultResendInterval,
		safeSendTimeout: DefaultSafeSendTimeout,
		safeOuts:        make(map[ids.MessageId]*SafeOut),
		transport:       transport,
	}
}

// EnqueueBasic queues a self-contained, already-framed packet for best-effort
// (non-reliable) delivery.
func (e *Engine) EnqueueBasic(frame []byte) {
	e.queue = append(e.queue, queueItem{basic: frame})
}

// EnqueueReliable registers a new SafeOut entry for message id and enqueues
// all of its fragments for first transmission.
func (e *Engine) EnqueueReliable(id ids.MessageId, flags uint32, smp wire.SMPHeader, dests []ids.ClientId, parts [][]byte, now time.Time) {
	entry := newSafeOut(id, flags, smp, dests, parts, now)
	e.safeOuts[id] = entry
	for p := range parts {
		e.queue = append(e.queue, queueItem{safeOutID: id, part: p, isSafeOut: true})
	}
}

// Ack applies an incoming MESSAGE_RECEIVED acknowledgement from dest for
// (id, part). If this was the last outstanding ack for the entry, it is
// removed (spec §4.D "Acknowledgement reception").
func (e *Engine) Ack(id ids.MessageId, dest ids.ClientId, part int) {
	entry, ok := e.safeOuts[id]
	if !ok {
		return
	}
	if entry.ack(dest, part) {
		delete(e.safeOuts, id)
	}
}

// Pending reports whether a SafeOut entry for id is still tracked (for
// tests and diagnostics).
func (e *Engine) Pending(id ids.MessageId) bool {
	_, ok := e.safeOuts[id]
	return ok
}

// QueueLen reports the number of items currently queued (tests/diagnostics).
func (e *Engine) QueueLen() int { return len(e.queue) }

// Update performs the per-tick SafeOut sweep described in spec §4.D: drop
// entries past SAFE_SEND_TIMEOUT (invoking OnExpired), and re-enqueue the
// still-pending fragments of entries past RESEND_INTERVAL since last send.
func (e *Engine) Update(now time.Time) {
	for id, entry := range e.safeOuts {
		if now.Sub(entry.firstSend) > e.safeSendTimeout {
			delete(e.safeOuts, id)
			if e.OnExpired != nil {
				e.OnExpired(id)
			}
			continue
		}
		if now.Sub(entry.lastSend) > e.resendInterval {
			for _, p := range entry.partsStillPending() {
				e.queue = append(e.queue, queueItem{safeOutID: id, part: p, isSafeOut: true})
			}
			entry.lastSend = now
		}
	}
}

// Tick runs the token-bucket pacer for dt: it adds budgetRate*(accumTime+dt)
// bytes of budget, then sends as many queued items as that budget allows,
// in order. Any remaining credit when the head item doesn't fit is carried
// to the next Tick via accumTime (spec §4.D "Pacing").
func (e *Engine) Tick(dt time.Duration, now time.Time) {
	budget := e.budgetRate * (e.accumTime + dt).Seconds()
	e.accumTime = 0

	for len(e.queue) > 0 {
		head := e.queue[0]
		frame := e.resolve(head, now)
		if frame == nil {
			e.queue = e.queue[1:]
			continue
		}
		size := float64(len(frame))
		if size > budget {
			e.accumTime = time.Duration(budget / e.budgetRate * float64(time.Second))
			return
		}
		e.queue = e.queue[1:]
		_ = e.transport.Send(frame)
		budget -= size
	}
}

// resolve turns a queue item into wire bytes to send, or nil if the item
// should simply be dropped (already-complete/expired SafeOut, or a part
// with no remaining unacked destinations).
func (e *Engine) resolve(item queueItem, now time.Time) []byte {
	if !item.isSafeOut {
		return item.basic
	}

	entry, ok := e.safeOuts[item.safeOutID]
	if !ok {
		return nil
	}
	unacked := entry.unackedDestinationsFor(item.part)
	if len(unacked) == 0 {
		return nil
	}

	entry.lastSend = now
	payload := entry.Parts[item.part]

	serp := wire.SERPHeader{
		Src:   e.SrcID,
		Len:   uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload)),
		Part:  uint8(item.part),
		Total: uint8(len(entry.Parts)),
		ID:    entry.ID,
		Flags: entry.Flags,
	}

	var trailer []byte
	if len(unacked) == 1 {
		serp.Dst = unacked[0]
	} else {
		serp.Dst = ids.Multicast
		trailer = wire.EncodeMulticastTrailer(unacked)
	}

	serpBytes := wire.EncodeSERP(serp)
	smpBytes := wire.EncodeSMP(entry.SMP)

	frame := make([]byte, 0, int(serp.Len)+len(trailer))
	frame = append(frame, serpBytes[:]...)
	frame = append(frame, smpBytes[:]...)
	frame = append(frame, payload...)
	frame = append(frame, trailer...)
	return frame
}
