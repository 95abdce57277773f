package reliable

import (
	"testing"
	"time"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeSender records every frame handed to it, standing in for the client's
// socket during tests.
type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func newTestEngine() (*Engine, *fakeSender) {
	sender := &fakeSender{}
	e := NewEngine(sender, 1_000_000_000) // effectively unbounded for most tests
	e.SrcID = 17
	return e, sender
}

func TestEngineSinglecastReliableSendAndAck(t *testing.T) {
	e, sender := newTestEngine()
	now := time.Now()

	e.EnqueueReliable(100, wire.FlagSafeSend, wire.SMPHeader{Type: wire.TypeApplicationBase}, []ids.ClientId{42}, [][]byte{[]byte("hello")}, now)
	e.Tick(time.Millisecond, now)

	require.Len(t, sender.sent, 1)
	hdr := wire.DecodeSERP(sender.sent[0])
	require.Equal(t, ids.ClientId(42), hdr.Dst)
	require.Equal(t, uint8(1), hdr.Total)
	require.True(t, hdr.SafeSend())
	require.True(t, e.Pending(100))

	e.Ack(100, 42, 0)
	require.False(t, e.Pending(100))
}

func TestEngineMulticastUsesTrailerForRemainingDests(t *testing.T) {
	e, sender := newTestEngine()
	now := time.Now()

	e.EnqueueReliable(1, wire.FlagSafeSend, wire.SMPHeader{}, []ids.ClientId{1, 2, 3}, [][]byte{[]byte("x")}, now)
	e.Tick(time.Millisecond, now)
	require.Len(t, sender.sent, 1)
	hdr := wire.DecodeSERP(sender.sent[0])
	require.Equal(t, ids.Multicast, hdr.Dst)
	trailer := wire.DecodeMulticastTrailer(sender.sent[0][hdr.Len:])
	require.ElementsMatch(t, []uint16{1, 2, 3}, trailer)

	// Ack from client 2; a resend should now only target {1, 3}.
	e.Ack(1, 2, 0)
	e.Update(now.Add(2 * DefaultResendInterval))
	e.Tick(time.Millisecond, now.Add(2*DefaultResendInterval))

	require.Len(t, sender.sent, 2)
	hdr2 := wire.DecodeSERP(sender.sent[1])
	trailer2 := wire.DecodeMulticastTrailer(sender.sent[1][hdr2.Len:])
	require.ElementsMatch(t, []uint16{1, 3}, trailer2)
}

func TestEngineMulticastCollapsesToSinglecastForLastDest(t *testing.T) {
	e, sender := newTestEngine()
	now := time.Now()

	e.EnqueueReliable(1, wire.FlagSafeSend, wire.SMPHeader{}, []ids.ClientId{1, 2}, [][]byte{[]byte("x")}, now)
	e.Tick(time.Millisecond, now)
	e.Ack(1, 2, 0)

	e.Update(now.Add(2 * DefaultResendInterval))
	e.Tick(time.Millisecond, now.Add(2*DefaultResendInterval))

	require.Len(t, sender.sent, 2)
	hdr := wire.DecodeSERP(sender.sent[1])
	require.Equal(t, ids.ClientId(1), hdr.Dst)
}

func TestEngineExpiryInvokesCallbackAndDropsEntry(t *testing.T) {
	e, _ := newTestEngine()
	now := time.Now()

	var expired ids.MessageId
	var fired bool
	e.OnExpired = func(id ids.MessageId) { fired = true; expired = id }

	e.EnqueueReliable(9, wire.FlagSafeSend, wire.SMPHeader{}, []ids.ClientId{1}, [][]byte{[]byte("x")}, now)
	e.Update(now.Add(DefaultSafeSendTimeout + time.Millisecond))

	require.True(t, fired)
	require.Equal(t, ids.MessageId(9), expired)
	require.False(t, e.Pending(9))
}

func TestEngineAckIdempotent(t *testing.T) {
	e, _ := newTestEngine()
	now := time.Now()
	e.EnqueueReliable(1, wire.FlagSafeSend, wire.SMPHeader{}, []ids.ClientId{1, 2}, [][]byte{[]byte("x")}, now)

	e.Ack(1, 1, 0)
	require.True(t, e.Pending(1))
	e.Ack(1, 1, 0) // duplicate ack must not double-decrement
	require.True(t, e.Pending(1))

	e.Ack(1, 2, 0)
	require.False(t, e.Pending(1))
}

func TestEngineTokenBucketDefersOversizedHead(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, 10) // 10 bytes/sec: far too slow for a full packet immediately
	e.SrcID = 1
	now := time.Now()

	e.EnqueueReliable(1, wire.FlagSafeSend, wire.SMPHeader{}, []ids.ClientId{2}, [][]byte{make([]byte, 100)}, now)
	e.Tick(time.Millisecond, now)
	require.Empty(t, sender.sent, "budget of ~0.01 bytes cannot cover a 120-byte frame")

	// After enough elapsed time the accumulated credit covers the frame.
	e.Tick(30*time.Second, now.Add(30*time.Second))
	require.Len(t, sender.sent, 1)
}

func TestEngineBasicFrameSentVerbatim(t *testing.T) {
	e, sender := newTestEngine()
	now := time.Now()
	frame := []byte{1, 2, 3, 4}
	e.EnqueueBasic(frame)
	e.Tick(time.Millisecond, now)
	require.Equal(t, frame, sender.sent[0])
}
