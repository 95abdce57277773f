package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSERPRoundTrip(t *testing.T) {
	h := SERPHeader{Src: 17, Dst: 42, Len: 28, Part: 1, Total: 3, ID: 100, Flags: FlagSafeSend}
	encoded := EncodeSERP(h)
	decoded := DecodeSERP(encoded[:])
	require.Equal(t, h, decoded)

	reencoded := EncodeSERP(decoded)
	require.Equal(t, encoded, reencoded)
}

func TestSERPSafeSendFlag(t *testing.T) {
	var h SERPHeader
	require.False(t, h.SafeSend())

	h.SetSafeSend(true)
	require.True(t, h.SafeSend())
	require.Equal(t, FlagSafeSend, h.Flags)

	h.SetSafeSend(false)
	require.False(t, h.SafeSend())
	require.Equal(t, uint32(0), h.Flags)
}

func TestSMPRoundTrip(t *testing.T) {
	h := SMPHeader{Type: TypeADVERTISEMENT, Options: OptAdvertisementOK}
	encoded := EncodeSMP(h)
	require.Equal(t, h, DecodeSMP(encoded[:]))
}

func TestMulticastTrailerRoundTrip(t *testing.T) {
	dests := []uint16{42, 88, 0xFFFE}
	trailer := EncodeMulticastTrailer(dests)
	require.Len(t, trailer, 2*len(dests))
	require.Equal(t, dests, DecodeMulticastTrailer(trailer))
}

func TestMulticastTrailerEmpty(t *testing.T) {
	require.Empty(t, EncodeMulticastTrailer(nil))
	require.Empty(t, DecodeMulticastTrailer(nil))
}
