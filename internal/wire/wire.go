// Package wire implements the SERP and SMP header codecs: fixed-width,
// big-endian on-wire framing (spec §3, §4.A). Endian conversion happens only
// at the encode/decode boundary in this package — everywhere else in the
// module, header fields are host-endian Go values.
package wire

import "encoding/binary"

const (
	// SERPHeaderSize is the fixed size in bytes of a SERP header.
	SERPHeaderSize = 16
	// SMPHeaderSize is the fixed size in bytes of an SMP sub-header.
	SMPHeaderSize = 4

	// MaxPacket is the hard upper bound on a complete on-wire packet,
	// including headers, payload, and multicast trailer.
	MaxPacket = 4000

	// ClientIDServer is the reserved identifier for the relay server.
	ClientIDServer uint16 = 0
	// ClientIDMulticast is the reserved destination meaning "see trailer".
	ClientIDMulticast uint16 = 0xFFFF
)

// FlagSafeSend is bit 0 of the SERP flags field: reliable delivery requested.
const FlagSafeSend uint32 = 1 << 0

// SERPHeader is the 16-byte frame prefix of every SERP packet.
type SERPHeader struct {
	Src   uint16
	Dst   uint16
	Len   uint16 // total packet length in bytes, including this header; excludes multicast trailer
	Part  uint8  // 0-based fragment index
	Total uint8  // fragment count, >= 1
	ID    uint32 // message id, unique per sender
	Flags uint32 // bit 0 = SAFE_SEND
}

// SafeSend reports whether the SAFE_SEND flag is set.
func (h SERPHeader) SafeSend() bool { return h.Flags&FlagSafeSend != 0 }

// SetSafeSend sets or clears the SAFE_SEND flag.
func (h *SERPHeader) SetSafeSend(on bool) {
	if on {
		h.Flags |= FlagSafeSend
	} else {
		h.Flags &^= FlagSafeSend
	}
}

// EncodeSERP writes h as 16 big-endian bytes.
func EncodeSERP(h SERPHeader) [SERPHeaderSize]byte {
	var b [SERPHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Src)
	binary.BigEndian.PutUint16(b[2:4], h.Dst)
	binary.BigEndian.PutUint16(b[4:6], h.Len)
	b[6] = h.Part
	b[7] = h.Total
	binary.BigEndian.PutUint32(b[8:12], h.ID)
	binary.BigEndian.PutUint32(b[12:16], h.Flags)
	return b
}

// DecodeSERP reads a SERPHeader from the first 16 bytes of b. The caller
// must ensure len(b) >= SERPHeaderSize.
func DecodeSERP(b []byte) SERPHeader {
	return SERPHeader{
		Src:   binary.BigEndian.Uint16(b[0:2]),
		Dst:   binary.BigEndian.Uint16(b[2:4]),
		Len:   binary.BigEndian.Uint16(b[4:6]),
		Part:  b[6],
		Total: b[7],
		ID:    binary.BigEndian.Uint32(b[8:12]),
		Flags: binary.BigEndian.Uint32(b[12:16]),
	}
}

// SMPHeader is the 4-byte sub-header immediately following the SERP header.
type SMPHeader struct {
	Type    uint16
	Options uint16
}

// EncodeSMP writes h as 4 big-endian bytes.
func EncodeSMP(h SMPHeader) [SMPHeaderSize]byte {
	var b [SMPHeaderSize]byte
	binary.BigEndian.PutUint16(b[0:2], h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.Options)
	return b
}

// DecodeSMP reads an SMPHeader from the first 4 bytes of b. The caller must
// ensure len(b) >= SMPHeaderSize.
func DecodeSMP(b []byte) SMPHeader {
	return SMPHeader{
		Type:    binary.BigEndian.Uint16(b[0:2]),
		Options: binary.BigEndian.Uint16(b[2:4]),
	}
}

// EncodeMulticastTrailer appends the big-endian destination list used when
// SERPHeader.Dst == ClientIDMulticast.
func EncodeMulticastTrailer(dests []uint16) []byte {
	trailer := make([]byte, 2*len(dests))
	for i, d := range dests {
		binary.BigEndian.PutUint16(trailer[2*i:2*i+2], d)
	}
	return trailer
}

// DecodeMulticastTrailer parses a trailer of b into destination ids. b's
// length must be a multiple of 2; any odd remainder is ignored.
func DecodeMulticastTrailer(b []byte) []uint16 {
	n := len(b) / 2
	dests := make([]uint16, n)
	for i := 0; i < n; i++ {
		dests[i] = binary.BigEndian.Uint16(b[2*i : 2*i+2])
	}
	return dests
}

// SMP message types (spec §6).
const (
	TypeECHO             uint16 = 0
	TypeERROR            uint16 = 1
	TypeADVERTISEMENT    uint16 = 2
	TypeMESSAGE_RECEIVED uint16 = 3
	// TypeApplicationBase is the first value in the application-message-type
	// range reserved for callers.
	TypeApplicationBase uint16 = 1000
)

// ECHO options.
const (
	OptEchoRequest uint16 = 0
	OptEchoReply   uint16 = 1
)

// ERROR options.
const (
	OptErrorUnspecified     uint16 = 0
	OptErrorTimeout         uint16 = 1
	OptErrorNotFound        uint16 = 2
	OptErrorBadType         uint16 = 3
	OptErrorBadOption       uint16 = 4
	OptErrorTooManyClients  uint16 = 5
)

// ADVERTISEMENT options.
const (
	OptAdvertisementRequest    uint16 = 0
	OptAdvertisementOK         uint16 = 1
	OptAdvertisementDisconnect uint16 = 2
)
