// Package wire implements the on-the-wire encoding for every packet type
// this transport exchanges. Every packet starts with a 28-byte common
// header laid out so a NIC that segments/reassembles based on the TCP
// sequence/ack header positions still sees plausible data there, followed
// by a type-specific header. The whole thing, for every type, stays under
// MaxHeader bytes.
//
// All multi-byte header fields are big-endian except ID, which is opaque to
// the peer: the sender picks its own encoding (this implementation always
// uses little-endian) and the receiver echoes the bytes back unexamined.
package wire

import (
	"encoding/binary"
	"fmt"
)

// Packet types. NOTIFICATION/RTS/ACCEPT/DCACPGrant belong to the DCACP
// matching scheme that was only ever half-integrated upstream (see
// SPEC_FULL.md, Open Question resolutions): this package recognizes and
// can decode their headers, but nothing above the wire layer acts on them.
const (
	TypeData = iota + 1
	TypeGrant
	TypeResend
	TypeRestart
	TypeBusy
	TypeCutoffs
	TypeFreeze
	TypeNotification
	TypeRTS
	TypeAccept
	TypeDCACPGrant
)

// MaxHeader bounds the header (common + type-specific, excluding DATA
// segment payloads) for every packet type. Carried over from
// original_source/homa_impl.h's HOMA_MAX_HEADER.
const MaxHeader = 64

// CommonHeaderLen is the size in bytes of the fixed header every packet
// type begins with.
const CommonHeaderLen = 28

// MaxPriorities bounds the number of priority levels a CUTOFFS packet can
// carry (original_source/homa_impl.h's HOMA_NUM_PRIORITIES).
const MaxPriorities = 8

// CommonHeader is present, identically laid out, on every packet type.
type CommonHeader struct {
	Sport      uint16
	Dport      uint16
	Reserved1  uint32 // mirrors a TCP header's sequence number position
	Reserved2  uint32 // mirrors a TCP header's ack number position
	DataOffset uint8
	Type       uint8
	AggCount   uint8 // offload-aggregation count
	Priority   uint8 // debug only; real priority travels out-of-band
	Checksum   uint16
	pad        uint16
	ID         uint64 // opaque to the peer; not byte-swapped on decode
}

func typeName(t uint8) string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeGrant:
		return "GRANT"
	case TypeResend:
		return "RESEND"
	case TypeRestart:
		return "RESTART"
	case TypeBusy:
		return "BUSY"
	case TypeCutoffs:
		return "CUTOFFS"
	case TypeFreeze:
		return "FREEZE"
	case TypeNotification:
		return "NOTIFICATION"
	case TypeRTS:
		return "RTS"
	case TypeAccept:
		return "ACCEPT"
	case TypeDCACPGrant:
		return "DCACP_GRANT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", t)
	}
}

// Encode writes the common header to the front of buf, which must have at
// least CommonHeaderLen bytes of room, and returns the number of bytes
// written.
func (h *CommonHeader) Encode(buf []byte) (int, error) {
	if len(buf) < CommonHeaderLen {
		return 0, fmt.Errorf("wire: buffer too small for common header: %d < %d", len(buf), CommonHeaderLen)
	}
	binary.BigEndian.PutUint16(buf[0:2], h.Sport)
	binary.BigEndian.PutUint16(buf[2:4], h.Dport)
	binary.BigEndian.PutUint32(buf[4:8], h.Reserved1)
	binary.BigEndian.PutUint32(buf[8:12], h.Reserved2)
	buf[12] = h.DataOffset
	buf[13] = h.Type
	buf[14] = h.AggCount
	buf[15] = h.Priority
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], 0)
	binary.LittleEndian.PutUint64(buf[20:28], h.ID)
	return CommonHeaderLen, nil
}

// Decode reads a common header from the front of buf.
func (h *CommonHeader) Decode(buf []byte) (int, error) {
	if len(buf) < CommonHeaderLen {
		return 0, fmt.Errorf("wire: short packet: %d < %d", len(buf), CommonHeaderLen)
	}
	h.Sport = binary.BigEndian.Uint16(buf[0:2])
	h.Dport = binary.BigEndian.Uint16(buf[2:4])
	h.Reserved1 = binary.BigEndian.Uint32(buf[4:8])
	h.Reserved2 = binary.BigEndian.Uint32(buf[8:12])
	h.DataOffset = buf[12]
	h.Type = buf[13]
	h.AggCount = buf[14]
	h.Priority = buf[15]
	h.Checksum = binary.BigEndian.Uint16(buf[16:18])
	h.ID = binary.LittleEndian.Uint64(buf[20:28])
	return CommonHeaderLen, nil
}

func (h CommonHeader) String() string {
	return fmt.Sprintf("%s sport=%d dport=%d id=%d", typeName(h.Type), h.Sport, h.Dport, h.ID)
}
