package transport

import "github.com/qizhe/homarpc/wire"

// Outbound is the sender-side state of one message: spec.md §3's
// "Outbound message". data is the full message payload, fixed for the
// life of the Outbound (never mutated in place), which is what lets
// RetransmitSegment hand out a byte-identical fresh copy without any
// coordination with the regular send path.
type Outbound struct {
	Length      uint32
	Unscheduled uint32 // bytes transmittable without a grant
	Granted     uint32 // monotone non-decreasing, <= Length
	Next        uint32 // offset of next untransmitted byte

	data          []byte
	schedPriority uint8 // updated by each received GRANT
}

func newOutbound(data []byte, cfg Config) *Outbound {
	length := uint32(len(data))
	o := &Outbound{Length: length, data: data}
	o.Unscheduled = cfg.roundedUnscheduled(length)
	o.Granted = o.Unscheduled
	return o
}

// NextPacket returns the next (offset, length) run ready to transmit, up to
// maxPacketData bytes. ok is false if the sender must wait for a GRANT
// (Next >= Granted) or the message is fully sent (Next >= Length).
func (o *Outbound) NextPacket(maxPacketData uint32) (offset, length uint32, ok bool) {
	if o.Next >= o.Length || o.Next >= o.Granted {
		return 0, 0, false
	}
	remaining := o.Granted - o.Next
	if remaining > maxPacketData {
		remaining = maxPacketData
	}
	return o.Next, remaining, true
}

// Advance records that n bytes starting at Next have been queued for
// transmission.
func (o *Outbound) Advance(n uint32) {
	o.Next += n
}

// Segment returns the wire segment for [offset, offset+length) without
// copying -- the regular send path, safe because data is never mutated.
func (o *Outbound) Segment(offset, length uint32) wire.Segment {
	return wire.Segment{Offset: offset, Length: length, Data: o.data[offset : offset+length]}
}

// RetransmitSegment returns a fresh copy of [offset, offset+length), per
// spec.md §4.5: the retransmit path copies rather than resubmits the
// original buffer, because in the substrate this Outbound was modeled on
// the underlying I/O layer is free to mutate a buffer once it's been
// submitted once.
func (o *Outbound) RetransmitSegment(offset, length uint32) wire.Segment {
	buf := make([]byte, length)
	copy(buf, o.data[offset:offset+length])
	return wire.Segment{Offset: offset, Length: length, Data: buf}
}

// ApplyGrant advances Granted to offset if offset is a forward move within
// bounds. Returns whether anything changed.
func (o *Outbound) ApplyGrant(offset uint32) bool {
	if offset <= o.Granted || offset > o.Length {
		return false
	}
	o.Granted = offset
	return true
}

// SetSchedPriority records the priority carried by the most recent GRANT.
func (o *Outbound) SetSchedPriority(p uint8) {
	o.schedPriority = p
}

// RemainingBytes is L - next, the SRPT key for the throttled set.
func (o *Outbound) RemainingBytes() uint32 {
	if o.Next >= o.Length {
		return 0
	}
	return o.Length - o.Next
}

// Done reports whether every byte of the message has been handed to the
// substrate at least once.
func (o *Outbound) Done() bool {
	return o.Next >= o.Length
}

// Reset rewinds the message to its initial unscheduled-only state, per
// original_source's homa_message_out_reset, used when a client receives a
// RESTART and must re-enter OUTGOING from scratch.
func (o *Outbound) Reset() {
	o.Next = 0
	o.Granted = o.Unscheduled
}
