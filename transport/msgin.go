package transport

import "fmt"

// segmentRange is a received, disjoint [offset, end) byte run.
type segmentRange struct {
	offset, end uint32
}

// Inbound is the receiver-side state of one message: spec.md §3's
// "Inbound message". received is kept sorted and pairwise disjoint at all
// times; BytesRemaining plus the sum of received lengths always equals
// Length (the round-trip invariant checked in msgin_test.go).
type Inbound struct {
	Length         uint32
	BytesRemaining uint32
	Incoming       uint32 // see updateIncoming
	Scheduled      bool   // true if this message needs further grants

	received []segmentRange
	data     []byte
}

func newInbound(length uint32, senderUnscheduled uint32) *Inbound {
	in := &Inbound{
		Length:         length,
		BytesRemaining: length,
		data:           make([]byte, length),
	}
	if senderUnscheduled > length {
		senderUnscheduled = length
	}
	in.Incoming = senderUnscheduled
	in.Scheduled = senderUnscheduled < length
	return in
}

// updateIncoming enforces the Open Question resolution from spec.md §9:
// Incoming is always max(received_offset+length observed, last_grant_offset,
// sender_unscheduled) -- never decreasing, never above Length.
func (in *Inbound) updateIncoming(candidate uint32) {
	if candidate > in.Length {
		candidate = in.Length
	}
	if candidate > in.Incoming {
		in.Incoming = candidate
	}
}

// AddPacket inserts a newly received segment. declaredIncoming is the
// sender's DATA.incoming field for this packet. Returns an error if the
// segment falls outside [0, Length) -- a malformed-packet condition the
// caller should count and drop.
func (in *Inbound) AddPacket(offset uint32, payload []byte, declaredIncoming uint32) error {
	length := uint32(len(payload))
	end := offset + length
	if end < offset || end > in.Length {
		return fmt.Errorf("msgin: segment [%d,%d) out of bounds for length %d", offset, end, in.Length)
	}

	added := in.insert(offset, end)
	copy(in.data[offset:end], payload)
	if added > in.BytesRemaining {
		// defensive: should be unreachable given insert()'s accounting
		added = in.BytesRemaining
	}
	in.BytesRemaining -= added

	in.updateIncoming(end)
	in.updateIncoming(declaredIncoming)
	return nil
}

// insert merges [offset, end) into the disjoint received-range list and
// returns how many genuinely new bytes it contributed (spec.md §8: "a
// duplicate DATA segment is a no-op on bytes_remaining").
func (in *Inbound) insert(offset, end uint32) uint32 {
	added := end - offset
	curStart, curEnd := offset, end

	var merged []segmentRange
	i, n := 0, len(in.received)
	for i < n && in.received[i].end < curStart {
		merged = append(merged, in.received[i])
		i++
	}
	for i < n && in.received[i].offset <= curEnd {
		r := in.received[i]
		os, oe := maxu32(curStart, r.offset), minu32(curEnd, r.end)
		if oe > os {
			added -= oe - os
		}
		if r.offset < curStart {
			curStart = r.offset
		}
		if r.end > curEnd {
			curEnd = r.end
		}
		i++
	}
	merged = append(merged, segmentRange{curStart, curEnd})
	for i < n {
		merged = append(merged, in.received[i])
		i++
	}
	in.received = merged
	return added
}

// Complete reports whether every byte of the message has arrived.
func (in *Inbound) Complete() bool {
	return in.BytesRemaining == 0
}

// Data returns the reassembled message. Only meaningful once Complete.
func (in *Inbound) Data() []byte {
	return in.data
}

// highWater returns the end of the leading contiguous received run
// starting at 0 (received_high_water in spec.md §4.6).
func (in *Inbound) highWater() uint32 {
	expected := uint32(0)
	for _, r := range in.received {
		if r.offset > expected {
			break
		}
		if r.end > expected {
			expected = r.end
		}
	}
	return expected
}

// ResendRange computes the first gap needing a RESEND, per spec.md §4.6:
// the lowest offset not yet received and the end of that gap (the start of
// the next received segment, or Incoming); if nothing is missing below
// Incoming it instead asks for [high-water, Incoming) as a keepalive.
func (in *Inbound) ResendRange() (offset, length uint32, needed bool) {
	expected := uint32(0)
	for _, r := range in.received {
		if r.offset > expected {
			end := r.offset
			if end > in.Incoming {
				end = in.Incoming
			}
			if end > expected {
				return expected, end - expected, true
			}
		}
		if r.end > expected {
			expected = r.end
		}
		if expected >= in.Incoming {
			break
		}
	}
	if expected < in.Incoming {
		return expected, in.Incoming - expected, true
	}
	return 0, 0, false
}

func minu32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
