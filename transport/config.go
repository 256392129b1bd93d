package transport

import "time"

// Constants carried over from original_source/homa_impl.h.
const (
	// MaxMessage is the largest permissible message size, in bytes.
	MaxMessage = 1000000
	// NumPriorities is the number of priority levels the wire format and
	// scheduler support (0 is highest).
	NumPriorities = 8
	// SocketBucketCount is the number of buckets in each socket's
	// client/server RPC hash table. Must be a power of two.
	SocketBucketCount = 1024
)

// Ticks is an opaque, monotonically increasing cycle count as produced by a
// Substrate's NowTicks. The transport never interprets it as wall-clock
// time; only differences between two Ticks values are meaningful.
type Ticks = uint64

// Config holds every tunable in spec.md §6. It is passed explicitly into
// NewContext rather than held as a package-level singleton, per the
// "explicit context value, not a hidden singleton" guidance in the design
// notes: every example binary (cmd/homaecho, cmd/homaclient) builds one
// with DefaultConfig and owns it for the life of the process; their flags
// set addresses, ports and log level, not Config fields.
type Config struct {
	// RTTBytes is the number of bytes a sender may transmit in one RTT
	// without waiting for a grant. Internally rounded up to a multiple
	// of maxPacketData() (MaxGSOSize minus header overhead).
	RTTBytes uint32
	// LinkMbps is the modeled uplink bandwidth, used by the pacer's
	// link-idle model.
	LinkMbps uint32
	// NumPriorities is the number of priority levels in use, 1..8.
	NumPriorities int
	// MaxSchedPrio is the highest priority index reserved for scheduled
	// (granted) traffic; priorities above it are unscheduled-only.
	MaxSchedPrio int
	// UnschedCutoffs partitions unscheduled bytes by message length; at
	// least one entry must be >= MaxMessage.
	UnschedCutoffs [NumPriorities]uint32
	// GrantIncrement is how far a single GRANT advances incoming.
	GrantIncrement uint32
	// MaxOvercommit bounds how many RPCs the grant scheduler considers
	// per scheduling pass.
	MaxOvercommit int
	// ResendTicks is how many consecutive silent timer ticks an RPC
	// tolerates before a RESEND is considered.
	ResendTicks int
	// ResendInterval is the minimum gap, in Ticks, between RESENDs sent
	// to the same peer.
	ResendInterval Ticks
	// AbortResends is how many RESENDs an RPC tolerates before it is
	// aborted with TIMEOUT.
	AbortResends int
	// ThrottleMinBytes is the minimum remaining-to-send size that makes
	// the pacer consult the NIC-queue cap at all; smaller sends always
	// go out immediately.
	ThrottleMinBytes uint32
	// MaxNICQueueCycles bounds how far in the future link_idle may sit
	// before new (non-forced) packets are throttled.
	MaxNICQueueCycles uint64
	// CyclesPerKByte converts a packet's wire size into a link-idle
	// cost; derived from LinkMbps by DefaultConfig but overridable for
	// tests.
	CyclesPerKByte uint64
	// MaxGSOSize is the largest single NIC offload unit, in bytes.
	MaxGSOSize uint32
	// MaxGROSegs bounds how many wire packets a single inbound
	// aggregate may merge (mirrors max_gro_skbs).
	MaxGROSegs int
	// TickPeriod is how often the resend timer runs.
	TickPeriod time.Duration
	// ReapLimit bounds how many dead RPCs a single reap pass frees.
	ReapLimit int
	// PacerMaxIterations bounds packets transmitted per pacer wake.
	PacerMaxIterations int
	// InstanceID tags every log line from a Context for correlation across
	// goroutines and, in a test harness, across simulated hosts sharing one
	// process. Left empty, NewContext generates one.
	InstanceID string
}

// DefaultConfig returns the tunables used throughout spec.md §8's
// end-to-end scenarios: rtt_bytes=10000, grant_increment=10000,
// mtu=1500 (max_pkt_data = 1500-20-40 = 1440).
func DefaultConfig() Config {
	c := Config{
		RTTBytes:           10000,
		LinkMbps:           10000,
		NumPriorities:      NumPriorities,
		MaxSchedPrio:       NumPriorities - 2,
		GrantIncrement:     10000,
		MaxOvercommit:      8,
		ResendTicks:        5,
		ResendInterval:     100,
		AbortResends:       5,
		ThrottleMinBytes:   1000,
		MaxNICQueueCycles:  200000,
		CyclesPerKByte:     8000,
		MaxGSOSize:         1500,
		MaxGROSegs:         64,
		TickPeriod:         time.Millisecond,
		ReapLimit:          10,
		PacerMaxIterations: 64,
	}
	c.UnschedCutoffs[NumPriorities-1] = MaxMessage
	return c
}

// maxPacketData is the number of message bytes that fit in one MaxGSOSize
// unit after Ethernet+VLAN+IPv4 overhead, following homa_outgoing.c's
// accounting (MTU 1500, IPv4 20, "TCP-sized" control overhead 40).
func (c Config) maxPacketData() uint32 {
	const overhead = 60
	if c.MaxGSOSize <= overhead {
		return c.MaxGSOSize
	}
	return c.MaxGSOSize - overhead
}

// roundedUnscheduled returns min(L, RTTBytes) rounded up to a whole number
// of offload units, clamped to L, per spec.md §4.5.
func (c Config) roundedUnscheduled(length uint32) uint32 {
	u := c.RTTBytes
	if length < u {
		u = length
	}
	unit := c.maxPacketData()
	if unit == 0 {
		return u
	}
	rounded := ((u + unit - 1) / unit) * unit
	if rounded > length {
		rounded = length
	}
	return rounded
}
