package transport

import "fmt"

// Role distinguishes the two sides of an RPC.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is a point on the lifecycle paths described in spec.md §4.10.
type State int

const (
	StateCreated State = iota
	StateOutgoing
	StateIncoming
	StateReady
	StateInService
	StateDead
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateOutgoing:
		return "OUTGOING"
	case StateIncoming:
		return "INCOMING"
	case StateReady:
		return "READY"
	case StateInService:
		return "IN_SERVICE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Rpc is the central entity of the transport: one request/response pair.
// Every mutable field is protected by the bucket lock bucket.mu (see
// rpc_registry.go) -- per spec.md §4.4, the bucket lock IS the per-RPC
// lock, so holding it excludes both lookup-then-use and unlink.
type Rpc struct {
	ID       uint64
	Role     Role
	Peer     *Peer
	DestPort Port // the remote port this RPC talks to
	LocalPort Port // the local socket port (client or server) this RPC is bound to

	State State
	Out   *Outbound
	In    *Inbound
	Err   *Error

	SilentTicks int
	NumResends  int
	seenThisTick bool

	socket *Socket
	bucket *rpcBucket

	grantSeq    uint64 // stable tie-break for the grantable set
	throttleSeq uint64 // stable tie-break for the throttled set
	inGrantable bool
	inThrottled bool
	dontReap    bool // a receiver is mid-copy; reap must skip this RPC
	dead        bool
}

func (r *Rpc) String() string {
	return fmt.Sprintf("rpc(id=%d role=%v state=%v)", r.ID, r.Role, r.State)
}

// Lock/Unlock delegate to the owning bucket, so callers can write the usual
// defer r.Unlock() pattern without reaching into bucket directly.
func (r *Rpc) Lock()   { r.bucket.mu.Lock() }
func (r *Rpc) Unlock() { r.bucket.mu.Unlock() }

// transition moves the RPC to a new state, logging the edge. Callers must
// hold the RPC's lock.
func (r *Rpc) transition(to State) {
	rpcLog.Debug("rpc %d: %v -> %v", r.ID, r.State, to)
	r.State = to
}

// IsDead reports whether the RPC has reached its terminal state. Callers
// must hold the RPC's lock.
func (r *Rpc) IsDead() bool {
	return r.State == StateDead
}
