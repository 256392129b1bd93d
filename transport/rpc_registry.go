package transport

import "sync"

// rpcBucket is one slot of an rpcRegistry's hash table. Its lock doubles as
// the per-RPC lock for every RPC currently in the bucket (spec.md §4.4):
// holding mu excludes both "look the RPC up and use it" and "unlink the
// RPC", which is what makes deletion O(1) and safe without a separate
// per-RPC lock.
type rpcBucket struct {
	mu   sync.Mutex
	rpcs map[uint64]*Rpc
}

// rpcRegistry is one of a socket's two power-of-two hash tables (client or
// server RPCs by id). The low bits of the id select the bucket: ids are
// sequential per client socket and arrive random-looking at a server, so
// this distributes well without a stronger hash (spec.md §4.4).
type rpcRegistry struct {
	buckets [SocketBucketCount]*rpcBucket
}

func newRPCRegistry() *rpcRegistry {
	reg := &rpcRegistry{}
	for i := range reg.buckets {
		reg.buckets[i] = &rpcBucket{rpcs: make(map[uint64]*Rpc)}
	}
	return reg
}

func bucketIndex(id uint64) uint64 {
	return id & (SocketBucketCount - 1)
}

func (reg *rpcRegistry) bucketFor(id uint64) *rpcBucket {
	return reg.buckets[bucketIndex(id)]
}

// lookupLocked finds the RPC for id and returns it with its bucket lock
// held (nil, unlocked, if absent). Callers must Unlock a non-nil result
// when done.
func (reg *rpcRegistry) lookupLocked(id uint64) *Rpc {
	b := reg.bucketFor(id)
	b.mu.Lock()
	rpc, ok := b.rpcs[id]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	return rpc
}

// insert adds rpc to the bucket for rpc.ID, taking the bucket lock itself.
func (reg *rpcRegistry) insert(rpc *Rpc) {
	b := reg.bucketFor(rpc.ID)
	b.mu.Lock()
	rpc.bucket = b
	b.rpcs[rpc.ID] = rpc
	b.mu.Unlock()
}

// remove unlinks rpc from its bucket. The caller must already hold the
// RPC's lock (i.e. rpc.bucket.mu, via rpc.Lock()).
func (reg *rpcRegistry) remove(rpc *Rpc) {
	delete(rpc.bucket.rpcs, rpc.ID)
}

// createClientRPC allocates a new client-role RPC, bound to peer, and
// links it into the socket's client bucket and active list. It is the
// "app send" edge of spec.md §4.10's state table: — app send → OUTGOING.
func createClientRPC(s *Socket, peer *Peer, destPort Port, data []byte, cfg Config) *Rpc {
	id := s.allocClientID()
	rpc := &Rpc{
		ID:        id,
		Role:      RoleClient,
		Peer:      peer,
		DestPort:  destPort,
		LocalPort: s.ClientPort,
		State:     StateOutgoing,
		Out:       newOutbound(data, cfg),
		socket:    s,
	}
	s.clientRPCs.insert(rpc)

	s.mu.Lock()
	s.linkActive(rpc)
	s.mu.Unlock()

	rpcLog.Debug("created client rpc %d to port %d, %d bytes", id, destPort, len(data))
	return rpc
}

// createServerRPC allocates a new server-role RPC on first DATA receipt,
// per spec.md §4.10's "Create (server)": state INCOMING, linked into the
// server bucket and active list.
func createServerRPC(s *Socket, peer *Peer, id uint64, srcPort Port, length uint32, senderUnscheduled uint32) *Rpc {
	rpc := &Rpc{
		ID:        id,
		Role:      RoleServer,
		Peer:      peer,
		DestPort:  srcPort,
		LocalPort: s.ServerPort,
		State:     StateIncoming,
		In:        newInbound(length, senderUnscheduled),
		socket:    s,
	}
	s.serverRPCs.insert(rpc)

	s.mu.Lock()
	s.linkActive(rpc)
	s.mu.Unlock()

	rpcLog.Debug("created server rpc %d from port %d, %d bytes", id, srcPort, length)
	return rpc
}

// registryFor returns the registry (client or server) an RPC of the given
// role lives in.
func (s *Socket) registryFor(role Role) *rpcRegistry {
	if role == RoleClient {
		return s.clientRPCs
	}
	return s.serverRPCs
}

// freeRPC marks rpc DEAD, unlinks it from the grantable/throttled sets (if
// membership flags suggest it may be there, avoiding needless global
// locks) and moves it to its socket's dead list, per spec.md §4.10's Free
// operation. Caller must hold rpc's lock.
func (ctx *Context) freeRPC(rpc *Rpc) {
	rpc.transition(StateDead)
	rpc.dead = true

	if rpc.inGrantable {
		ctx.grantable.remove(rpc)
	}
	if rpc.inThrottled {
		ctx.throttled.remove(rpc)
	}

	s := rpc.socket
	s.mu.Lock()
	s.moveToDead(rpc)
	s.mu.Unlock()
}

// reap frees at most cfg.ReapLimit dead RPCs' resources and unlinks them
// from their registry, per spec.md §4.10's Reap operation. It is a no-op
// while s.reapDisable is non-zero (a concurrent scanner is walking the
// socket's lists without holding s.mu) or for entries with dontReap set
// (a receiver is mid-copy).
func (s *Socket) reap(limit int) {
	if s.reapDisable != 0 {
		return
	}

	// Take the dead list and drop s.mu before any bucket lock is taken:
	// freeRPC takes s.mu while holding a bucket lock.
	s.mu.Lock()
	dead := s.dead
	s.dead = nil
	s.mu.Unlock()

	n := limit
	if n > len(dead) {
		n = len(dead)
	}
	var toFree []*Rpc
	var keep []*Rpc
	for _, rpc := range dead {
		if len(toFree) < n {
			rpc.Lock()
			skip := rpc.dontReap
			rpc.Unlock()
			if skip {
				keep = append(keep, rpc)
				continue
			}
			toFree = append(toFree, rpc)
		} else {
			keep = append(keep, rpc)
		}
	}
	s.mu.Lock()
	s.dead = append(keep, s.dead...)
	s.mu.Unlock()

	for _, rpc := range toFree {
		rpc.Lock()
		reg := s.registryFor(rpc.Role)
		reg.remove(rpc)
		rpc.Unlock()
	}
}
