package transport

import "sync"

// grantableSet is the global SRPT-ordered set of inbound RPCs the grant
// scheduler (spec.md §4.7) may still advance: every RPC R in it satisfies
// R.In.Scheduled && R.In.BytesRemaining > 0 && R.In.Incoming < R.In.Length.
//
// Membership changes take mu; ranking by BytesRemaining is computed lazily
// in snapshot rather than maintained incrementally, since BytesRemaining
// changes on every received segment and re-deriving the order at
// scheduling time is both simpler and matches spec.md §4.7's "the
// scheduler considers the first max_overcommit entries" framing (the real
// work is bounded by max_overcommit, not by the set's total size).
type grantableSet struct {
	mu    sync.Mutex
	items []*Rpc
	seq   uint64
}

func newGrantableSet() *grantableSet {
	return &grantableSet{}
}

// insert adds rpc to the set. Caller must hold rpc's bucket lock, per
// spec.md §5 ("insertion/removal additionally requires the RPC's bucket
// lock to be held").
func (g *grantableSet) insert(rpc *Rpc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rpc.inGrantable {
		return
	}
	g.seq++
	rpc.grantSeq = g.seq
	g.items = append(g.items, rpc)
	rpc.inGrantable = true
}

// remove unlinks rpc from the set, if present. Caller must hold rpc's
// bucket lock.
func (g *grantableSet) remove(rpc *Rpc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !rpc.inGrantable {
		return
	}
	for i, r := range g.items {
		if r == rpc {
			g.items = append(g.items[:i], g.items[i+1:]...)
			break
		}
	}
	rpc.inGrantable = false
}

func (g *grantableSet) len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.items)
}

// snapshot returns the set's current members sorted ascending by
// BytesRemaining, ties broken by insertion order (spec.md §4.7: "Ties on
// bytes_remaining break by insertion order (stable)"). The grantable
// list's own lock is released before any bucket lock is taken, preserving
// the lock order in spec.md §5 (grantable lock nests inside bucket lock,
// never the reverse).
func (g *grantableSet) snapshot() []*Rpc {
	g.mu.Lock()
	items := make([]*Rpc, len(g.items))
	copy(items, g.items)
	g.mu.Unlock()

	type keyed struct {
		rpc       *Rpc
		remaining uint32
		seq       uint64
	}
	ranked := make([]keyed, 0, len(items))
	for _, r := range items {
		r.Lock()
		if r.In != nil {
			ranked = append(ranked, keyed{r, r.In.BytesRemaining, r.grantSeq})
		}
		r.Unlock()
	}

	// simple insertion sort: grantable sets are bounded by MaxOvercommit
	// in practice and this keeps the comparator obviously stable.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			a, b := ranked[j-1], ranked[j]
			swap := a.remaining > b.remaining || (a.remaining == b.remaining && a.seq > b.seq)
			if !swap {
				break
			}
			ranked[j-1], ranked[j] = ranked[j], ranked[j-1]
		}
	}

	out := make([]*Rpc, len(ranked))
	for i, k := range ranked {
		out[i] = k.rpc
	}
	return out
}

// priorityForRank assigns the scheduled priority for the rank-th entry in
// the grantable set: rank 0 gets the highest scheduled priority, per
// spec.md §4.7, capped at MaxSchedPrio so scheduled traffic never bleeds
// into the unscheduled priority band.
func (ctx *Context) priorityForRank(rank int) uint8 {
	if rank > ctx.cfg.MaxSchedPrio {
		rank = ctx.cfg.MaxSchedPrio
	}
	return uint8(rank)
}

// manageGrants runs the grant policy (spec.md §4.7) over the first
// MaxOvercommit entries of the grantable set: for each, if the
// in-flight-plus-granted gap is below RTTBytes, emit a GRANT advancing
// Incoming by GrantIncrement (capped at Length); once Incoming reaches
// Length, the RPC leaves the set. Called on every message progress event.
func (ctx *Context) manageGrants() {
	ranked := ctx.grantable.snapshot()
	n := ctx.cfg.MaxOvercommit
	if n > len(ranked) {
		n = len(ranked)
	}
	for rank := 0; rank < n; rank++ {
		rpc := ranked[rank]
		rpc.Lock()
		if rpc.dead || rpc.In == nil {
			rpc.Unlock()
			continue
		}
		in := rpc.In
		received := in.Length - in.BytesRemaining
		inFlight := int64(in.Incoming) - int64(received)
		if inFlight < int64(ctx.cfg.RTTBytes) && in.Incoming < in.Length {
			newIncoming := in.Incoming + ctx.cfg.GrantIncrement
			if newIncoming > in.Length {
				newIncoming = in.Length
			}
			if newIncoming > in.Incoming {
				in.updateIncoming(newIncoming)
				priority := ctx.priorityForRank(rank)
				grantLog.Debug("rpc %d: grant to %d bytes at priority %d (rank %d)", rpc.ID, in.Incoming, priority, rank)
				ctx.sendGrant(rpc, in.Incoming, priority)
			}
		}
		if in.Incoming >= in.Length {
			ctx.grantable.remove(rpc)
			rpc.Unlock()
			grantLog.Debug("rpc %d: fully granted, leaving grantable set", rpc.ID)
			continue
		}
		rpc.Unlock()
	}
}
