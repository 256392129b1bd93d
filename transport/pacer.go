package transport

import (
	"sync"
	"sync/atomic"
)

// throttledSet is the global SRPT-ordered set of outbound messages waiting
// for pacer attention (spec.md §4.8): every RPC in it has Out != nil with
// unsent bytes remaining. Ranking mirrors grantableSet's lazy-snapshot
// approach in grant.go, ordered by Out.RemainingBytes ascending.
type throttledSet struct {
	mu    sync.Mutex
	items []*Rpc
	seq   uint64
}

func newThrottledSet() *throttledSet {
	return &throttledSet{}
}

func (t *throttledSet) insert(rpc *Rpc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rpc.inThrottled {
		return
	}
	t.seq++
	rpc.throttleSeq = t.seq
	t.items = append(t.items, rpc)
	rpc.inThrottled = true
}

func (t *throttledSet) remove(rpc *Rpc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !rpc.inThrottled {
		return
	}
	for i, r := range t.items {
		if r == rpc {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	rpc.inThrottled = false
}

func (t *throttledSet) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

func (t *throttledSet) snapshot() []*Rpc {
	t.mu.Lock()
	items := make([]*Rpc, len(t.items))
	copy(items, t.items)
	t.mu.Unlock()

	type keyed struct {
		rpc       *Rpc
		remaining uint32
		seq       uint64
	}
	ranked := make([]keyed, 0, len(items))
	for _, r := range items {
		r.Lock()
		if r.Out != nil {
			ranked = append(ranked, keyed{r, r.Out.RemainingBytes(), r.throttleSeq})
		}
		r.Unlock()
	}

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

// nicCostCycles converts a packet's wire size to the NIC-queue cycle cost
// used by the pacer's link_idle model: spec.md §4.8, cost = bytes *
// cycles_per_kbyte / 1000.
func (ctx *Context) nicCostCycles(bytes uint32) uint64 {
	return uint64(bytes) * ctx.cfg.CyclesPerKByte / 1000
}

// accountNIC advances the simulated link_idle clock past now by the cost
// of a just-queued packet, CAS-retrying against concurrent pacer/sender
// updates (spec.md §4.8's "link_idle CAS-based model").
func (ctx *Context) accountNIC(length uint32) {
	now := ctx.substrate.NowTicks()
	cost := ctx.nicCostCycles(length)
	for {
		idle := atomic.LoadUint64(&ctx.linkIdleCycles)
		base := idle
		if uint64(now) > base {
			base = uint64(now)
		}
		newIdle := base + cost
		if atomic.CompareAndSwapUint64(&ctx.linkIdleCycles, idle, newIdle) {
			return
		}
	}
}

// linkBackedUp reports whether the simulated NIC queue already holds more
// than MaxNICQueueCycles worth of work, per spec.md §4.8.
func (ctx *Context) linkBackedUp() bool {
	now := ctx.substrate.NowTicks()
	idle := atomic.LoadUint64(&ctx.linkIdleCycles)
	return now+uint64(ctx.cfg.MaxNICQueueCycles) < idle
}

// sendOnePacket transmits the next unsent packet of rpc.Out and accounts
// its cost against the link_idle clock. Caller holds rpc.Lock().
func (ctx *Context) sendOnePacket(rpc *Rpc) bool {
	maxData := ctx.cfg.maxPacketData()
	offset, length, ok := rpc.Out.NextPacket(maxData)
	if !ok {
		return false
	}
	seg := rpc.Out.Segment(offset, length)
	rpc.Out.Advance(length)
	done := rpc.Out.Done()
	ctx.transmitData(rpc, seg, done)
	ctx.accountNIC(length)
	return true
}

// scheduleOutbound is the entry point called whenever an outbound message
// gains sendable bytes (new RPC, a GRANT raising Granted). Short messages
// below ThrottleMinBytes go straight out; everything else waits its turn
// in the throttled set, per spec.md §4.8.
func (ctx *Context) scheduleOutbound(rpc *Rpc) {
	if rpc.Out == nil || rpc.Out.Done() {
		return
	}
	if rpc.Out.RemainingBytes() < ctx.cfg.ThrottleMinBytes {
		ctx.sendOnePacket(rpc)
		if !rpc.Out.Done() && !rpc.inThrottled {
			ctx.stats.nicOverQueuedCount.Inc()
			ctx.throttled.insert(rpc)
			ctx.wakePacer()
		}
		return
	}
	if !rpc.inThrottled {
		ctx.stats.nicOverQueuedCount.Inc()
		ctx.throttled.insert(rpc)
	}
	ctx.wakePacer()
}

// wakePacer starts a drain pass if one isn't already running, enforcing
// spec.md §4.8's single-pacer-at-a-time invariant via atomic CAS.
func (ctx *Context) wakePacer() {
	if !atomic.CompareAndSwapInt32(&ctx.pacerBusy, 0, 1) {
		return
	}
	go ctx.runPacer()
}

// runPacer drains the throttled set in SRPT order, stopping early once the
// simulated NIC queue is backed up past MaxNICQueueCycles or after
// PacerMaxIterations packets, whichever comes first -- the bound exists so
// one pacer wake can't monopolize a goroutine indefinitely under a
// reordering substrate that never reports backpressure.
func (ctx *Context) runPacer() {
	defer atomic.StoreInt32(&ctx.pacerBusy, 0)

	for iter := 0; iter < ctx.cfg.PacerMaxIterations; iter++ {
		if ctx.linkBackedUp() {
			return
		}
		ranked := ctx.throttled.snapshot()
		if len(ranked) == 0 {
			return
		}
		rpc := ranked[0]

		rpc.Lock()
		if rpc.dead || rpc.Out == nil || rpc.Out.Done() {
			rpc.Unlock()
			ctx.throttled.remove(rpc)
			continue
		}
		sent := ctx.sendOnePacket(rpc)
		done := rpc.Out.Done()
		rpc.Unlock()

		if !sent || done {
			ctx.throttled.remove(rpc)
		}
		if !sent {
			return
		}
	}
	pacerLog.Debug("pacer hit iteration bound, %d rpcs still throttled", ctx.throttled.len())
}
