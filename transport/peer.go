package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/qizhe/homarpc/mlog"
)

var peerLog = mlog.Component("peer")

// Route is an opaque, substrate-owned handle describing how to reach a
// peer (e.g. a resolved next-hop + interface). The transport never
// inspects it; it only hands it back to Substrate.SendDatagram.
type Route interface{}

// Peer holds per-destination state: spec.md §3 calls peers out as never
// evicted, so pointers into the table stay valid for the lifetime of the
// Context -- RPCs hold a bare *Peer without any reference counting.
type Peer struct {
	Addr  net.IP
	Route Route

	mu                      sync.Mutex
	unscheduledCutoffs      [NumPriorities]uint32
	cutoffVersion           uint16
	advertisedCutoffVersion uint16
	lastResendTick          Ticks
}

// UnscheduledCutoffs returns the current cutoff vector and its version.
func (p *Peer) UnscheduledCutoffs() ([NumPriorities]uint32, uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unscheduledCutoffs, p.cutoffVersion
}

// SetUnscheduledCutoffs installs a new cutoff vector received in a CUTOFFS
// packet, if its version is newer.
func (p *Peer) SetUnscheduledCutoffs(cutoffs [NumPriorities]uint32, version uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if version <= p.cutoffVersion && p.cutoffVersion != 0 {
		return
	}
	p.unscheduledCutoffs = cutoffs
	p.cutoffVersion = version
}

// unscheduledPriority returns the unscheduled-traffic priority for a
// message of the given total length, per spec.md §4.5: "consult the
// peer's unscheduled cutoff table indexed by L".
func (p *Peer) unscheduledPriority(length uint32) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cutoff := range p.unscheduledCutoffs {
		if length <= cutoff {
			return uint8(i)
		}
	}
	return uint8(len(p.unscheduledCutoffs) - 1)
}

func (p *Peer) shouldResend(now Ticks, interval Ticks) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastResendTick == 0 {
		// no resend recorded yet
		return true
	}
	return now-p.lastResendTick >= interval
}

func (p *Peer) markResend(now Ticks) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastResendTick = now
}

// RouteResolver resolves a raw IPv4 address to a substrate route handle.
// Returning an error distinct from allocation failure lets find tell
// route-resolution failure apart from being out of memory, per spec.md §4.2.
type RouteResolver func(net.IP) (Route, error)

// peerTable is a hash table keyed by IPv4 address. Lookup takes only a read
// lock (cheap, and never blocks a concurrent insert of a different key);
// insertion takes the single writer lock for the whole table. Once
// inserted, an entry is never removed until the table itself is discarded.
type peerTable struct {
	mu      sync.RWMutex
	peers   map[string]*Peer
	resolve RouteResolver
}

func newPeerTable(resolve RouteResolver) *peerTable {
	return &peerTable{
		peers:   make(map[string]*Peer),
		resolve: resolve,
	}
}

// find returns the existing Peer for addr, or allocates and resolves one.
func (t *peerTable) find(addr net.IP) (*Peer, error) {
	key := addr.String()

	t.mu.RLock()
	p, ok := t.peers[key]
	t.mu.RUnlock()
	if ok {
		return p, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// re-check: someone may have inserted while we waited for the write lock
	if p, ok := t.peers[key]; ok {
		return p, nil
	}

	route, err := t.resolve(addr)
	if err != nil {
		peerLog.Error("resolve route for %v: %v", addr, err)
		return nil, fmt.Errorf("resolve route for %v: %w", addr, err)
	}

	p = &Peer{Addr: addr, Route: route}
	t.peers[key] = p
	peerLog.Debug("new peer %v", addr)
	return p, nil
}

func (t *peerTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
