package substrate

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qizhe/homarpc/transport"
)

// Sim is an in-process Substrate for tests: a shared virtual network that
// several transport.Context instances register onto, each as a Node bound
// to one simulated address. It can drop and delay packets so the test
// suite can exercise the resend/timeout paths without a real network.
type Sim struct {
	mu    sync.Mutex
	nodes map[string]*Node
	rng   *rand.Rand
	clock uint64 // atomic

	// LossProb is the independent per-packet drop probability, 0..1.
	LossProb float64
	// MinDelay/MaxDelay bound a uniform random delivery delay, in
	// microseconds of wall-clock time (not simulated Ticks).
	MinDelay uint64
	MaxDelay uint64
}

// NewSim builds a deterministic simulated network; seed controls the
// packet-loss/delay RNG so test failures reproduce.
func NewSim(seed int64) *Sim {
	return &Sim{
		nodes:    make(map[string]*Node),
		rng:      rand.New(rand.NewSource(seed)),
		MinDelay: 1,
		MaxDelay: 1,
	}
}

// Advance moves the simulated clock forward by n ticks; tests drive time
// explicitly rather than racing a wall-clock ticker.
func (s *Sim) Advance(n uint64) {
	atomic.AddUint64(&s.clock, n)
}

func (s *Sim) now() transport.Ticks {
	return atomic.LoadUint64(&s.clock)
}

// simRoute names a destination node by address; Sim never models
// topology, so every route is just "look this address up in nodes".
type simRoute struct {
	dest string
}

// Node is one simulated host's Substrate, bound to a single address.
type Node struct {
	sim  *Sim
	addr net.IP
	ctx  *transport.Context
}

// NewNode registers a new simulated host at addr.
func (s *Sim) NewNode(addr net.IP) *Node {
	n := &Node{sim: s, addr: addr}
	s.mu.Lock()
	s.nodes[addr.String()] = n
	s.mu.Unlock()
	return n
}

// Bind attaches the Context this Node feeds packets into.
func (n *Node) Bind(ctx *transport.Context) {
	n.ctx = ctx
}

func (n *Node) NowTicks() transport.Ticks {
	return n.sim.now()
}

// Resolve implements transport.RouteResolver.
func (n *Node) Resolve(addr net.IP) (transport.Route, error) {
	return &simRoute{dest: addr.String()}, nil
}

// SendDatagram queues buf for delivery to the destination node, subject to
// the Sim's configured loss probability and delay range. Delivery happens
// on its own goroutine so the caller (holding an RPC's lock) never blocks
// on a peer's processing.
func (n *Node) SendDatagram(route transport.Route, buf []byte, priority uint8) error {
	r, ok := route.(*simRoute)
	if !ok {
		return fmt.Errorf("substrate: route %v is not a Sim route", route)
	}

	n.sim.mu.Lock()
	dest, ok := n.sim.nodes[r.dest]
	drop := ok && n.sim.rng.Float64() < n.sim.LossProb
	delaySpan := n.sim.MaxDelay - n.sim.MinDelay
	delay := n.sim.MinDelay
	if delaySpan > 0 {
		delay += uint64(n.sim.rng.Int63n(int64(delaySpan) + 1))
	}
	n.sim.mu.Unlock()

	if !ok || drop {
		return nil
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)
	src := n.addr
	go func() {
		if delay > 0 {
			time.Sleep(time.Duration(delay) * time.Microsecond)
		}
		if dest.ctx != nil {
			dest.ctx.Deliver(cp, src)
		}
	}()
	return nil
}
