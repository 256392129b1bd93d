package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Port is a transport port number. Server ports are applied for by the
// application; client ports are allocated from a monotone counter starting
// above the server range (spec.md §4.3).
type Port uint16

// wantKind selects which kind of completed RPC an application's Recv call
// is waiting for.
type wantKind int

const (
	WantRequest wantKind = iota
	WantResponse
	WantAny
	WantSpecific
)

// interest is a waiting application thread's record, woken when a matching
// message arrives (spec.md glossary: "Interest").
type interest struct {
	want   wantKind
	id     uint64
	result chan *Rpc
}

func (it *interest) matches(rpc *Rpc) bool {
	switch it.want {
	case WantRequest:
		return rpc.Role == RoleServer
	case WantResponse:
		return rpc.Role == RoleClient
	case WantSpecific:
		return rpc.ID == it.id
	case WantAny:
		return true
	default:
		return false
	}
}

// Socket is the per-port application handle: spec.md §3's "Socket". Owning
// a socket owns its RPCs -- active and dead lists here are the only places
// an *Rpc lives outside its bucket.
type Socket struct {
	mu sync.Mutex // "socket spinlock"

	ClientPort Port
	ServerPort Port
	hasServer  bool

	clientRPCs   *rpcRegistry
	serverRPCs   *rpcRegistry
	nextClientID uint64 // atomic

	active map[*Rpc]struct{}
	dead   []*Rpc

	readyRequests  []*Rpc
	readyResponses []*Rpc
	interests      []*interest

	reapDisable int32 // atomic; non-zero while a scan walks active without mu
	closed      bool

	ctx *Context
}

func newSocket(ctx *Context, clientPort, serverPort Port, hasServer bool) *Socket {
	return &Socket{
		ClientPort:   clientPort,
		ServerPort:   serverPort,
		hasServer:    hasServer,
		clientRPCs:   newRPCRegistry(),
		serverRPCs:   newRPCRegistry(),
		nextClientID: 0,
		active:       make(map[*Rpc]struct{}),
		ctx:          ctx,
	}
}

// allocClientID returns the next sequential client-chosen RPC id for this
// socket's outgoing RPCs. Sequential ids are why the registry's low-bits
// hash (spec.md §4.4) distributes client RPCs well across buckets.
func (s *Socket) allocClientID() uint64 {
	return atomic.AddUint64(&s.nextClientID, 1)
}

// linkActive adds rpc to the socket's active list. Caller must hold s.mu.
func (s *Socket) linkActive(rpc *Rpc) {
	s.active[rpc] = struct{}{}
}

// moveToDead unlinks rpc from active and appends it to the dead list, per
// spec.md §4.10's Free operation. Caller must hold s.mu.
func (s *Socket) moveToDead(rpc *Rpc) {
	delete(s.active, rpc)
	s.dead = append(s.dead, rpc)
}

// deliverReady is called once an RPC reaches READY. It first tries to
// satisfy a waiting interest (FIFO: earliest registered interest that
// matches wins), and only queues the RPC onto the ready lists if nobody is
// currently waiting for it.
func (s *Socket) deliverReady(rpc *Rpc) {
	s.mu.Lock()
	for i, it := range s.interests {
		if it.matches(rpc) {
			s.interests = append(s.interests[:i], s.interests[i+1:]...)
			s.mu.Unlock()
			it.result <- rpc
			return
		}
	}
	if rpc.Role == RoleServer {
		s.readyRequests = append(s.readyRequests, rpc)
	} else {
		s.readyResponses = append(s.readyResponses, rpc)
	}
	s.mu.Unlock()
}

// wakeAborted wakes any interest specifically waiting on rpc's id, passing
// it through even though it never reached READY normally (spec.md §5:
// "Pending receivers are woken with their interest's id set to the
// aborted RPC's id... or left alone").
func (s *Socket) wakeAborted(rpc *Rpc) {
	s.mu.Lock()
	for i, it := range s.interests {
		if it.want == WantSpecific && it.id == rpc.ID {
			s.interests = append(s.interests[:i], s.interests[i+1:]...)
			s.mu.Unlock()
			it.result <- rpc
			return
		}
	}
	s.mu.Unlock()
}

// popReady removes and returns the first ready RPC matching want/id, or
// nil if none is queued yet.
func (s *Socket) popReady(want wantKind, id uint64) *Rpc {
	match := func(rpc *Rpc) bool {
		it := interest{want: want, id: id}
		return it.matches(rpc)
	}
	switch want {
	case WantRequest:
		for i, rpc := range s.readyRequests {
			if match(rpc) {
				s.readyRequests = append(s.readyRequests[:i], s.readyRequests[i+1:]...)
				return rpc
			}
		}
	case WantResponse:
		for i, rpc := range s.readyResponses {
			if match(rpc) {
				s.readyResponses = append(s.readyResponses[:i], s.readyResponses[i+1:]...)
				return rpc
			}
		}
	case WantAny, WantSpecific:
		for i, rpc := range s.readyRequests {
			if match(rpc) {
				s.readyRequests = append(s.readyRequests[:i], s.readyRequests[i+1:]...)
				return rpc
			}
		}
		for i, rpc := range s.readyResponses {
			if match(rpc) {
				s.readyResponses = append(s.readyResponses[:i], s.readyResponses[i+1:]...)
				return rpc
			}
		}
	}
	return nil
}

// socketRegistry is the process-wide port->socket map: spec.md §3/§4.3's
// "Socket registry". Lookups never block a concurrent writer for long: a
// single RWMutex stands in for the source's RCU-protected table, per the
// "replace RCU with a reader-writer lock plus a reap-disable counter"
// guidance in spec.md §9.
type socketRegistry struct {
	mu              sync.RWMutex
	byPort          map[Port]*Socket
	nextClientPort  Port
	serverPortLimit Port
}

func newSocketRegistry(serverPortLimit Port) *socketRegistry {
	return &socketRegistry{
		byPort:          make(map[Port]*Socket),
		nextClientPort:  serverPortLimit + 1,
		serverPortLimit: serverPortLimit,
	}
}

func (r *socketRegistry) lookup(port Port) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byPort[port]
	return s, ok
}

func (r *socketRegistry) bindServer(ctx *Context, port Port) (*Socket, error) {
	if port == 0 || port > r.serverPortLimit {
		return nil, fmt.Errorf("socket: server port %d out of range [1,%d]", port, r.serverPortLimit)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byPort[port]; exists {
		return nil, fmt.Errorf("socket: port %d already in use", port)
	}
	s := newSocket(ctx, port, port, true)
	r.byPort[port] = s
	socketLog.Info("bound server port %d", port)
	return s, nil
}

// allocClient allocates a client-only socket, skipping any port already in
// use, per spec.md §4.3.
func (r *socketRegistry) allocClient(ctx *Context) (*Socket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := r.nextClientPort
	for {
		p := r.nextClientPort
		if _, exists := r.byPort[p]; !exists {
			s := newSocket(ctx, p, 0, false)
			r.byPort[p] = s
			r.nextClientPort = r.advance(p)
			socketLog.Debug("allocated client port %d", p)
			return s, nil
		}
		r.nextClientPort = r.advance(p)
		if r.nextClientPort == start {
			return nil, fmt.Errorf("socket: no free client ports")
		}
	}
}

func (r *socketRegistry) advance(p Port) Port {
	if p == ^Port(0) {
		return r.serverPortLimit + 1
	}
	return p + 1
}

func (r *socketRegistry) remove(port Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPort, port)
}

// scan supports restart-safe iteration for the periodic resend timer: the
// port list is snapshotted under a read lock, then each socket is
// re-checked for existence before fn runs, so a socket removed
// concurrently is visited at most once (and possibly zero times), never
// operated on after removal.
func (r *socketRegistry) scan(fn func(*Socket)) {
	r.mu.RLock()
	ports := make([]Port, 0, len(r.byPort))
	for p := range r.byPort {
		ports = append(ports, p)
	}
	r.mu.RUnlock()

	for _, p := range ports {
		r.mu.RLock()
		s, ok := r.byPort[p]
		r.mu.RUnlock()
		if ok {
			fn(s)
		}
	}
}
