// Package transport implements a receiver-driven, priority-scheduled
// datagram RPC transport modeled on the Homa protocol: strict SRPT
// ordering of outbound bytes, explicit grants bounding how far an
// unacknowledged sender may run ahead, and receiver-initiated resend on
// silence rather than sender-side ACK timers.
package transport

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qizhe/homarpc/wire"
)

// controlPriority is the priority band GRANT/RESEND/RESTART/CUTOFFS travel
// at: control traffic always preempts scheduled and unscheduled DATA.
const controlPriority uint8 = 0

// Route, Port, Peer, Socket etc. are defined in their own files; Context
// ties them together as the single explicit handle every call in this
// package's public API takes, per the "no package-level singleton" design
// note: two Contexts in one process (as in tests, simulating two hosts)
// never share state.
type Substrate interface {
	// SendDatagram hands buf to the network at the given priority. Errors
	// are counted and otherwise swallowed -- spec.md §7 classifies a
	// transmit failure as routine, recovered by the resend timer, not
	// something callers of the public API ever see directly.
	SendDatagram(route Route, buf []byte, priority uint8) error
	// NowTicks returns a monotonically increasing cycle count. The pacer
	// and resend timer never interpret it as wall-clock time, only diffs
	// between two readings.
	NowTicks() Ticks
}

// Context is the top-level transport handle: one per bound network
// identity. It owns the socket and peer tables, the grant and pacer
// scheduling sets, and the background tick goroutine that drives resends
// and reaping (grants are issued from handleData as DATA arrives) -- the
// coroutine-style re-architecture of
// schedule_task/wake permitted by spec.md §9.
type Context struct {
	cfg       Config
	substrate Substrate

	sockets   *socketRegistry
	peers     *peerTable
	grantable *grantableSet
	throttled *throttledSet
	stats     *stats

	linkIdleCycles uint64 // atomic
	pacerBusy      int32  // atomic, 0 or 1

	cutoffVersion uint16 // bumped whenever we advertise new UnschedCutoffs

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewContext builds a Context bound to sub, resolving routes with
// resolver. serverPortLimit is the highest port an application may bind a
// server to; client ports are allocated above it.
func NewContext(cfg Config, sub Substrate, resolver RouteResolver, serverPortLimit Port) *Context {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	ctx := &Context{
		cfg:       cfg,
		substrate: sub,
		sockets:   newSocketRegistry(serverPortLimit),
		peers:     newPeerTable(resolver),
		grantable: newGrantableSet(),
		throttled: newThrottledSet(),
		stats:     newStats(),
		stopCh:    make(chan struct{}),
	}
	ctx.wg.Add(1)
	go ctx.tickLoop()
	ctxLog.Info("context %s started, server port limit %d", cfg.InstanceID, serverPortLimit)
	return ctx
}

// InstanceID returns the trace tag this Context's log lines are stamped
// with (spec.md §9's log-correlation note).
func (ctx *Context) InstanceID() string {
	return ctx.cfg.InstanceID
}

// tickLoop is the one long-lived background goroutine this package runs
// (pacer drains run on short-lived goroutines started by wakePacer): it
// replaces the source's per-CPU timer interrupt with a single ticker, since
// nothing here needs per-CPU affinity.
func (ctx *Context) tickLoop() {
	defer ctx.wg.Done()
	ticker := time.NewTicker(ctx.cfg.TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.stopCh:
			return
		case <-ticker.C:
			ctx.onTimerTick()
			ctx.sockets.scan(func(s *Socket) {
				s.reap(ctx.cfg.ReapLimit)
			})
			ctx.stats.throttledDepth.Set(float64(ctx.throttled.len()))
			ctx.stats.grantableDepth.Set(float64(ctx.grantable.len()))
		}
	}
}

// Close stops the background tick goroutine. Sockets and their RPCs are
// not implicitly released; callers should already have cleaned those up.
func (ctx *Context) Close() {
	close(ctx.stopCh)
	ctx.wg.Wait()
}

// BindServer applies for a server port, per spec.md §4.3.
func (ctx *Context) BindServer(port Port) (*Socket, error) {
	return ctx.sockets.bindServer(ctx, port)
}

// NewClientSocket allocates a client-only port.
func (ctx *Context) NewClientSocket() (*Socket, error) {
	return ctx.sockets.allocClient(ctx)
}

// CloseSocket removes s from the registry. Any RPCs still active on it are
// left to the caller; a socket normally isn't closed until its pending
// work has drained.
func (ctx *Context) CloseSocket(s *Socket) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	ctx.sockets.remove(s.ClientPort)
}

// Send creates a new client RPC carrying data to addr:destPort and starts
// transmitting it, per spec.md §4.10's "app send" edge. Returns the RPC id
// the application will later Recv a response for.
func (ctx *Context) Send(s *Socket, addr net.IP, destPort Port, data []byte) (uint64, error) {
	if len(data) == 0 || uint32(len(data)) > MaxMessage {
		return 0, newError(KindInvalidArgument, "send: message length %d out of range", len(data))
	}
	peer, err := ctx.peers.find(addr)
	if err != nil {
		ctx.stats.routeFailures.Inc()
		return 0, newError(KindRouteFailure, "%v", err)
	}

	rpc := createClientRPC(s, peer, destPort, data, ctx.cfg)
	rpc.Lock()
	ctx.scheduleOutbound(rpc)
	rpc.Unlock()
	return rpc.ID, nil
}

// Reply sends data back for the server RPC id, per spec.md §4.10's "app
// reply" edge.
func (ctx *Context) Reply(s *Socket, id uint64, data []byte) error {
	rpc := s.serverRPCs.lookupLocked(id)
	if rpc == nil {
		ctx.stats.unknownRPC.Inc()
		return newError(KindUnknownRPC, "reply: no server rpc %d", id)
	}
	if rpc.State != StateInService && rpc.State != StateReady {
		rpc.Unlock()
		return newError(KindInvalidArgument, "reply: rpc %d not awaiting a response", id)
	}
	rpc.Out = newOutbound(data, ctx.cfg)
	rpc.transition(StateOutgoing)
	ctx.scheduleOutbound(rpc)
	rpc.Unlock()
	return nil
}

// Release frees rpc's resources once the application is done with it
// (spec.md §4.10's Free operation, app-initiated rather than
// completion-initiated).
func (ctx *Context) Release(rpc *Rpc) {
	rpc.Lock()
	if !rpc.dead {
		ctx.freeRPC(rpc)
	}
	rpc.Unlock()
}

// Abort fails an in-flight RPC with KindTimeout and wakes anyone waiting
// on it, per spec.md §4.10's app-initiated abort path.
func (ctx *Context) Abort(s *Socket, id uint64) error {
	rpc := s.clientRPCs.lookupLocked(id)
	if rpc == nil {
		rpc = s.serverRPCs.lookupLocked(id)
	}
	if rpc == nil {
		return newError(KindUnknownRPC, "abort: no rpc %d", id)
	}
	ctx.abortRPCLocked(rpc, newError(KindTimeout, "rpc %d aborted by application", id))
	rpc.Unlock()
	return nil
}

// Recv blocks until a message matching want/id is ready, or returns one
// already queued. A server-bound result moves to IN_SERVICE before being
// handed back, per spec.md §4.10.
func (ctx *Context) Recv(s *Socket, want wantKind, id uint64) (*Rpc, error) {
	s.mu.Lock()
	rpc := s.popReady(want, id)
	if rpc == nil {
		it := &interest{want: want, id: id, result: make(chan *Rpc, 1)}
		s.interests = append(s.interests, it)
		s.mu.Unlock()
		rpc = <-it.result
	} else {
		s.mu.Unlock()
	}

	if want == WantRequest && rpc.Role == RoleServer {
		rpc.Lock()
		if rpc.State == StateReady {
			rpc.transition(StateInService)
		}
		err := rpc.Err
		rpc.Unlock()
		return rpc, errOrNil(err)
	}

	rpc.Lock()
	err := rpc.Err
	rpc.Unlock()
	return rpc, errOrNil(err)
}

func errOrNil(err *Error) error {
	if err == nil {
		return nil
	}
	return err
}

// Deliver is the packet-in entry point a Substrate implementation calls
// whenever a datagram addressed to this Context arrives, replacing the
// source's deliver_packet as a plain push rather than an interrupt
// handler.
func (ctx *Context) Deliver(buf []byte, srcAddr net.IP) {
	hdr, pkt, err := wire.Decode(buf)
	if err != nil {
		if len(buf) >= wire.CommonHeaderLen && (hdr.Type < wire.TypeData || hdr.Type > wire.TypeDCACPGrant) {
			ctx.stats.unknownType.Inc()
		} else {
			ctx.stats.shortPackets.Inc()
		}
		return
	}
	switch p := pkt.(type) {
	case *wire.DataPacket:
		ctx.handleData(hdr, p, srcAddr)
	case *wire.GrantPacket:
		ctx.handleGrant(hdr, p, srcAddr)
	case *wire.ResendPacket:
		ctx.handleResend(hdr, p, srcAddr)
	case *wire.RestartPacket:
		ctx.handleRestart(hdr, srcAddr)
	case *wire.BusyPacket:
		ctx.touchRPCByHeader(hdr)
	case *wire.CutoffsPacket:
		ctx.handleCutoffs(hdr, p, srcAddr)
	case *wire.FreezePacket:
		ctxLog.Warn("received FREEZE from %v (diagnostic only, ignored)", srcAddr)
	default:
		ctx.stats.unknownType.Inc()
	}
}

// handleData applies a DATA packet's segments to the addressed RPC,
// creating a new server RPC on a request's first packet (spec.md §4.10's
// "Create (server)" edge), feeding the grant scheduler, and delivering the
// message once complete.
func (ctx *Context) handleData(hdr wire.CommonHeader, p *wire.DataPacket, srcAddr net.IP) {
	peer, err := ctx.peers.find(srcAddr)
	if err != nil {
		ctx.stats.routeFailures.Inc()
		return
	}
	sock, ok := ctx.sockets.lookup(Port(hdr.Dport))
	if !ok {
		ctx.stats.unknownRPC.Inc()
		return
	}

	rpc := sock.serverRPCs.lookupLocked(hdr.ID)
	role := RoleServer
	if rpc == nil {
		rpc = sock.clientRPCs.lookupLocked(hdr.ID)
		role = RoleClient
	}
	if rpc == nil {
		if !sock.hasServer {
			ctx.stats.unknownRPC.Inc()
			ctx.sendBareRestart(hdr, srcAddr)
			return
		}
		rpc = createServerRPC(sock, peer, hdr.ID, Port(hdr.Sport), p.MessageLength, p.Incoming)
		rpc.Lock()
	}

	ctx.stats.dataPacketsRecv.Inc()
	rpc.seenThisTick = true
	if rpc.In == nil {
		if role != RoleClient {
			rpc.Unlock()
			return
		}
		// First DATA of a response: the client RPC starts receiving.
		rpc.In = newInbound(p.MessageLength, p.Incoming)
		rpc.transition(StateIncoming)
	}

	for _, seg := range p.Segments {
		if err := rpc.In.AddPacket(seg.Offset, seg.Data, p.Incoming); err != nil {
			ctxLog.Debug("rpc %d: %v", rpc.ID, err)
		}
	}

	needsGrant := rpc.In.Scheduled && !rpc.In.Complete()
	if needsGrant {
		ctx.grantable.insert(rpc)
	}
	if rpc.In.Complete() {
		ctx.completeInbound(rpc, role)
	}
	rpc.Unlock()

	if needsGrant {
		ctx.manageGrants()
	}
}

// completeInbound moves rpc to READY and delivers it to the socket. A
// completed response (client role) is also freed immediately: the
// application already holds the *Rpc and nothing transport-side needs it
// further, whereas a completed request (server role) must stay alive
// until the application replies. Caller holds rpc.Lock().
func (ctx *Context) completeInbound(rpc *Rpc, role Role) {
	rpc.transition(StateReady)
	s := rpc.socket
	s.deliverReady(rpc)
	if role == RoleClient {
		ctx.freeRPC(rpc)
	}
}

// handleGrant applies a GRANT to the named RPC's outbound message and
// kicks the pacer if it unlocked new bytes to send.
func (ctx *Context) handleGrant(hdr wire.CommonHeader, p *wire.GrantPacket, srcAddr net.IP) {
	sock, ok := ctx.sockets.lookup(Port(hdr.Dport))
	if !ok {
		ctx.stats.unknownRPC.Inc()
		return
	}
	rpc := sock.clientRPCs.lookupLocked(hdr.ID)
	if rpc == nil {
		rpc = sock.serverRPCs.lookupLocked(hdr.ID)
	}
	if rpc == nil {
		ctx.stats.unknownRPC.Inc()
		return
	}

	rpc.seenThisTick = true
	ctx.stats.grantsReceived.Inc()
	if rpc.Out != nil && rpc.Out.ApplyGrant(p.Offset) {
		rpc.Out.SetSchedPriority(p.Priority)
		ctx.scheduleOutbound(rpc)
	}
	rpc.Unlock()
}

// handleResend retransmits the requested byte range of the named RPC's
// outbound message, per spec.md §4.6, or fires a bare RESTART if the RPC
// isn't known at all.
func (ctx *Context) handleResend(hdr wire.CommonHeader, p *wire.ResendPacket, srcAddr net.IP) {
	sock, ok := ctx.sockets.lookup(Port(hdr.Dport))
	if !ok {
		ctx.sendBareRestart(hdr, srcAddr)
		return
	}
	rpc := sock.clientRPCs.lookupLocked(hdr.ID)
	if rpc == nil {
		rpc = sock.serverRPCs.lookupLocked(hdr.ID)
	}
	if rpc == nil {
		ctx.stats.unknownRPC.Inc()
		ctx.sendBareRestart(hdr, srcAddr)
		return
	}

	rpc.seenThisTick = true
	if rpc.Out == nil {
		// Nothing queued yet (e.g. a server hasn't replied): there is
		// nothing to retransmit, but the RESEND itself proves the peer
		// is alive and waiting.
		rpc.Unlock()
		return
	}

	end := p.Offset + p.Length
	if end > rpc.Out.Next {
		end = rpc.Out.Next
	}
	if end > p.Offset {
		seg := rpc.Out.RetransmitSegment(p.Offset, end-p.Offset)
		ctx.transmitData(rpc, seg, true)
	}
	if rpc.Out.RemainingBytes() > 0 {
		ctx.scheduleOutbound(rpc)
	}
	rpc.Unlock()
}

// handleRestart resets a client RPC's outbound message and restarts it
// from scratch, mirroring original_source's homa_message_out_reset.
func (ctx *Context) handleRestart(hdr wire.CommonHeader, srcAddr net.IP) {
	sock, ok := ctx.sockets.lookup(Port(hdr.Dport))
	if !ok {
		return
	}
	rpc := sock.clientRPCs.lookupLocked(hdr.ID)
	if rpc == nil {
		return
	}
	ctx.stats.restartsReceived.Inc()
	rpc.seenThisTick = true
	rpc.NumResends = 0
	if rpc.Out != nil {
		rpc.Out.Reset()
		rpc.transition(StateOutgoing)
		ctx.scheduleOutbound(rpc)
	}
	rpc.Unlock()
}

// handleCutoffs installs a peer's unscheduled-priority cutoff vector.
func (ctx *Context) handleCutoffs(hdr wire.CommonHeader, p *wire.CutoffsPacket, srcAddr net.IP) {
	peer, err := ctx.peers.find(srcAddr)
	if err != nil {
		return
	}
	peer.SetUnscheduledCutoffs(p.UnscheduledCutoffs, p.CutoffVersion)
}

// touchRPCByHeader resets the silent-tick counter for a BUSY packet's RPC
// without otherwise touching its state.
func (ctx *Context) touchRPCByHeader(hdr wire.CommonHeader) {
	sock, ok := ctx.sockets.lookup(Port(hdr.Dport))
	if !ok {
		return
	}
	rpc := sock.clientRPCs.lookupLocked(hdr.ID)
	if rpc == nil {
		rpc = sock.serverRPCs.lookupLocked(hdr.ID)
	}
	if rpc == nil {
		return
	}
	rpc.seenThisTick = true
	rpc.Unlock()
}

// dataPriority picks the wire priority for a DATA packet starting at
// offset: unscheduled bytes use the peer's cutoff-table priority for the
// whole message, scheduled bytes use whatever priority the most recent
// GRANT specified.
func (ctx *Context) dataPriority(rpc *Rpc, offset uint32) uint8 {
	if offset < rpc.Out.Unscheduled {
		return rpc.Peer.unscheduledPriority(rpc.Out.Length)
	}
	return rpc.Out.schedPriority
}

// transmitData encodes and sends one DATA segment for rpc. Caller holds
// rpc.Lock().
func (ctx *Context) transmitData(rpc *Rpc, seg wire.Segment, retransmit bool) {
	priority := ctx.dataPriority(rpc, seg.Offset)
	pkt := &wire.DataPacket{
		CommonHeader: wire.CommonHeader{
			Sport: uint16(rpc.LocalPort),
			Dport: uint16(rpc.DestPort),
			ID:    rpc.ID,
		},
		MessageLength: rpc.Out.Length,
		Incoming:      rpc.Out.Granted,
		Retransmit:    retransmit,
		Segments:      []wire.Segment{seg},
	}
	buf, err := wire.EncodeData(pkt)
	if err != nil {
		ctxLog.Error("encode data: %v", err)
		return
	}
	if err := ctx.substrate.SendDatagram(rpc.Peer.Route, buf, priority); err != nil {
		ctx.stats.transmitErrors.Inc()
		return
	}
	ctx.stats.dataPacketsSent.Inc()
}

// sendGrant encodes and sends a GRANT for rpc. Caller holds rpc.Lock().
func (ctx *Context) sendGrant(rpc *Rpc, offset uint32, priority uint8) {
	pkt := &wire.GrantPacket{
		CommonHeader: wire.CommonHeader{
			Sport: uint16(rpc.LocalPort),
			Dport: uint16(rpc.DestPort),
			ID:    rpc.ID,
		},
		Offset:   offset,
		Priority: priority,
	}
	buf, err := wire.EncodeGrant(pkt)
	if err != nil {
		ctxLog.Error("encode grant: %v", err)
		return
	}
	if err := ctx.substrate.SendDatagram(rpc.Peer.Route, buf, controlPriority); err != nil {
		ctx.stats.transmitErrors.Inc()
		return
	}
	ctx.stats.grantsSent.Inc()
}

// sendResend encodes and sends a RESEND for rpc. Caller holds rpc.Lock().
func (ctx *Context) sendResend(rpc *Rpc, offset, length uint32, priority uint8) {
	pkt := &wire.ResendPacket{
		CommonHeader: wire.CommonHeader{
			Sport: uint16(rpc.LocalPort),
			Dport: uint16(rpc.DestPort),
			ID:    rpc.ID,
		},
		Offset:   offset,
		Length:   length,
		Priority: priority,
	}
	buf, err := wire.EncodeResend(pkt)
	if err != nil {
		ctxLog.Error("encode resend: %v", err)
		return
	}
	if err := ctx.substrate.SendDatagram(rpc.Peer.Route, buf, controlPriority); err != nil {
		ctx.stats.transmitErrors.Inc()
		return
	}
	ctx.stats.resendsSent.Inc()
}

// sendBareRestart replies RESTART to a packet whose RPC (or even socket)
// this Context has no record of, per spec.md §4.6.
func (ctx *Context) sendBareRestart(hdr wire.CommonHeader, srcAddr net.IP) {
	peer, err := ctx.peers.find(srcAddr)
	if err != nil {
		return
	}
	pkt := &wire.RestartPacket{CommonHeader: wire.CommonHeader{
		Sport: hdr.Dport,
		Dport: hdr.Sport,
		ID:    hdr.ID,
	}}
	buf, err := wire.EncodeRestart(pkt)
	if err != nil {
		return
	}
	if err := ctx.substrate.SendDatagram(peer.Route, buf, controlPriority); err != nil {
		ctx.stats.transmitErrors.Inc()
		return
	}
	ctx.stats.restartsSent.Inc()
}
