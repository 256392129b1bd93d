package transport

// onTimerTick runs the periodic resend/timeout pass described in spec.md
// §4.9, visiting every socket's active RPCs once per tick via
// socketRegistry.scan's restart-safe iteration.
func (ctx *Context) onTimerTick() {
	now := ctx.substrate.NowTicks()
	ctx.sockets.scan(func(s *Socket) {
		s.mu.Lock()
		active := make([]*Rpc, 0, len(s.active))
		for rpc := range s.active {
			active = append(active, rpc)
		}
		s.mu.Unlock()

		for _, rpc := range active {
			ctx.tickRPC(rpc, now)
		}
	})
}

// tickRPC advances one RPC's silent-tick counter (spec.md §4.9: reset to
// zero whenever a packet for the RPC was seen since the last tick) and,
// once SilentTicks crosses ResendTicks, either nudges the RPC along or
// asks the peer for missing data, aborting after AbortResends consecutive
// unproductive cycles.
func (ctx *Context) tickRPC(rpc *Rpc, now Ticks) {
	rpc.Lock()
	defer rpc.Unlock()

	if rpc.dead {
		return
	}
	if rpc.seenThisTick {
		rpc.seenThisTick = false
		rpc.SilentTicks = 0
		rpc.NumResends = 0
		return
	}
	rpc.SilentTicks++
	if rpc.SilentTicks < ctx.cfg.ResendTicks {
		return
	}

	if rpc.Role == RoleServer && rpc.Out != nil && rpc.Out.Done() && (rpc.In == nil || rpc.In.Complete()) {
		// Response fully sent and the request itself was fully received:
		// there is nothing left for either side to retry, so reap now
		// rather than waiting out an AbortResends window that exists to
		// detect a genuinely stuck peer, not a finished one.
		ctx.freeRPC(rpc)
		return
	}

	if rpc.NumResends >= ctx.cfg.AbortResends {
		err := newError(KindTimeout, "rpc %d: no response after %d resend cycles", rpc.ID, rpc.NumResends)
		ctx.abortRPCLocked(rpc, err)
		return
	}

	switch {
	case rpc.In != nil && !rpc.In.Complete():
		// We are the receiver of a still-incomplete message: ask the
		// sender for the missing range (or a keepalive range if nothing
		// is actually missing yet but nothing has arrived in a while).
		ctx.requestResend(rpc, now)

	case rpc.Out != nil && !rpc.Out.Done():
		// It's still our turn to send and we haven't finished: the
		// stall is on our own pacer/substrate, not the peer, so just
		// give the pacer another push rather than blaming the peer.
		rpc.SilentTicks = 0
		ctx.scheduleOutbound(rpc)

	case rpc.Out != nil && rpc.Out.Done() && rpc.Role == RoleClient && rpc.In == nil:
		// Request fully sent, waiting on a response that hasn't started
		// arriving at all -- no Inbound exists yet to compute a range
		// from, so probe with a bare RESEND for the first unscheduled
		// chunk; per spec.md §4.9 this is enough to make a wedged or
		// forgotten server retry.
		ctx.requestBareResend(rpc, now)
	}
}

// requestResend sends a RESEND for the receiver-computed missing (or
// keepalive) range, per spec.md §4.6/§4.9, rate-limited per peer via
// Peer.shouldResend so one stalled RPC can't flood a peer with RESENDs
// every tick when several of its RPCs stall together.
func (ctx *Context) requestResend(rpc *Rpc, now Ticks) {
	offset, length, needed := rpc.In.ResendRange()
	if !needed {
		rpc.SilentTicks = 0
		return
	}
	if !rpc.Peer.shouldResend(now, ctx.cfg.ResendInterval) {
		return
	}
	rpc.Peer.markResend(now)
	rpc.NumResends++
	rpc.SilentTicks = 0
	priority := rpc.Peer.unscheduledPriority(length)
	ctx.sendResend(rpc, offset, length, priority)
}

// requestBareResend is requestResend's counterpart for client RPCs with no
// Inbound yet: it probes for the first RTTBytes-sized chunk of whatever
// response is coming, which is all a RESEND can usefully name before any
// segment has arrived.
func (ctx *Context) requestBareResend(rpc *Rpc, now Ticks) {
	if !rpc.Peer.shouldResend(now, ctx.cfg.ResendInterval) {
		return
	}
	rpc.Peer.markResend(now)
	rpc.NumResends++
	rpc.SilentTicks = 0
	length := ctx.cfg.RTTBytes
	priority := rpc.Peer.unscheduledPriority(length)
	ctx.sendResend(rpc, 0, length, priority)
}

// abortRPCLocked fails rpc with err and frees it, per spec.md §4.10's
// abort path: any pending Recv for this RPC's id is woken carrying the
// error, and its resources are released the same way a normally-completed
// RPC's are. Caller holds rpc.Lock().
func (ctx *Context) abortRPCLocked(rpc *Rpc, err *Error) {
	rpc.Err = err
	if err.Kind == KindTimeout {
		ctx.stats.timeouts.Inc()
	}
	resendLog.Warn("%v", err)
	ctx.freeRPC(rpc)
	rpc.socket.wakeAborted(rpc)
}
