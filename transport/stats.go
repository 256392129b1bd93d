package transport

import "github.com/prometheus/client_golang/prometheus"

// stats holds the counters this package exports. Every Context gets its own
// registry so multiple Contexts (as in the test suite, which runs many
// simulated peers in one process) don't collide on metric registration --
// the same reason m-lab-tcp-info and runZeroInc-conniver construct their
// own prometheus.Registry per collector instead of using the global one.
type stats struct {
	registry *prometheus.Registry

	shortPackets       prometheus.Counter
	unknownType        prometheus.Counter
	unknownRPC         prometheus.Counter
	restartsSent       prometheus.Counter
	restartsReceived   prometheus.Counter
	routeFailures      prometheus.Counter
	timeouts           prometheus.Counter
	resourceExhausted  prometheus.Counter
	transmitErrors     prometheus.Counter
	grantsSent         prometheus.Counter
	grantsReceived     prometheus.Counter
	resendsSent        prometheus.Counter
	dataPacketsSent    prometheus.Counter
	dataPacketsRecv    prometheus.Counter
	nicOverQueuedCount prometheus.Counter
	bucketLockMisses   prometheus.Counter
	throttledDepth     prometheus.Gauge
	grantableDepth     prometheus.Gauge
}

func newStats() *stats {
	reg := prometheus.NewRegistry()
	s := &stats{registry: reg}

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		reg.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		reg.MustRegister(g)
		return g
	}

	s.shortPackets = counter("homa_short_packets_total", "packets too small to contain a valid header")
	s.unknownType = counter("homa_unknown_type_total", "packets with an unrecognized type byte")
	s.unknownRPC = counter("homa_unknown_rpc_total", "packets referencing an RPC id this socket has no record of")
	s.restartsSent = counter("homa_restarts_sent_total", "RESTART packets sent")
	s.restartsReceived = counter("homa_restarts_received_total", "RESTART packets received")
	s.routeFailures = counter("homa_route_failures_total", "peer route resolution failures")
	s.timeouts = counter("homa_timeouts_total", "RPCs aborted by the resend timer")
	s.resourceExhausted = counter("homa_resource_exhausted_total", "allocation failures")
	s.transmitErrors = counter("homa_transmit_errors_total", "substrate SendDatagram failures")
	s.grantsSent = counter("homa_grants_sent_total", "GRANT packets sent")
	s.grantsReceived = counter("homa_grants_received_total", "GRANT packets received")
	s.resendsSent = counter("homa_resends_sent_total", "RESEND packets sent")
	s.dataPacketsSent = counter("homa_data_packets_sent_total", "DATA packets sent")
	s.dataPacketsRecv = counter("homa_data_packets_received_total", "DATA packets received")
	s.nicOverQueuedCount = counter("homa_nic_over_queued_total", "packets parked on the throttled list")
	s.bucketLockMisses = counter("homa_bucket_lock_misses_total", "bucket try_lock misses on the fast path")
	s.throttledDepth = gauge("homa_throttled_depth", "current length of the throttled RPC list")
	s.grantableDepth = gauge("homa_grantable_depth", "current length of the grantable RPC list")

	return s
}

// Registry exposes the Context's Prometheus registry for an application to
// serve on its own /metrics endpoint; scraping itself is explicitly out of
// this package's scope (spec.md §1).
func (c *Context) Registry() *prometheus.Registry {
	return c.stats.registry
}
