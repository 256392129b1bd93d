// Package substrate provides Substrate implementations for
// github.com/qizhe/homarpc/transport: RawIP talks to a real network over
// a raw IPv4 socket, Sim is an in-process network for tests.
package substrate

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/qizhe/homarpc/transport"
)

// homaProtocol is the IP protocol number original_source/homa_impl.h
// registers Homa traffic under.
const homaProtocol = 146

// RawIP sends and receives Homa datagrams over a raw IPv4 socket. Outgoing
// packets are hand-assembled IPv4 envelopes built with
// gopacket/gopacket/layers, the same library bridge/capture.go uses to
// parse and construct wire frames; incoming packets are decoded the same
// way before their Homa payload is handed to a bound Context.
type RawIP struct {
	fd      int
	localIP net.IP

	ctx   *transport.Context
	clock uint64 // atomic tick counter, advanced by clockLoop
	stop  chan struct{}
}

type ipRoute struct {
	dest net.IP
}

// NewRawIP opens a raw IPv4 socket bound to send/receive Homa-protocol
// datagrams. IP_HDRINCL is set so this package supplies the IPv4 header
// itself (needed to stamp the Homa priority into the TOS byte).
func NewRawIP(localIP net.IP) (*RawIP, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, homaProtocol)
	if err != nil {
		return nil, fmt.Errorf("substrate: open raw socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("substrate: set IP_HDRINCL: %w", err)
	}
	return &RawIP{
		fd:      fd,
		localIP: localIP.To4(),
		stop:    make(chan struct{}),
	}, nil
}

// Bind attaches the Context this substrate feeds, starting its receive and
// clock loops. A RawIP is useless until bound.
func (r *RawIP) Bind(ctx *transport.Context) {
	r.ctx = ctx
	go r.readLoop()
	go r.clockLoop()
}

// clockLoop advances the tick counter Substrate.NowTicks reports. A real
// NIC has no cycle counter exposed to userspace the way the kernel module
// reads one directly, so a steady microsecond tick stands in for it.
func (r *RawIP) clockLoop() {
	ticker := time.NewTicker(time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			atomic.AddUint64(&r.clock, 1)
		}
	}
}

func (r *RawIP) NowTicks() transport.Ticks {
	return atomic.LoadUint64(&r.clock)
}

// Resolve implements transport.RouteResolver: every reachable IPv4
// destination resolves to a route trivially, since routing itself is the
// kernel's job once the packet leaves this socket.
func (r *RawIP) Resolve(addr net.IP) (transport.Route, error) {
	v4 := addr.To4()
	if v4 == nil {
		return nil, fmt.Errorf("substrate: %v is not an IPv4 address", addr)
	}
	return &ipRoute{dest: v4}, nil
}

// SendDatagram wraps buf in an IPv4 envelope, stamping priority into the
// TOS byte's DSCP bits (original_source does the same to carry Homa
// priority across a plain IP network), and writes it to the raw socket.
func (r *RawIP) SendDatagram(route transport.Route, buf []byte, priority uint8) error {
	ipr, ok := route.(*ipRoute)
	if !ok {
		return fmt.Errorf("substrate: route %v is not a RawIP route", route)
	}

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      priority << 2,
		TTL:      64,
		Id:       uint16(atomic.AddUint64(&r.clock, 0)),
		Protocol: layers.IPProtocol(homaProtocol),
		SrcIP:    r.localIP,
		DstIP:    ipr.dest,
	}
	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(sb, opts, ip, gopacket.Payload(buf)); err != nil {
		return fmt.Errorf("substrate: serialize ipv4: %w", err)
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], ipr.dest)
	if err := unix.Sendto(r.fd, sb.Bytes(), 0, &sa); err != nil {
		return fmt.Errorf("substrate: sendto %v: %w", ipr.dest, err)
	}
	return nil
}

// readLoop pulls raw IPv4 datagrams off the socket, strips the IPv4
// envelope with gopacket, and delivers the Homa payload to the bound
// Context.
func (r *RawIP) readLoop() {
	buf := make([]byte, 65536)
	for {
		select {
		case <-r.stop:
			return
		default:
		}
		n, from, err := unix.Recvfrom(r.fd, buf, 0)
		if err != nil {
			continue
		}
		sa, ok := from.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		pkt := gopacket.NewPacket(buf[:n], layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		ipLayer := pkt.Layer(layers.LayerTypeIPv4)
		if ipLayer == nil {
			continue
		}
		ip, ok := ipLayer.(*layers.IPv4)
		if !ok || uint8(ip.Protocol) != homaProtocol {
			continue
		}
		src := net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
		if r.ctx != nil {
			r.ctx.Deliver(ip.Payload, src)
		}
	}
}

// Close stops the receive/clock loops and closes the underlying socket.
func (r *RawIP) Close() error {
	close(r.stop)
	return unix.Close(r.fd)
}
