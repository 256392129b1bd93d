package substrate_test

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/qizhe/homarpc/substrate"
	"github.com/qizhe/homarpc/transport"
)

// counterValue reads back a named Prometheus counter from a Context's own
// registry, since the counters themselves are unexported.
func counterValue(t *testing.T, ctx *transport.Context, name string) float64 {
	t.Helper()
	families, err := ctx.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			var total float64
			for _, m := range f.GetMetric() {
				total += m.GetCounter().GetValue()
			}
			return total
		}
	}
	return 0
}

// fastConfig tunes a Config for wall-clock tests: a short tick period and
// small grant/message sizes so a few milliseconds of real sleeping covers
// many simulated RTTs. Sim.Advance still governs NowTicks, but the resend
// timer's cadence is driven by TickPeriod, a real time.Ticker.
func fastConfig() transport.Config {
	c := transport.DefaultConfig()
	c.TickPeriod = 2 * time.Millisecond
	c.RTTBytes = 2000
	c.GrantIncrement = 2000
	c.MaxGSOSize = 1100
	c.ResendTicks = 3
	c.ResendInterval = 0
	c.AbortResends = 3
	return c
}

// recvWithin runs a blocking Recv call under a wall-clock deadline so a
// stuck transport bug fails the test instead of hanging the suite.
func recvWithin(t *testing.T, d time.Duration, call func() (*transport.Rpc, error)) (*transport.Rpc, error) {
	t.Helper()
	type result struct {
		rpc *transport.Rpc
		err error
	}
	done := make(chan result, 1)
	go func() {
		rpc, err := call()
		done <- result{rpc, err}
	}()
	select {
	case r := <-done:
		return r.rpc, r.err
	case <-time.After(d):
		t.Fatal("Recv never returned")
		return nil, nil
	}
}

func newPair(t *testing.T, sim *substrate.Sim, cfg transport.Config) (client, server *transport.Context, serverSock *transport.Socket) {
	t.Helper()
	clientIP := net.ParseIP("10.0.0.1")
	serverIP := net.ParseIP("10.0.0.2")

	clientNode := sim.NewNode(clientIP)
	serverNode := sim.NewNode(serverIP)

	client = transport.NewContext(cfg, clientNode, clientNode.Resolve, transport.Port(1000))
	server = transport.NewContext(cfg, serverNode, serverNode.Resolve, transport.Port(1000))
	clientNode.Bind(client)
	serverNode.Bind(server)

	var err error
	serverSock, err = server.BindServer(transport.Port(500))
	if err != nil {
		t.Fatalf("BindServer: %v", err)
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server, serverSock
}

func TestSmallRPCRoundTrip(t *testing.T) {
	sim := substrate.NewSim(1)
	cfg := fastConfig()
	client, server, serverSock := newPair(t, sim, cfg)

	clientSock, err := client.NewClientSocket()
	if err != nil {
		t.Fatalf("NewClientSocket: %v", err)
	}

	req := []byte("ping")
	id, err := client.Send(clientSock, net.ParseIP("10.0.0.2"), 500, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	rpc, err := recvWithin(t, 2*time.Second, func() (*transport.Rpc, error) {
		return server.Recv(serverSock, transport.WantRequest, 0)
	})
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if !bytes.Equal(rpc.In.Data(), req) {
		t.Fatalf("server received %q, want %q", rpc.In.Data(), req)
	}

	resp := []byte("pong")
	if err := server.Reply(serverSock, rpc.ID, resp); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	reply, err := recvWithin(t, 2*time.Second, func() (*transport.Rpc, error) {
		return client.Recv(clientSock, transport.WantSpecific, id)
	})
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if !bytes.Equal(reply.In.Data(), resp) {
		t.Fatalf("client received %q, want %q", reply.In.Data(), resp)
	}
	client.Release(reply)
}

func TestLargeRPCRequiresGrants(t *testing.T) {
	sim := substrate.NewSim(2)
	cfg := fastConfig()
	client, server, serverSock := newPair(t, sim, cfg)

	clientSock, err := client.NewClientSocket()
	if err != nil {
		t.Fatalf("NewClientSocket: %v", err)
	}

	// Larger than RTTBytes, so the server must grant bytes beyond the
	// first unscheduled burst before the message completes.
	req := make([]byte, 9000)
	for i := range req {
		req[i] = byte(i)
	}
	if _, err := client.Send(clientSock, net.ParseIP("10.0.0.2"), 500, req); err != nil {
		t.Fatalf("Send: %v", err)
	}

	rpc, err := recvWithin(t, 2*time.Second, func() (*transport.Rpc, error) {
		return server.Recv(serverSock, transport.WantRequest, 0)
	})
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if !bytes.Equal(rpc.In.Data(), req) {
		t.Fatal("large request was not fully reassembled")
	}
	server.Release(rpc)
}

func TestUnknownRPCTriggersRestart(t *testing.T) {
	sim := substrate.NewSim(3)
	cfg := fastConfig()

	clientIP := net.ParseIP("10.0.0.20")
	peerIP := net.ParseIP("10.0.0.21")
	clientNode := sim.NewNode(clientIP)
	peerNode := sim.NewNode(peerIP)

	client := transport.NewContext(cfg, clientNode, clientNode.Resolve, transport.Port(1000))
	// peer's server port limit is set just below 500, so its first
	// client-allocated port lands exactly on 500: a real socket exists
	// there, but it never became a server, so a DATA packet addressed to
	// it must draw a bare RESTART rather than being silently dropped.
	peer := transport.NewContext(cfg, peerNode, peerNode.Resolve, transport.Port(499))
	clientNode.Bind(client)
	peerNode.Bind(peer)
	t.Cleanup(func() {
		client.Close()
		peer.Close()
	})

	if _, err := peer.NewClientSocket(); err != nil {
		t.Fatalf("NewClientSocket: %v", err)
	}

	clientSock, err := client.NewClientSocket()
	if err != nil {
		t.Fatalf("NewClientSocket: %v", err)
	}
	if _, err := client.Send(clientSock, peerIP, 500, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if counterValue(t, client, "homa_restarts_received_total") > 0 {
			return
		}
		time.Sleep(cfg.TickPeriod)
	}
	t.Fatal("client never observed a RESTART from a socket with no bound server")
}

func TestAbortTimesOutWithNoPeer(t *testing.T) {
	sim := substrate.NewSim(4)
	cfg := fastConfig()
	cfg.ResendTicks = 1
	cfg.AbortResends = 1

	clientIP := net.ParseIP("10.0.0.10")
	clientNode := sim.NewNode(clientIP)
	client := transport.NewContext(cfg, clientNode, clientNode.Resolve, transport.Port(1000))
	clientNode.Bind(client)
	t.Cleanup(client.Close)

	// A bound but otherwise silent peer: every packet is accepted by the
	// network but nothing ever answers, so the RPC must eventually time
	// out rather than hang forever.
	serverIP := net.ParseIP("10.0.0.11")
	sim.NewNode(serverIP)

	clientSock, err := client.NewClientSocket()
	if err != nil {
		t.Fatalf("NewClientSocket: %v", err)
	}
	id, err := client.Send(clientSock, serverIP, 500, []byte("ping"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	rpc, err := recvWithin(t, 2*time.Second, func() (*transport.Rpc, error) {
		return client.Recv(clientSock, transport.WantSpecific, id)
	})
	if err == nil {
		t.Fatal("expected the silent RPC to be aborted with a timeout")
	}
	if rpc == nil || rpc.Err == nil || rpc.Err.Kind != transport.KindTimeout {
		t.Fatalf("got rpc=%v err=%v, want a KindTimeout error", rpc, err)
	}
}
