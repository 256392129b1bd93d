// Command homaclient sends requests to a homaecho server and reports
// round-trip latency, exercising the client half of the transport
// package.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/qizhe/homarpc/mlog"
	"github.com/qizhe/homarpc/substrate"
	"github.com/qizhe/homarpc/transport"
)

func main() {
	var (
		serverIP   = flag.String("server", "127.0.0.1", "server IPv4 address")
		serverPort = flag.Int("port", 10000, "server port")
		localIP    = flag.String("ip", "127.0.0.1", "local IPv4 address to bind")
		size       = flag.Int("size", 100, "request/response payload size in bytes")
		count      = flag.Int("count", 10, "number of requests to send")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, error, or fatal")
	)
	flag.Parse()

	level, err := mlog.LevelInt(*logLevel)
	if err != nil {
		mlog.Fatal("%v", err)
	}
	mlog.AddLogger("stderr", os.Stderr, level)

	local := net.ParseIP(*localIP)
	server := net.ParseIP(*serverIP)
	if local == nil || server == nil {
		mlog.Fatal("invalid -ip/-server address")
	}

	raw, err := substrate.NewRawIP(local)
	if err != nil {
		mlog.Fatal("open substrate: %v", err)
	}
	cfg := transport.DefaultConfig()
	ctx := transport.NewContext(cfg, raw, raw.Resolve, transport.Port(65000))
	raw.Bind(ctx)

	sock, err := ctx.NewClientSocket()
	if err != nil {
		mlog.Fatal("allocate client socket: %v", err)
	}

	payload := make([]byte, *size)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < *count; i++ {
		start := time.Now()
		id, err := ctx.Send(sock, server, transport.Port(*serverPort), payload)
		if err != nil {
			mlog.Warn("send %d: %v", i, err)
			continue
		}
		rpc, err := ctx.Recv(sock, transport.WantSpecific, id)
		if err != nil {
			mlog.Warn("recv %d: %v", i, err)
			continue
		}
		elapsed := time.Since(start)
		fmt.Printf("rpc %d: %d bytes in %v\n", rpc.ID, len(rpc.In.Data()), elapsed)
		ctx.Release(rpc)
	}
}
