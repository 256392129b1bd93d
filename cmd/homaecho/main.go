// Command homaecho runs a Homa server that echoes every request back to
// its sender, exercising the server half of the transport package.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qizhe/homarpc/mlog"
	"github.com/qizhe/homarpc/substrate"
	"github.com/qizhe/homarpc/transport"
)

func main() {
	var (
		listenIP   = flag.String("ip", "127.0.0.1", "local IPv4 address to bind")
		port       = flag.Int("port", 10000, "server port to listen on")
		logLevel   = flag.String("log-level", "info", "debug, info, warn, error, or fatal")
		metricsBind = flag.String("metrics", "", "if set, address to serve Prometheus metrics on (e.g. :9100)")
	)
	flag.Parse()

	level, err := mlog.LevelInt(*logLevel)
	if err != nil {
		mlog.Fatal("%v", err)
	}
	mlog.AddLogger("stderr", os.Stderr, level)

	local := net.ParseIP(*listenIP)
	if local == nil {
		mlog.Fatal("invalid -ip %q", *listenIP)
	}

	raw, err := substrate.NewRawIP(local)
	if err != nil {
		mlog.Fatal("open substrate: %v", err)
	}
	cfg := transport.DefaultConfig()
	ctx := transport.NewContext(cfg, raw, raw.Resolve, transport.Port(65000))
	raw.Bind(ctx)

	if *metricsBind != "" {
		http.Handle("/metrics", promhttp.HandlerFor(ctx.Registry(), promhttp.HandlerOpts{}))
		go http.ListenAndServe(*metricsBind, nil)
	}

	sock, err := ctx.BindServer(transport.Port(*port))
	if err != nil {
		mlog.Fatal("bind server port %d: %v", *port, err)
	}
	mlog.Info("homaecho listening on %s:%d (instance %s)", local, *port, ctx.InstanceID())

	for {
		rpc, err := ctx.Recv(sock, transport.WantRequest, 0)
		if err != nil {
			mlog.Warn("recv: %v", err)
			continue
		}
		data := append([]byte(nil), rpc.In.Data()...)
		if err := ctx.Reply(sock, rpc.ID, data); err != nil {
			mlog.Warn("reply to rpc %d: %v", rpc.ID, err)
		}
	}
}
