package transport

import "github.com/qizhe/homarpc/mlog"

// Component loggers, one per subsystem, following the same tagging
// convention as peerLog in peer.go -- each subsystem gets its own name so
// a deployment can raise mlog's verbosity for just the pacer or just the
// resend timer without drowning in RPC-lookup chatter.
var (
	rpcLog    = mlog.Component("rpc")
	socketLog = mlog.Component("socket")
	grantLog  = mlog.Component("grant")
	pacerLog  = mlog.Component("pacer")
	resendLog = mlog.Component("resend")
	ctxLog    = mlog.Component("transport")
)
