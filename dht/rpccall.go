package dht

import (
	"net"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
)

// CallState is the lifecycle of an outgoing RPC.
type CallState int

const (
	CallUnsent CallState = iota
	CallSent
	CallStalled
	CallResponded
	CallTimeout
	CallErr
	CallCanceled
)

func (s CallState) String() string {
	switch s {
	case CallUnsent:
		return "unsent"
	case CallSent:
		return "sent"
	case CallStalled:
		return "stalled"
	case CallResponded:
		return "responded"
	case CallTimeout:
		return "timeout"
	case CallErr:
		return "error"
	case CallCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// isTerminal reports whether no further transitions can happen.
func (s CallState) isTerminal() bool {
	return s == CallResponded || s == CallTimeout || s == CallErr || s == CallCanceled
}

type callListener func(call *rpcCall, prev, cur CallState)

// rpcCall tracks one request until a terminal state. It is shared between
// the issuing task and the RPC server, and only mutated from the loop.
type rpcCall struct {
	dht    *DHT
	target core.NodeInfo

	request  *wire.Message
	response *wire.Message

	// sourceWasKnownReachable remembers whether the target had already
	// proven itself when the call was issued.
	sourceWasKnownReachable bool

	sentTime     time.Time
	responseTime time.Time

	state     CallState
	listeners []callListener

	scheduler    *Scheduler
	timeoutTimer *Job

	responseOrigin *net.UDPAddr
}

func newRPCCall(d *DHT, target core.NodeInfo, request *wire.Message) *rpcCall {
	reachable := false
	if e := d.routingTable.getEntry(target.Id); e != nil {
		reachable = e.isReachable()
	}
	return &rpcCall{
		dht:                     d,
		target:                  target,
		request:                 request,
		sourceWasKnownReachable: reachable,
	}
}

func (c *rpcCall) addListener(l callListener) { c.listeners = append(c.listeners, l) }

func (c *rpcCall) targetId() core.Id { return c.target.Id }

// matchesId reports whether the response was signed by the node we asked.
func (c *rpcCall) matchesId(sender core.Id) bool { return sender == c.target.Id }

// matchesAddress reports whether the response came from the endpoint we
// asked.
func (c *rpcCall) matchesAddress(from *net.UDPAddr) bool {
	return from != nil && c.target.Addr != nil &&
		from.Port == c.target.Addr.Port && from.IP.Equal(c.target.Addr.IP)
}

func (c *rpcCall) updateState(next CallState) {
	prev := c.state
	if prev.isTerminal() {
		return
	}
	c.state = next
	for _, l := range c.listeners {
		l(c, prev, next)
	}
}

// sent arms the soft timeout; a shorter baseline deadline stalls the call
// first, re-arming up to the hard maximum.
func (c *rpcCall) sent(sched *Scheduler) {
	c.sentTime = time.Now()
	c.scheduler = sched
	c.updateState(CallSent)
	c.timeoutTimer = sched.Add(c.checkTimeout, RPCCallTimeoutBaseline, 0)
}

func (c *rpcCall) checkTimeout() {
	if c.state != CallSent && c.state != CallStalled {
		return
	}
	remaining := RPCCallTimeoutMax - time.Since(c.sentTime)
	if remaining > 0 {
		c.updateState(CallStalled)
		c.timeoutTimer = c.scheduler.Add(c.checkTimeout, remaining, 0)
		return
	}
	c.updateState(CallTimeout)
}

func (c *rpcCall) responded(msg *wire.Message, from *net.UDPAddr) {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Cancel()
	}
	c.response = msg
	c.responseOrigin = from
	c.responseTime = time.Now()
	switch msg.Kind {
	case wire.KindResponse:
		c.updateState(CallResponded)
	case wire.KindError:
		c.updateState(CallErr)
	}
}

// stall marks the call as probably lost without giving up on it.
func (c *rpcCall) stall() {
	if c.state == CallSent {
		c.updateState(CallStalled)
	}
}

func (c *rpcCall) cancel() {
	if c.timeoutTimer != nil {
		c.timeoutTimer.Cancel()
	}
	c.updateState(CallCanceled)
}
