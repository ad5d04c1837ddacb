package dht

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/dht/wire"
	"github.com/corvid-net/corvid/log"
)

const maxDatagramSize = 64 * 1024

// messageIn is a decoded datagram on its way to the loop.
type messageIn struct {
	msg    *wire.Message
	sender core.Id
	from   *net.UDPAddr
	call   *rpcCall // attached on the loop once matched
}

// messageOut is a message queued for transmission.
type messageOut struct {
	msg  *wire.Message
	to   core.Id
	addr *net.UDPAddr
	call *rpcCall
}

// rpcServer owns the UDP sockets, assigns transaction ids and routes
// responses back to their originating calls. Sockets are read on their own
// goroutines; everything else happens on the node loop.
type rpcServer struct {
	node *Node

	sock4, sock6   *net.UDPConn
	bound4, bound6 *net.UDPAddr

	nextTxid int32
	calls    map[int32]*rpcCall

	sendQueue []*messageOut

	startTime time.Time

	received4, received6     uint64
	checkpoint4, checkpoint6 uint64
	lastReachableCheck       time.Time
	reachable4, reachable6   bool

	logger log.Logger
}

func newRPCServer(node *Node) *rpcServer {
	return &rpcServer{
		node:     node,
		nextTxid: int32(1 + crypto.RandomUint32n(32768)),
		calls:    make(map[int32]*rpcCall),
		logger:   node.logger.With("module", "rpcserver"),
	}
}

// start binds the requested sockets and spawns their readers.
func (s *rpcServer) start(bind4, bind6 *net.UDPAddr) error {
	if bind4 == nil && bind6 == nil {
		return errors.New("dht: rpc server needs at least one address")
	}
	if bind4 != nil {
		sock, err := net.ListenUDP("udp4", bind4)
		if err != nil {
			return fmt.Errorf("dht: bind %s: %w", bind4, err)
		}
		s.sock4 = sock
		s.bound4 = sock.LocalAddr().(*net.UDPAddr)
		go s.readLoop(sock)
	}
	if bind6 != nil {
		sock, err := net.ListenUDP("udp6", bind6)
		if err != nil {
			if s.sock4 == nil {
				return fmt.Errorf("dht: bind %s: %w", bind6, err)
			}
			s.logger.Error("Cannot bind inet6 socket", "addr", bind6, "err", err)
		} else {
			s.sock6 = sock
			s.bound6 = sock.LocalAddr().(*net.UDPAddr)
			go s.readLoop(sock)
		}
	}
	s.startTime = time.Now()
	s.lastReachableCheck = s.startTime
	s.logger.Info("Started RPC server", "ipv4", s.bound4, "ipv6", s.bound6)
	return nil
}

func (s *rpcServer) stop() {
	if s.sock4 != nil {
		s.sock4.Close()
	}
	if s.sock6 != nil {
		s.sock6.Close()
	}
	s.logger.Info("Stopped RPC server", "ipv4", s.bound4, "ipv6", s.bound6)
}

// readLoop receives, decrypts and parses datagrams, handing the survivors
// to the node loop. Crypto failures drop silently per the error taxonomy.
func (s *rpcServer) readLoop(sock *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("Receive failed", "err", err)
			}
			return
		}
		if n < core.IdBytes+1 {
			continue
		}
		sender, _ := core.IdFromBytes(buf[:core.IdBytes])
		plain, err := s.node.cryptoCache.decrypt(sender, buf[core.IdBytes:n])
		if err != nil {
			s.logger.Warn("Cannot decrypt packet, ignored", "from", from, "len", n)
			continue
		}
		msg, err := wire.Parse(plain)
		if err != nil {
			s.logger.Warn("Dropping malformed packet", "from", from, "err", err)
			continue
		}
		s.node.deliver(&messageIn{msg: msg, sender: sender, from: copyUDPAddr(from)})
	}
}

func copyUDPAddr(a *net.UDPAddr) *net.UDPAddr {
	ip := make(net.IP, len(a.IP))
	copy(ip, a.IP)
	return &net.UDPAddr{IP: ip, Port: a.Port, Zone: a.Zone}
}

// sendCall registers the call under a fresh transaction id and transmits
// its request.
func (s *rpcServer) sendCall(call *rpcCall) {
	txid := s.nextTxid
	s.nextTxid++
	if s.nextTxid == 0 {
		s.nextTxid = 1
	}
	if _, dup := s.calls[txid]; dup {
		txid = s.nextTxid
		s.nextTxid++
	}
	call.request.Txid = txid
	s.calls[txid] = call

	call.addListener(func(c *rpcCall, prev, cur CallState) {
		switch cur {
		case CallTimeout:
			delete(s.calls, c.request.Txid)
			c.dht.onCallTimeout(c)
		case CallCanceled:
			delete(s.calls, c.request.Txid)
		}
	})
	s.sendMessage(&messageOut{msg: call.request, to: call.target.Id, addr: call.target.Addr, call: call})
}

// sendMessage stamps, encrypts and transmits one message.
func (s *rpcServer) sendMessage(out *messageOut) {
	out.msg.Version = Version

	if out.call != nil {
		out.call.dht.onSend(out.call.targetId())
		out.call.sent(s.node.scheduler)
	}
	s.transmit(out)
}

func (s *rpcServer) sendError(to core.Id, addr *net.UDPAddr, method wire.Method, txid int32, code int, text string) {
	msg := &wire.Message{
		Kind:   wire.KindError,
		Method: method,
		Txid:   txid,
		Body:   &wire.Error{Code: int32(code), Message: text},
	}
	s.sendMessage(&messageOut{msg: msg, to: to, addr: addr})
}

func (s *rpcServer) transmit(out *messageOut) {
	sock := s.sock4
	if out.addr.IP.To4() == nil {
		sock = s.sock6
	}
	if sock == nil {
		s.logger.Warn("No socket for address family", "to", out.addr)
		return
	}

	payload, err := wire.Marshal(out.msg)
	if err != nil {
		s.logger.Error("Cannot serialize message", "err", err)
		return
	}
	sealed, err := s.node.cryptoCache.encrypt(out.to, payload)
	if err != nil {
		s.logger.Error("Cannot encrypt message", "to", out.to, "err", err)
		return
	}
	datagram := make([]byte, 0, core.IdBytes+len(sealed))
	datagram = append(datagram, s.node.Id().Bytes()...)
	datagram = append(datagram, sealed...)

	if _, err := sock.WriteToUDP(datagram, out.addr); err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			s.sendQueue = append(s.sendQueue, out)
			return
		}
		s.logger.Debug("Send failed", "to", out.addr, "err", err)
		return
	}
	s.logger.Trace("Sent message", "method", out.msg.Method, "kind", out.msg.Kind,
		"to", out.addr, "len", len(datagram))
}

// periodic drains the retry queue; invoked from the loop on every tick.
func (s *rpcServer) periodic() {
	if len(s.sendQueue) == 0 {
		return
	}
	queue := s.sendQueue
	s.sendQueue = nil
	for _, out := range queue {
		s.transmit(out)
	}
}

// processMessage validates an incoming message on the loop and routes it to
// the owning DHT or pending call.
func (s *rpcServer) processMessage(in *messageIn) {
	isV4 := in.from.IP.To4() != nil
	if isV4 {
		s.received4++
	} else {
		s.received6++
	}

	msg := in.msg
	s.logger.Trace("Received message", "method", msg.Method, "kind", msg.Kind,
		"from", in.from, "version", core.FormatVersion(msg.Version))

	if msg.Kind != wire.KindError && msg.Txid == 0 {
		s.logger.Warn("Received message with zero transaction id", "from", in.from)
		s.sendError(in.sender, in.from, msg.Method, msg.Txid, core.CodeProtocolError,
			"Invalid transaction id, expected a non-zero value")
		return
	}

	if msg.Kind == wire.KindRequest {
		s.dispatch(in)
		return
	}

	if call, ok := s.calls[msg.Txid]; ok {
		if call.matchesAddress(in.from) {
			delete(s.calls, msg.Txid)
			in.call = call
			call.responded(msg, in.from)
			s.dispatch(in)
			return
		}

		// txid matched, endpoint did not: port-mangling NAT, sloppy
		// multihoming or an attack; never feed it to the routing table
		s.logger.Warn("Transaction id matched but socket address did not, ignoring",
			"requested", call.target.Addr, "from", in.from,
			"version", core.FormatVersion(msg.Version))
		if msg.Kind == wire.KindResponse && !isV4 {
			s.sendError(in.sender, call.target.Addr, msg.Method, msg.Txid, core.CodeProtocolError,
				fmt.Sprintf("A request was sent to %s and a response with matching transaction id arrived from %s. "+
					"Multihomed nodes should bind sockets so responses use the correct source address.",
					call.target.Addr, in.from))
		}
		call.stall()
		return
	}

	// unsolicited response; only complain once past the restart grace
	if msg.Kind == wire.KindResponse && time.Since(s.startTime) > 2*time.Minute {
		s.logger.Warn("Cannot find RPC call for response", "txid", msg.Txid, "from", in.from)
		s.sendError(in.sender, in.from, msg.Method, msg.Txid, core.CodeProtocolError,
			"Received a response whose transaction id matched no pending request, or the transaction expired")
		return
	}

	if msg.Kind == wire.KindError {
		s.dispatch(in)
		return
	}

	s.logger.Debug("Ignored message", "method", msg.Method, "txid", msg.Txid)
}

func (s *rpcServer) dispatch(in *messageIn) {
	d := s.node.dhtFor(in.from)
	if d == nil {
		s.logger.Debug("No DHT instance for address family", "from", in.from)
		return
	}
	d.onMessage(in)
}

// updateReachability maintains the per-family gauges: a family is reachable
// while valid traffic keeps arriving within the timeout window.
func (s *rpcServer) updateReachability(now time.Time) {
	fresh := s.received4 != s.checkpoint4 || s.received6 != s.checkpoint6
	if fresh {
		s.reachable4 = s.received4 != s.checkpoint4 || s.reachable4
		s.reachable6 = s.received6 != s.checkpoint6 || s.reachable6
		s.checkpoint4, s.checkpoint6 = s.received4, s.received6
		s.lastReachableCheck = now
		return
	}
	if now.Sub(s.lastReachableCheck) > RPCServerReachabilityTimeout {
		s.reachable4, s.reachable6 = false, false
	}
}

// isReachable reports whether any family currently sees inbound traffic.
func (s *rpcServer) isReachable() bool { return s.reachable4 || s.reachable6 }

func (s *rpcServer) numActiveCalls() int { return len(s.calls) }
