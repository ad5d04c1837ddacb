package dht

import (
	"net"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
	"github.com/corvid-net/corvid/log"
	"github.com/corvid-net/corvid/storage"
)

type family int

const (
	familyIPv4 family = iota
	familyIPv6
)

func (f family) String() string {
	if f == familyIPv4 {
		return "ipv4"
	}
	return "ipv6"
}

// DHT is one overlay instance bound to a single address family. A node
// runs up to two, sharing the RPC server, storage and token manager.
type DHT struct {
	family family
	node   *Node
	addr   *net.UDPAddr
	server *rpcServer

	routingTable *routingTable
	taskMan      *taskManager

	bootstrapNodes []core.NodeInfo
	knownNodes     map[string]core.Id

	bootstrapping bool
	lastBootstrap time.Time

	persistFile string
	lastSave    time.Time

	maintenanceTasks map[*kBucket]task

	running bool
	logger  log.Logger
}

func newDHT(f family, node *Node, addr *net.UDPAddr) *DHT {
	d := &DHT{
		family:           f,
		node:             node,
		addr:             addr,
		knownNodes:       make(map[string]core.Id),
		maintenanceTasks: make(map[*kBucket]task),
		logger:           node.logger.With("dht", f.String()),
	}
	d.routingTable = newRoutingTable(node.Id(), d.logger)
	d.taskMan = newTaskManager(d)
	return d
}

func (d *DHT) isRunning() bool { return d.running }

func (d *DHT) bootstrapIds() []core.Id {
	ids := make([]core.Id, 0, len(d.bootstrapNodes))
	for _, n := range d.bootstrapNodes {
		ids = append(ids, n.Id)
	}
	return ids
}

func (d *DHT) canUseAddress(addr *net.UDPAddr) bool {
	if addr == nil {
		return false
	}
	isV4 := addr.IP.To4() != nil
	return (d.family == familyIPv4) == isV4
}

// start loads the cached routing table, verifies it and schedules the
// periodic upkeep jobs.
func (d *DHT) start(bootstrapNodes []core.NodeInfo) {
	if d.running {
		return
	}
	if d.persistFile != "" {
		if err := d.routingTable.load(d.persistFile); err != nil {
			d.logger.Error("Cannot load routing table cache", "err", err)
		}
	}
	for _, n := range bootstrapNodes {
		if d.canUseAddress(n.Addr) {
			d.bootstrapNodes = append(d.bootstrapNodes, n)
		}
	}

	d.logger.Info("Starting DHT", "addr", d.addr)
	d.running = true

	sched := d.node.scheduler

	sched.Add(func() { d.taskMan.dequeue() }, 5*time.Second, DHTUpdateInterval)

	// verify entries that came from the cache file before trusting them
	for _, bucket := range d.routingTable.buckets {
		if bucket.size() == 0 {
			continue
		}
		t := newPingRefreshTask(d, bucket, pingRefreshOptions{removeOnTimeout: true})
		t.setName("Bootstrap: cached table ping " + bucket.prefix.String())
		d.taskMan.add(t)
	}

	d.bootstrap()

	// first table snapshot after two minutes, then at the regular cadence
	d.lastSave = time.Now().Add(-RoutingTablePersistInterval + 2*time.Minute)

	sched.Add(func() { d.update() }, 5*time.Second, DHTUpdateInterval)

	sched.Add(func() {
		if d.server.numActiveCalls() > 0 {
			return
		}
		entry := d.routingTable.getRandomEntry()
		if entry == nil {
			return
		}
		req := &wire.Message{Kind: wire.KindRequest, Method: wire.MethodPing, Body: &wire.PingRequest{}}
		d.server.sendCall(newRPCCall(d, entry.NodeInfo, req))
	}, RandomPingInterval, RandomPingInterval)

	// deep lookups keep us known across the keyspace
	sched.Add(func() {
		t := newNodeLookup(d, core.RandomId())
		t.setName(d.family.String() + ": random refresh lookup")
		d.taskMan.add(t)
	}, RandomLookupInterval, RandomLookupInterval)
}

func (d *DHT) stop() {
	if !d.running {
		return
	}
	d.logger.Info("Initiated DHT shutdown")
	d.running = false
	if d.persistFile != "" {
		if err := d.routingTable.save(d.persistFile); err != nil {
			d.logger.Error("Cannot persist routing table", "err", err)
		}
	}
	d.taskMan.cancelAll()
}

// update is the regular upkeep tick.
func (d *DHT) update() {
	if !d.running {
		return
	}
	now := time.Now()
	d.server.updateReachability(now)

	for _, bucket := range d.routingTable.maintenance(d.bootstrapIds()) {
		d.tryPingMaintenance(bucket, pingRefreshOptions{probeCache: true},
			"Refreshing bucket "+bucket.prefix.String())
	}

	if d.routingTable.numEntries() < BootstrapIfLessThanPeers ||
		now.Sub(d.lastBootstrap) > SelfLookupInterval {
		d.bootstrap()
	}

	if d.persistFile != "" && now.Sub(d.lastSave) > RoutingTablePersistInterval {
		d.logger.Debug("Persisting routing table")
		if err := d.routingTable.save(d.persistFile); err != nil {
			d.logger.Error("Cannot persist routing table", "err", err)
		}
		d.lastSave = now
	}
}

func (d *DHT) tryPingMaintenance(bucket *kBucket, options pingRefreshOptions, name string) {
	if _, busy := d.maintenanceTasks[bucket]; busy {
		return
	}
	t := newPingRefreshTask(d, bucket, options)
	t.setName(name)
	t.addListener(func(task) { delete(d.maintenanceTasks, bucket) })
	d.maintenanceTasks[bucket] = t
	d.taskMan.add(t)
}

// bootstrap queries every bootstrap node for a random target and fills the
// home bucket from the answers.
func (d *DHT) bootstrap() {
	if !d.running || len(d.bootstrapNodes) == 0 ||
		time.Since(d.lastBootstrap) < BootstrapMinInterval || d.bootstrapping {
		return
	}
	d.bootstrapping = true
	d.logger.Info("DHT bootstrapping", "nodes", len(d.bootstrapNodes))

	var nodes []core.NodeInfo
	remaining := len(d.bootstrapNodes)

	for _, bn := range d.bootstrapNodes {
		var want int32 = wire.WantIPv4
		if d.family == familyIPv6 {
			want = wire.WantIPv6
		}
		req := &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodFindNode,
			Body:   &wire.FindNodeRequest{Target: core.RandomId().Bytes(), Want: want},
		}
		call := newRPCCall(d, bn, req)
		call.addListener(func(c *rpcCall, prev, cur CallState) {
			if !cur.isTerminal() || cur == CallCanceled {
				return
			}
			if cur == CallResponded {
				if r, ok := c.response.Body.(*wire.FindNodeResponse); ok {
					entries := r.Nodes4
					if d.family == familyIPv6 {
						entries = r.Nodes6
					}
					for _, e := range entries {
						if id, err := core.IdFromBytes(e.Id); err == nil {
							nodes = append(nodes, core.NodeInfo{
								Id:   id,
								Addr: &net.UDPAddr{IP: e.IP, Port: int(e.Port)},
							})
						}
					}
				}
			}
			remaining--
			if remaining == 0 {
				d.lastBootstrap = time.Now()
				d.fillHomeBucket(nodes)
			}
		})
		d.server.sendCall(call)
	}
}

// bootstrapWith adds one bootstrap node at runtime and re-runs bootstrap.
func (d *DHT) bootstrapWith(ni core.NodeInfo) {
	if !d.canUseAddress(ni.Addr) || ni.Id == d.node.Id() {
		return
	}
	for _, existing := range d.bootstrapNodes {
		if existing.Id == ni.Id {
			return
		}
	}
	d.bootstrapNodes = append(d.bootstrapNodes, ni)
	d.lastBootstrap = time.Time{}
	d.bootstrap()
}

func (d *DHT) fillHomeBucket(nodes []core.NodeInfo) {
	if d.routingTable.numEntries() == 0 && len(nodes) == 0 {
		d.bootstrapping = false
		return
	}
	t := newNodeLookup(d, d.node.Id())
	t.bootstrap = true
	t.setName("Bootstrap: filling home bucket")
	t.injectCandidates(nodes)
	t.addListener(func(task) {
		d.bootstrapping = false
		if !d.running {
			return
		}
		if d.routingTable.numEntries() > MaxEntriesPerBucket+2 {
			d.fillBuckets()
		}
	})
	d.taskMan.add(t)
}

// fillBuckets runs a lookup on a random id inside every partially
// populated bucket's prefix.
func (d *DHT) fillBuckets() {
	for _, bucket := range d.routingTable.underpopulatedBuckets() {
		bucket.updateRefreshTime()
		t := newNodeLookup(d, bucket.prefix.RandomId())
		t.setName("Filling bucket " + bucket.prefix.String())
		d.taskMan.add(t)
	}
}

// onMessage routes one verified datagram.
func (d *DHT) onMessage(in *messageIn) {
	if !d.running {
		return
	}
	if in.sender == d.node.Id() || d.isSelfAddress(in.from) {
		return
	}

	switch in.msg.Kind {
	case wire.KindRequest:
		d.onRequest(in)
	case wire.KindError:
		d.onError(in)
	}

	d.received(in)
}

func (d *DHT) isSelfAddress(addr *net.UDPAddr) bool {
	bound := d.server.bound4
	if d.family == familyIPv6 {
		bound = d.server.bound6
	}
	return bound != nil && bound.Port == addr.Port && bound.IP.Equal(addr.IP)
}

// received feeds the sender into the routing table, guarding against
// bogons, address changes and id spoofing.
func (d *DHT) received(in *messageIn) {
	addr := in.from
	if !d.node.config.DevelopmentMode && isBogon(addr.IP) {
		d.logger.Debug("Message from bogon address, table not updated", "from", addr)
		return
	}

	// only nodes with stable ports belong in the routing table
	if in.call != nil && (!in.call.matchesAddress(addr) || !in.call.matchesId(in.sender)) {
		return
	}

	if old := d.routingTable.getEntry(in.sender); old != nil && !sameUDPAddr(old.Addr, addr) {
		// ports or address changed (broken NAT?): ignore until the old
		// entry times out
		return
	}

	key := addr.String()
	if knownId, ok := d.knownNodes[key]; ok && knownId != in.sender {
		if knownEntry := d.routingTable.getEntry(knownId); knownEntry != nil {
			// id changed under a known address: spoofing or a restarted
			// node; either way the old binding goes, and the bucket gets
			// a full check in case of pollution
			d.logger.Warn("Force-removing routing table entry after id change",
				"addr", addr, "old", knownId, "new", in.sender)
			d.routingTable.remove(knownId)
			bucket := d.routingTable.bucketOf(knownId)
			d.tryPingMaintenance(bucket, pingRefreshOptions{checkAll: true},
				"Checking bucket "+bucket.prefix.String()+" after id change")
			d.knownNodes[key] = in.sender
			return
		}
		delete(d.knownNodes, key)
	}
	d.knownNodes[key] = in.sender

	entry := newKBucketEntry(in.sender, addr, in.msg.Version)
	if in.call != nil {
		entry.signalResponse()
		entry.signalRequest()
	} else if d.routingTable.getEntry(in.sender) == nil {
		// verify unsolicited contacts; also speeds up bootstrap
		req := &wire.Message{Kind: wire.KindRequest, Method: wire.MethodPing, Body: &wire.PingRequest{}}
		d.server.sendCall(newRPCCall(d, entry.NodeInfo, req))
	}
	d.routingTable.put(entry)
}

func sameUDPAddr(a, b *net.UDPAddr) bool {
	return a != nil && b != nil && a.Port == b.Port && a.IP.Equal(b.IP)
}

func (d *DHT) onRequest(in *messageIn) {
	switch in.msg.Method {
	case wire.MethodPing:
		d.onPing(in)
	case wire.MethodFindNode:
		d.onFindNode(in)
	case wire.MethodFindValue:
		d.onFindValue(in)
	case wire.MethodStoreValue:
		d.onStoreValue(in)
	case wire.MethodFindPeer:
		d.onFindPeers(in)
	case wire.MethodAnnouncePeer:
		d.onAnnouncePeer(in)
	default:
		d.sendError(in, core.CodeProtocolError, "Invalid request method")
	}
}

func (d *DHT) onError(in *messageIn) {
	e, ok := in.msg.Body.(*wire.Error)
	if !ok {
		return
	}
	d.logger.Warn("Error message from peer", "from", in.from,
		"version", core.FormatVersion(in.msg.Version), "code", e.Code,
		"message", e.Message, "txid", in.msg.Txid)
}

func (d *DHT) sendError(in *messageIn, code int, text string) {
	d.server.sendError(in.sender, in.from, in.msg.Method, in.msg.Txid, code, text)
}

func (d *DHT) reply(in *messageIn, body any) {
	msg := &wire.Message{
		Kind:   wire.KindResponse,
		Method: in.msg.Method,
		Txid:   in.msg.Txid,
		Body:   body,
	}
	d.server.sendMessage(&messageOut{msg: msg, to: in.sender, addr: in.from})
}

func (d *DHT) onPing(in *messageIn) {
	d.reply(in, &wire.PingResponse{})
}

func (d *DHT) onFindNode(in *messageIn) {
	req, ok := in.msg.Body.(*wire.FindNodeRequest)
	if !ok {
		d.sendError(in, core.CodeProtocolError, "Invalid request body")
		return
	}
	target, err := core.IdFromBytes(req.Target)
	if err != nil {
		d.sendError(in, core.CodeProtocolError, "Invalid target id")
		return
	}

	resp := &wire.FindNodeResponse{}
	d.populateClosestNodes(&resp.Nodes4, &resp.Nodes6, target, req.Wants4(), req.Wants6())
	if req.WantsToken() {
		resp.Token = d.node.tokenMan.generate(in.sender, in.from, target)
	}
	d.reply(in, resp)
}

func (d *DHT) onFindValue(in *messageIn) {
	req, ok := in.msg.Body.(*wire.FindValueRequest)
	if !ok {
		d.sendError(in, core.CodeProtocolError, "Invalid request body")
		return
	}
	target, err := core.IdFromBytes(req.Target)
	if err != nil {
		d.sendError(in, core.CodeProtocolError, "Invalid target id")
		return
	}

	resp := &wire.FindValueResponse{}
	resp.Token = d.node.tokenMan.generate(in.sender, in.from, target)

	hasValue := false
	if value, err := d.node.store.GetValue(target); err == nil && value != nil {
		if req.Seq < 0 || value.SequenceNumber() < 0 || req.Seq <= value.SequenceNumber() {
			hasValue = true
			resp.PublicKey, resp.Recipient, resp.Nonce, resp.Signature, resp.Seq = wireFromValue(*value)
			resp.Data = value.Data()
		}
	}
	if !hasValue {
		d.populateClosestNodes(&resp.Nodes4, &resp.Nodes6, target, req.Wants4(), req.Wants6())
	}
	d.reply(in, resp)
}

func (d *DHT) onStoreValue(in *messageIn) {
	req, ok := in.msg.Body.(*wire.StoreValueRequest)
	if !ok {
		d.sendError(in, core.CodeProtocolError, "Invalid request body")
		return
	}
	value, err := valueFromWire(req.PublicKey, req.Recipient, req.Nonce, req.Signature, req.Seq, req.Data)
	if err != nil || !value.IsValid() {
		d.sendError(in, core.CodeValueError, "Invalid value")
		return
	}
	valueId := value.Id()
	if !d.node.tokenMan.verify(req.Token, in.sender, in.from, valueId) {
		d.logger.Warn("STORE_VALUE with invalid token", "from", in.from)
		d.sendError(in, core.CodeProtocolError, "Invalid token for STORE VALUE request")
		return
	}

	expectedSeq := int32(-1)
	if req.CAS != nil {
		expectedSeq = *req.CAS
	}
	if _, err := d.node.store.PutValue(value, expectedSeq, false, false); err != nil {
		if storage.IsValueError(err) {
			d.sendError(in, core.CodeValueError, err.Error())
		} else {
			d.logger.Error("Cannot store value", "id", valueId, "err", err)
			d.sendError(in, core.CodeGenericError, "Internal error")
		}
		return
	}
	d.reply(in, &wire.StoreValueResponse{})
}

func (d *DHT) onFindPeers(in *messageIn) {
	req, ok := in.msg.Body.(*wire.FindPeerRequest)
	if !ok {
		d.sendError(in, core.CodeProtocolError, "Invalid request body")
		return
	}
	target, err := core.IdFromBytes(req.Target)
	if err != nil {
		d.sendError(in, core.CodeProtocolError, "Invalid target id")
		return
	}

	resp := &wire.FindPeerResponse{}
	resp.Token = d.node.tokenMan.generate(in.sender, in.from, target)

	peers, err := d.node.store.GetPeers(target, MaxPeerAnnounces)
	if err != nil {
		d.logger.Error("Cannot load peers", "id", target, "err", err)
	}
	if len(peers) > 0 {
		entries := make([]wire.PeerEntry, 0, len(peers))
		for _, p := range peers {
			entries = append(entries, peerToWire(p))
		}
		if d.family == familyIPv4 {
			resp.Peers4 = entries
		} else {
			resp.Peers6 = entries
		}
	} else {
		d.populateClosestNodes(&resp.Nodes4, &resp.Nodes6, target, req.Wants4(), req.Wants6())
	}
	d.reply(in, resp)
}

func (d *DHT) onAnnouncePeer(in *messageIn) {
	req, ok := in.msg.Body.(*wire.AnnouncePeerRequest)
	if !ok {
		d.sendError(in, core.CodeProtocolError, "Invalid request body")
		return
	}
	if !d.node.config.DevelopmentMode && isBogon(in.from.IP) {
		d.logger.Debug("ANNOUNCE_PEER from bogon address ignored", "from", in.from)
		return
	}

	peerId, err := core.IdFromBytes(req.PeerId)
	if err != nil {
		d.sendError(in, core.CodeProtocolError, "Invalid peer id")
		return
	}
	if !d.node.tokenMan.verify(req.Token, in.sender, in.from, peerId) {
		d.logger.Warn("ANNOUNCE_PEER with invalid token", "from", in.from)
		d.sendError(in, core.CodeProtocolError, "Invalid token for ANNOUNCE PEER request")
		return
	}

	nodeId, err := core.IdFromBytes(req.NodeId)
	if err != nil {
		d.sendError(in, core.CodeProtocolError, "Invalid node id")
		return
	}
	peer := core.PeerInfoOf(peerId, nodeId, in.sender, req.Port, req.AltURL, req.Signature)
	if !peer.IsValid() {
		d.sendError(in, core.CodeProtocolError, "Invalid announcement signature")
		return
	}
	d.logger.Debug("Saving announced peer", "peer", peerId, "from", in.from)
	if err := d.node.store.PutPeer(peer, false, false); err != nil {
		d.logger.Error("Cannot store peer", "id", peerId, "err", err)
		d.sendError(in, core.CodeGenericError, "Internal error")
		return
	}
	d.reply(in, &wire.AnnouncePeerResponse{})
}

// populateClosestNodes fills the per-family node lists of a lookup
// response, consulting the sibling DHT for the other family.
func (d *DHT) populateClosestNodes(nodes4, nodes6 *[]wire.NodeEntry, target core.Id, want4, want6 bool) {
	if want4 {
		if dht4 := d.node.dht4; dht4 != nil {
			*nodes4 = toWireNodes(dht4.closestNodes(target))
		}
	}
	if want6 {
		if dht6 := d.node.dht6; dht6 != nil {
			*nodes6 = toWireNodes(dht6.closestNodes(target))
		}
	}
}

func (d *DHT) closestNodes(target core.Id) []core.NodeInfo {
	kc := newKClosestNodes(target, MaxEntriesPerBucket)
	kc.fill(d.routingTable)
	return kc.asNodeList()
}

func toWireNodes(nodes []core.NodeInfo) []wire.NodeEntry {
	out := make([]wire.NodeEntry, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodeEntry{Id: n.Id.Bytes(), IP: n.Addr.IP, Port: uint16(n.Addr.Port)})
	}
	return out
}

func (d *DHT) onCallTimeout(call *rpcCall) {
	if !d.running || !d.server.isReachable() {
		return
	}
	d.routingTable.onTimeout(call.targetId())
}

func (d *DHT) onSend(id core.Id) {
	if !d.running {
		return
	}
	d.routingTable.onSend(id)
}

// findNode looks up a node and reports its NodeInfo, nil when not found.
func (d *DHT) findNode(id core.Id, complete func(*core.NodeInfo)) task {
	t := newNodeLookup(d, id)
	t.addListener(func(task) {
		if e := d.routingTable.getEntry(id); e != nil {
			ni := e.NodeInfo
			complete(&ni)
			return
		}
		// the lookup itself may have reached the target even if the
		// table has no room for it
		for _, c := range t.closestSetEntries() {
			if c.Id == id {
				ni := c.NodeInfo
				complete(&ni)
				return
			}
		}
		complete(nil)
	})
	t.setName("User-level node lookup")
	d.taskMan.add(t)
	return t
}

// findValue looks up a value; conservative lookups keep going for a newer
// sequence.
func (d *DHT) findValue(id core.Id, option core.LookupOption, complete func(*core.Value)) task {
	t := newValueLookup(d, id)
	var best *core.Value
	t.resultHandler = func(v core.Value) {
		if best == nil || (v.IsMutable() && best.SequenceNumber() < v.SequenceNumber()) {
			value := v
			best = &value
		}
		if option != core.LookupConservative || !v.IsMutable() {
			t.cancel()
		}
	}
	t.addListener(func(task) { complete(best) })
	t.setName("User-level value lookup")
	d.taskMan.add(t)
	return t
}

// storeValue runs the lookup-then-announce pair for a value.
func (d *DHT) storeValue(value core.Value, complete func([]core.NodeInfo, error)) task {
	t := newNodeLookup(d, value.Id())
	t.wantToken = true
	t.addListener(func(done task) {
		if done.state() != taskFinished {
			complete(nil, &core.StateError{Op: "dht: store value"})
			return
		}
		closest := t.closestSetEntries()
		if len(closest) == 0 {
			// the routing table may still be empty before bootstrap
			d.logger.Warn("Value announce aborted: node lookup produced an empty closest set")
			complete(nil, nil)
			return
		}
		announce := newValueAnnounce(d, closest, value)
		announce.addListener(func(task) {
			result := make([]core.NodeInfo, 0, len(closest))
			for _, c := range closest {
				result = append(result, c.NodeInfo)
			}
			complete(result, nil)
		})
		announce.setName("Nested value announce")
		t.setNested(announce)
		d.taskMan.add(announce)
	})
	t.setName("Store value task")
	d.taskMan.add(t)
	return t
}

// findPeer collects announcements under a peer id until expected are found
// (or the lookup is exhausted).
func (d *DHT) findPeer(id core.Id, expected int, option core.LookupOption, complete func([]core.PeerInfo)) task {
	t := newPeerLookup(d, id)
	var peers []core.PeerInfo
	t.resultHandler = func(found []core.PeerInfo) {
		peers = append(peers, found...)
		if option != core.LookupConservative && expected > 0 && len(peers) >= expected {
			t.cancel()
		}
	}
	t.addListener(func(task) { complete(peers) })
	t.setName("User-level peer lookup")
	d.taskMan.add(t)
	return t
}

// announcePeer runs the lookup-then-announce pair for a peer announcement.
func (d *DHT) announcePeer(peer core.PeerInfo, complete func([]core.NodeInfo, error)) task {
	t := newNodeLookup(d, peer.Id())
	t.wantToken = true
	t.addListener(func(done task) {
		if done.state() != taskFinished {
			complete(nil, &core.StateError{Op: "dht: announce peer"})
			return
		}
		closest := t.closestSetEntries()
		if len(closest) == 0 {
			d.logger.Warn("Peer announce aborted: node lookup produced an empty closest set")
			complete(nil, nil)
			return
		}
		announce := newPeerAnnounce(d, closest, peer)
		announce.addListener(func(task) {
			result := make([]core.NodeInfo, 0, len(closest))
			for _, c := range closest {
				result = append(result, c.NodeInfo)
			}
			complete(result, nil)
		})
		announce.setName("Nested peer announce")
		t.setNested(announce)
		d.taskMan.add(announce)
	})
	t.setName("Announce peer task")
	d.taskMan.add(t)
	return t
}
