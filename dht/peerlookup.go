package dht

import (
	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
)

// peerLookup retrieves announcements under a peer id.
type peerLookup struct {
	lookupTask

	resultHandler func([]core.PeerInfo)
}

func newPeerLookup(d *DHT, target core.Id) *peerLookup {
	t := &peerLookup{}
	t.initLookup(d, t, target)
	t.update = t.doLookup
	t.onResponse = t.handleResponse
	t.onTimeout = t.handleTimeout
	t.isDone = t.lookupDone
	return t
}

func (t *peerLookup) start() {
	t.seedFromRoutingTable()
	t.baseTask.start()
}

func (t *peerLookup) doLookup() {
	t.sendToNextCandidates(func(*candidateNode) *wire.Message {
		return &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodFindPeer,
			Body:   &wire.FindPeerRequest{Target: t.target.Bytes(), Want: t.wantFlags()},
		}
	})
}

func (t *peerLookup) handleResponse(call *rpcCall, msg *wire.Message) {
	r, ok := msg.Body.(*wire.FindPeerResponse)
	if !ok {
		return
	}
	t.addLookupResponse(call, t.nodesForFamily(r.Nodes4, r.Nodes6), r.Token)

	entries := r.Peers4
	if t.dht.family == familyIPv6 {
		entries = r.Peers6
	}
	if len(entries) == 0 {
		return
	}

	peers := make([]core.PeerInfo, 0, len(entries))
	for _, e := range entries {
		peer, err := peerFromWire(e)
		if err != nil || peer.Id() != t.target || !peer.IsValid() {
			t.logger.Warn("Ignoring invalid peer announcement in response", "from", call.targetId())
			continue
		}
		peers = append(peers, peer)
	}
	if len(peers) > 0 && t.resultHandler != nil {
		t.resultHandler(peers)
	}
}

func (t *peerLookup) handleTimeout(call *rpcCall) {
	t.candidates.remove(call.targetId())
}

func peerFromWire(e wire.PeerEntry) (core.PeerInfo, error) {
	peerId, err := core.IdFromBytes(e.PeerId)
	if err != nil {
		return core.PeerInfo{}, err
	}
	nodeId, err := core.IdFromBytes(e.NodeId)
	if err != nil {
		return core.PeerInfo{}, err
	}
	return core.PeerInfoOf(peerId, nodeId, nodeId, e.Port, e.URL, e.Signature), nil
}

func peerToWire(p core.PeerInfo) wire.PeerEntry {
	return wire.PeerEntry{
		PeerId:    p.Id().Bytes(),
		NodeId:    p.NodeId().Bytes(),
		Port:      p.Port(),
		URL:       p.AlternativeURL(),
		Signature: p.Signature(),
	}
}
