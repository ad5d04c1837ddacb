package dht

import (
	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
)

// nodeLookup iteratively converges on the K closest reachable nodes around
// a target id.
type nodeLookup struct {
	lookupTask
}

func newNodeLookup(d *DHT, target core.Id) *nodeLookup {
	t := &nodeLookup{}
	t.initLookup(d, t, target)
	t.update = t.doLookup
	t.onResponse = t.handleResponse
	t.onTimeout = t.handleTimeout
	t.isDone = t.lookupDone
	return t
}

func (t *nodeLookup) start() {
	t.seedFromRoutingTable()
	t.baseTask.start()
}

func (t *nodeLookup) doLookup() {
	t.sendToNextCandidates(func(*candidateNode) *wire.Message {
		return &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodFindNode,
			Body:   &wire.FindNodeRequest{Target: t.target.Bytes(), Want: t.wantFlags()},
		}
	})
}

func (t *nodeLookup) handleResponse(call *rpcCall, msg *wire.Message) {
	r, ok := msg.Body.(*wire.FindNodeResponse)
	if !ok {
		return
	}
	t.addLookupResponse(call, t.nodesForFamily(r.Nodes4, r.Nodes6), r.Token)
}

func (t *nodeLookup) handleTimeout(call *rpcCall) {
	t.candidates.remove(call.targetId())
}

// closestSetEntries exposes the result for announce consumers.
func (t *nodeLookup) closestSetEntries() []*candidateNode {
	return t.closest.entries
}
