package dht

import (
	"net"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
)

// candidateNode is a lookup participant: a node we may query, with the
// bookkeeping that orders and deduplicates the candidate set.
type candidateNode struct {
	core.NodeInfo

	firstSeen time.Time
	lastSent  time.Time
	pinged    int
	replied   bool
	token     int32
}

func newCandidateNode(ni core.NodeInfo) *candidateNode {
	return &candidateNode{NodeInfo: ni, firstSeen: time.Now()}
}

func (c *candidateNode) isUnsent() bool   { return c.pinged == 0 }
func (c *candidateNode) isInFlight() bool { return c.pinged > 0 && !c.replied }

func (c *candidateNode) signalSent() {
	c.pinged++
	c.lastSent = time.Now()
}

// closestCandidates keeps the unqueried frontier of a lookup: sorted by
// distance to the target, deduplicated by id and endpoint, capped at 3*K.
type closestCandidates struct {
	target   core.Id
	capacity int
	list     []*candidateNode
	dedup    mapset.Set[string]
}

func newClosestCandidates(target core.Id, capacity int) *closestCandidates {
	return &closestCandidates{
		target:   target,
		capacity: capacity,
		dedup:    mapset.NewThreadUnsafeSet[string](),
	}
}

func (cc *closestCandidates) size() int { return len(cc.list) }

func (cc *closestCandidates) get(id core.Id) *candidateNode {
	for _, c := range cc.list {
		if c.Id == id {
			return c
		}
	}
	return nil
}

// add merges new nodes into the frontier, keeping the closest capacity
// entries. Equal distances order by first-seen, earliest first.
func (cc *closestCandidates) add(nodes []core.NodeInfo) {
	for _, ni := range nodes {
		if !cc.dedup.Add(ni.Id.String()) {
			continue
		}
		if ni.Addr != nil && !cc.dedup.Add(addrKey(ni.Addr)) {
			continue
		}
		cc.list = append(cc.list, newCandidateNode(ni))
	}

	sort.SliceStable(cc.list, func(i, j int) bool {
		cmp := core.ThreeWayCompare(cc.target, cc.list[i].Id, cc.list[j].Id)
		if cmp != 0 {
			return cmp < 0
		}
		return cc.list[i].firstSeen.Before(cc.list[j].firstSeen)
	})

	// trim the tail, but never entries with a call still in flight
	for len(cc.list) > cc.capacity {
		victim := -1
		for i := len(cc.list) - 1; i >= 0; i-- {
			if !cc.list[i].isInFlight() {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		cc.list = append(cc.list[:victim], cc.list[victim+1:]...)
	}
}

// next returns the closest never-queried candidate; it stays in the list.
func (cc *closestCandidates) next() *candidateNode {
	for _, c := range cc.list {
		if c.isUnsent() {
			return c
		}
	}
	return nil
}

func (cc *closestCandidates) remove(id core.Id) {
	for i, c := range cc.list {
		if c.Id == id {
			cc.list = append(cc.list[:i], cc.list[i+1:]...)
			return
		}
	}
}

// nextCloserThan reports whether the frontier still holds an unqueried
// candidate closer to the target than pivot.
func (cc *closestCandidates) nextCloserThan(pivot core.Id) bool {
	c := cc.next()
	if c == nil {
		return false
	}
	return core.ThreeWayCompare(cc.target, c.Id, pivot) < 0
}

func addrKey(a *net.UDPAddr) string { return a.String() }

// closestSet accumulates the K closest responders.
type closestSet struct {
	target   core.Id
	capacity int
	entries  []*candidateNode
}

func newClosestSet(target core.Id, capacity int) *closestSet {
	return &closestSet{target: target, capacity: capacity}
}

func (cs *closestSet) size() int { return len(cs.entries) }

func (cs *closestSet) contains(id core.Id) bool {
	for _, e := range cs.entries {
		if e.Id == id {
			return true
		}
	}
	return false
}

func (cs *closestSet) add(c *candidateNode) {
	if cs.contains(c.Id) {
		return
	}
	cs.entries = append(cs.entries, c)
	sort.Slice(cs.entries, func(i, j int) bool {
		return core.ThreeWayCompare(cs.target, cs.entries[i].Id, cs.entries[j].Id) < 0
	})
	if len(cs.entries) > cs.capacity {
		cs.entries = cs.entries[:cs.capacity]
	}
}

func (cs *closestSet) tail() core.Id {
	if len(cs.entries) == 0 {
		return maxDistanceFrom(cs.target)
	}
	return cs.entries[len(cs.entries)-1].Id
}

// maxDistanceFrom is the id at maximal XOR distance from target.
func maxDistanceFrom(target core.Id) core.Id {
	var far core.Id
	for i := range target {
		far[i] = ^target[i]
	}
	return far
}

// isFullAndStable is the conservative stop condition: the set holds K
// responders and the frontier offers nothing closer than the tail.
func (cs *closestSet) isFullAndStable(cc *closestCandidates) bool {
	if len(cs.entries) < cs.capacity {
		return false
	}
	return !cc.nextCloserThan(cs.tail())
}

// lookupTask drives one iterative lookup; the concrete flavors plug in the
// request builder and response consumption.
type lookupTask struct {
	baseTask

	target     core.Id
	candidates *closestCandidates
	closest    *closestSet
	wantToken  bool
	bootstrap  bool
}

func (t *lookupTask) initLookup(d *DHT, self task, target core.Id) {
	t.init(d, self)
	t.target = target
	t.candidates = newClosestCandidates(target, MaxEntriesPerBucket*3)
	t.closest = newClosestSet(target, MaxEntriesPerBucket)
}

// injectCandidates seeds the frontier, either from the routing table or
// from bootstrap responses.
func (t *lookupTask) injectCandidates(nodes []core.NodeInfo) {
	t.candidates.add(nodes)
}

func (t *lookupTask) seedFromRoutingTable() {
	kc := newKClosestNodes(t.target, MaxEntriesPerBucket*3)
	kc.filter = func(e *kBucketEntry) bool { return e.eligibleForNodesList() }
	kc.fill(t.dht.routingTable)
	t.candidates.add(kc.asNodeList())
}

// addLookupResponse folds a response's node list and token into the lookup
// state.
func (t *lookupTask) addLookupResponse(call *rpcCall, nodes []wire.NodeEntry, token int32) {
	cand := t.candidates.get(call.targetId())
	if cand != nil {
		cand.replied = true
		if t.wantToken {
			cand.token = token
		}
		t.closest.add(cand)
	}

	fresh := make([]core.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		id, err := core.IdFromBytes(n.Id)
		if err != nil || id == t.dht.node.Id() {
			continue
		}
		fresh = append(fresh, core.NodeInfo{Id: id, Addr: &net.UDPAddr{IP: n.IP, Port: int(n.Port)}})
	}
	t.candidates.add(fresh)
}

func (t *lookupTask) lookupDone() bool {
	return t.candidates.next() == nil || t.closest.isFullAndStable(t.candidates)
}

// sendToNextCandidates queries unsent frontier entries while the budget allows,
// sending the request produced by build.
func (t *lookupTask) sendToNextCandidates(build func(*candidateNode) *wire.Message) {
	for t.canDoRequest() {
		if t.closest.isFullAndStable(t.candidates) {
			return
		}
		cand := t.candidates.next()
		if cand == nil {
			return
		}
		req := build(cand)
		if !t.sendCall(cand.NodeInfo, req, func(*rpcCall) { cand.signalSent() }) {
			return
		}
	}
}

// wantFlags composes the request want bits for this DHT's family.
func (t *lookupTask) wantFlags() int32 {
	var want int32
	if t.dht.family == familyIPv4 {
		want |= wire.WantIPv4
	} else {
		want |= wire.WantIPv6
	}
	if t.wantToken {
		want |= wire.WantToken
	}
	return want
}

// nodesForFamily picks the node list matching this DHT's family.
func (t *lookupTask) nodesForFamily(n4, n6 []wire.NodeEntry) []wire.NodeEntry {
	if t.dht.family == familyIPv4 {
		return n4
	}
	return n6
}
