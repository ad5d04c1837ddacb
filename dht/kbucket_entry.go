package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/corvid-net/corvid/core"
)

// kBucketEntry is a routing-table resident: a known node plus the liveness
// bookkeeping that decides eviction and nodes-list eligibility.
type kBucketEntry struct {
	core.NodeInfo

	created  time.Time
	lastSeen time.Time
	lastSend time.Time

	reachable      bool
	failedRequests int
}

func newKBucketEntry(id core.Id, addr *net.UDPAddr, version uint32) *kBucketEntry {
	now := time.Now()
	return &kBucketEntry{
		NodeInfo: core.NodeInfo{Id: id, Addr: addr, Version: version},
		created:  now,
		lastSeen: now,
	}
}

// isReachable reports whether the node has answered on its current address.
func (e *kBucketEntry) isReachable() bool { return e.reachable }

// eligibleForNodesList gates inclusion in FIND_* responses.
func (e *kBucketEntry) eligibleForNodesList() bool {
	return e.reachable && !e.isBad()
}

func (e *kBucketEntry) neverContacted() bool { return e.lastSend.IsZero() }

// isBad marks an entry for replacement: too many consecutive failures, or
// old, stale and repeatedly failing.
func (e *kBucketEntry) isBad() bool {
	if e.failedRequests >= KBucketMaxTimeouts {
		return true
	}
	return e.oldAndStale()
}

func (e *kBucketEntry) oldAndStale() bool {
	return e.failedRequests > KBucketOldAndStaleTimeouts &&
		time.Since(e.lastSeen) > KBucketOldAndStaleTime
}

// removableWithoutReplacement identifies entries that may be dropped during
// merges without promoting a substitute.
func (e *kBucketEntry) removableWithoutReplacement() bool {
	return e.failedRequests > 0 && e.oldAndStale()
}

// withinBackoffWindow suppresses maintenance pings against entries that
// already failed recently; the window grows with consecutive failures.
func (e *kBucketEntry) withinBackoffWindow(now time.Time) bool {
	if e.failedRequests == 0 || e.lastSend.IsZero() {
		return false
	}
	shift := e.failedRequests
	if shift > 8 {
		shift = 8
	}
	if backoff := KBucketPingBackoffBaseInterval << shift; backoff <= KBucketMaxPingBackoffInterval {
		return now.Before(e.lastSend.Add(backoff))
	}
	return now.Before(e.lastSend.Add(KBucketMaxPingBackoffInterval))
}

func (e *kBucketEntry) needsPing(now time.Time) bool {
	if e.withinBackoffWindow(now) {
		return false
	}
	return now.Sub(e.lastSeen) > 30*time.Second || e.failedRequests > 0
}

// signalResponse records a verified reply: the entry becomes reachable and
// its failure count resets.
func (e *kBucketEntry) signalResponse() {
	e.lastSeen = time.Now()
	e.failedRequests = 0
	e.reachable = true
}

// signalRequest records an outgoing RPC.
func (e *kBucketEntry) signalRequest() {
	e.lastSend = time.Now()
}

// signalRequestTimeout records a failed RPC.
func (e *kBucketEntry) signalRequestTimeout() {
	e.failedRequests++
}

// merge folds the state of another observation of the same node into e.
func (e *kBucketEntry) merge(o *kBucketEntry) {
	if e.Id != o.Id {
		return
	}
	if o.created.Before(e.created) {
		e.created = o.created
	}
	if o.lastSeen.After(e.lastSeen) {
		e.lastSeen = o.lastSeen
	}
	if o.lastSend.After(e.lastSend) {
		e.lastSend = o.lastSend
	}
	if o.reachable {
		// a verified observation clears the failure history
		e.reachable = true
		e.failedRequests = 0
	} else if o.failedRequests > 0 && o.failedRequests < e.failedRequests {
		e.failedRequests = o.failedRequests
	}
	if o.Version != 0 {
		e.Version = o.Version
	}
}

func (e *kBucketEntry) String() string {
	return fmt.Sprintf("%s@%s seen=%s ago fails=%d reachable=%t",
		e.Id, e.Addr, time.Since(e.lastSeen).Truncate(time.Second), e.failedRequests, e.reachable)
}

// persistent form of an entry in the routing-table cache file
type entryRecord struct {
	Id       []byte `cbor:"id"`
	IP       []byte `cbor:"ip"`
	Port     uint16 `cbor:"port"`
	Version  uint32 `cbor:"v,omitempty"`
	Created  int64  `cbor:"created"`
	LastSeen int64  `cbor:"seen"`
}

func (e *kBucketEntry) toRecord() entryRecord {
	ip := e.Addr.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	return entryRecord{
		Id:       e.Id.Bytes(),
		IP:       ip,
		Port:     uint16(e.Addr.Port),
		Version:  e.Version,
		Created:  e.created.UnixMilli(),
		LastSeen: e.lastSeen.UnixMilli(),
	}
}

func (rec *entryRecord) toEntry() (*kBucketEntry, error) {
	id, err := core.IdFromBytes(rec.Id)
	if err != nil {
		return nil, err
	}
	if len(rec.IP) != net.IPv4len && len(rec.IP) != net.IPv6len {
		return nil, fmt.Errorf("dht: invalid cached address for %s", id)
	}
	e := newKBucketEntry(id, &net.UDPAddr{IP: net.IP(rec.IP), Port: int(rec.Port)}, rec.Version)
	e.created = time.UnixMilli(rec.Created)
	e.lastSeen = time.UnixMilli(rec.LastSeen)
	return e, nil
}
