package dht

import (
	"sort"

	"github.com/corvid-net/corvid/core"
)

// kClosestNodes collects the closest eligible routing-table entries around
// a target, widening bucket by bucket until the goal is met.
type kClosestNodes struct {
	target  core.Id
	maxSize int
	entries []*kBucketEntry
	filter  func(*kBucketEntry) bool
}

func newKClosestNodes(target core.Id, maxSize int) *kClosestNodes {
	return &kClosestNodes{
		target:  target,
		maxSize: maxSize,
		filter:  func(e *kBucketEntry) bool { return e.eligibleForNodesList() },
	}
}

// fill walks outward from the target's bucket, alternating below and above,
// until enough entries are gathered or the table is exhausted.
func (kc *kClosestNodes) fill(rt *routingTable) {
	idx := rt.indexOf(kc.target)
	kc.insertEntries(rt.buckets[idx])

	low, high := idx, idx
	for len(kc.entries) < kc.maxSize {
		if low == 0 && high == len(rt.buckets)-1 {
			break
		}
		if low > 0 {
			low--
			kc.insertEntries(rt.buckets[low])
		}
		if high < len(rt.buckets)-1 {
			high++
			kc.insertEntries(rt.buckets[high])
		}
	}
	kc.shave()
}

func (kc *kClosestNodes) insertEntries(bucket *kBucket) {
	for _, e := range bucket.entries {
		if kc.filter(e) {
			kc.entries = append(kc.entries, e)
		}
	}
}

func (kc *kClosestNodes) shave() {
	sort.Slice(kc.entries, func(i, j int) bool {
		return core.ThreeWayCompare(kc.target, kc.entries[i].Id, kc.entries[j].Id) < 0
	})
	if len(kc.entries) > kc.maxSize {
		kc.entries = kc.entries[:kc.maxSize]
	}
}

func (kc *kClosestNodes) asNodeList() []core.NodeInfo {
	out := make([]core.NodeInfo, 0, len(kc.entries))
	for _, e := range kc.entries {
		out = append(out, e.NodeInfo)
	}
	return out
}
