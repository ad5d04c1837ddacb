package dht

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/log"
)

// routingTable is the ordered list of non-overlapping buckets whose
// prefixes partition the Id space. It is owned by one DHT instance and only
// touched from the node loop.
type routingTable struct {
	localId core.Id
	buckets []*kBucket

	timeOfLastPingCheck time.Time
	lastSave            time.Time

	logger log.Logger
}

func newRoutingTable(localId core.Id, logger log.Logger) *routingTable {
	rt := &routingTable{localId: localId, logger: logger}
	rt.buckets = []*kBucket{newKBucket(core.AllPrefix, true)}
	return rt
}

// indexOf locates the bucket whose prefix covers id.
func (rt *routingTable) indexOf(id core.Id) int {
	low, high := 0, len(rt.buckets)-1
	mid, cmp := 0, 0
	for low <= high {
		mid = (low + high) / 2
		bucket := rt.buckets[mid]
		if bucket.prefix.IsPrefixOf(id) {
			return mid
		}
		cmp = id.CompareTo(bucket.prefix.Id())
		if cmp > 0 {
			low = mid + 1
		} else {
			high = mid - 1
		}
	}
	if cmp < 0 {
		return mid - 1
	}
	return mid
}

func (rt *routingTable) bucketOf(id core.Id) *kBucket {
	return rt.buckets[rt.indexOf(id)]
}

func (rt *routingTable) numEntries() int {
	n := 0
	for _, b := range rt.buckets {
		n += b.size()
	}
	return n
}

func (rt *routingTable) getEntry(id core.Id) *kBucketEntry {
	return rt.bucketOf(id).get(id)
}

func (rt *routingTable) getRandomEntry() *kBucketEntry {
	if len(rt.buckets) == 0 {
		return nil
	}
	offset := int(crypto.RandomUint32n(uint32(len(rt.buckets))))
	for i := 0; i < len(rt.buckets); i++ {
		if e := rt.buckets[(offset+i)%len(rt.buckets)].randomEntry(); e != nil {
			return e
		}
	}
	return nil
}

func (rt *routingTable) isHomeBucket(p core.Prefix) bool {
	return p.IsPrefixOf(rt.localId)
}

// put inserts an entry, splitting the covering bucket as long as the split
// rule allows.
func (rt *routingTable) put(entry *kBucketEntry) {
	if entry.Id == rt.localId {
		return
	}
	bucket := rt.bucketOf(entry.Id)
	for rt.needsSplit(bucket, entry) {
		rt.split(bucket)
		bucket = rt.bucketOf(entry.Id)
	}
	bucket.put(entry)
}

func (rt *routingTable) remove(id core.Id) {
	bucket := rt.bucketOf(id)
	if e := bucket.get(id); e != nil {
		bucket.removeIfBad(e, true)
	}
}

func (rt *routingTable) onTimeout(id core.Id) { rt.bucketOf(id).onTimeout(id) }
func (rt *routingTable) onSend(id core.Id)    { rt.bucketOf(id).onSend(id) }

// needsSplit allows splitting only for reachable, novel entries landing in
// a full bucket whose high branch still covers subtree structure worth
// keeping: the home bucket and its ancestors split, the rest stay at
// capacity K.
func (rt *routingTable) needsSplit(bucket *kBucket, entry *kBucketEntry) bool {
	if !bucket.prefix.IsSplittable() ||
		!bucket.isFull() ||
		!entry.isReachable() ||
		bucket.exists(entry.Id) ||
		bucket.needsReplacement() {
		return false
	}
	return rt.isHomeBucket(bucket.prefix)
}

func (rt *routingTable) modify(toRemove, toAdd []*kBucket) {
	next := make([]*kBucket, 0, len(rt.buckets)+len(toAdd))
outer:
	for _, b := range rt.buckets {
		for _, r := range toRemove {
			if b == r {
				continue outer
			}
		}
		next = append(next, b)
	}
	next = append(next, toAdd...)
	sort.Slice(next, func(i, j int) bool {
		return next[i].prefix.CompareTo(next[j].prefix) < 0
	})
	rt.buckets = next
}

func (rt *routingTable) split(bucket *kBucket) {
	pl := bucket.prefix.SplitBranch(false)
	ph := bucket.prefix.SplitBranch(true)
	low := newKBucket(pl, rt.isHomeBucket(pl))
	high := newKBucket(ph, rt.isHomeBucket(ph))

	for _, e := range bucket.entries {
		if low.prefix.IsPrefixOf(e.Id) {
			low.put(e)
		} else {
			high.put(e)
		}
	}
	for _, c := range bucket.cache {
		if low.prefix.IsPrefixOf(c.Id) {
			low.putInCache(c)
		} else {
			high.putInCache(c)
		}
	}

	rt.modify([]*kBucket{bucket}, []*kBucket{low, high})
}

// mergeBuckets folds sibling pairs back together whenever their combined
// effective population fits one bucket; inserting into the parent directly
// avoids split/merge oscillation.
func (rt *routingTable) mergeBuckets() {
	for i := 1; i < len(rt.buckets); i++ {
		b1 := rt.buckets[i-1]
		b2 := rt.buckets[i]
		if !b1.prefix.IsSiblingOf(b2.prefix) {
			continue
		}

		effective := 0
		for _, e := range b1.entries {
			if !e.removableWithoutReplacement() {
				effective++
			}
		}
		for _, e := range b2.entries {
			if !e.removableWithoutReplacement() {
				effective++
			}
		}
		if effective > MaxEntriesPerBucket {
			continue
		}

		parent := b1.prefix.Parent()
		merged := newKBucket(parent, rt.isHomeBucket(parent))
		for _, e := range b1.entries {
			merged.put(e)
		}
		for _, e := range b2.entries {
			merged.put(e)
		}
		for _, c := range b1.cache {
			merged.putInCache(c)
		}
		for _, c := range b2.cache {
			merged.putInCache(c)
		}
		rt.modify([]*kBucket{b1, b2}, []*kBucket{merged})
		i = max(i-2, 0)
	}
}

// maintenance merges undersized sibling buckets, scrubs misplaced or
// useless entries, and reports the buckets in need of a refresh ping.
func (rt *routingTable) maintenance(bootstrapIds []core.Id) []*kBucket {
	now := time.Now()
	if now.Sub(rt.timeOfLastPingCheck) < RoutingTableMaintenanceInterval {
		return nil
	}
	rt.timeOfLastPingCheck = now

	rt.mergeBuckets()

	var needRefresh []*kBucket
	for _, bucket := range rt.buckets {
		wasFull := bucket.size() >= MaxEntriesPerBucket
		for _, entry := range append([]*kBucketEntry(nil), bucket.entries...) {
			// drop ourselves, and bootstrap nodes when crowding a full
			// bucket
			if entry.Id == rt.localId || (wasFull && containsId(bootstrapIds, entry.Id)) {
				bucket.removeIfBad(entry, true)
				continue
			}
			// repair entries left behind by splits or merges
			if !bucket.prefix.IsPrefixOf(entry.Id) {
				bucket.removeIfBad(entry, true)
				rt.put(entry)
			}
		}

		if bucket.needsToBeRefreshed(now) {
			needRefresh = append(needRefresh, bucket)
		}
	}
	return needRefresh
}

func containsId(ids []core.Id, id core.Id) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// underpopulatedBuckets lists buckets worth a fill lookup: partially
// populated, not empty.
func (rt *routingTable) underpopulatedBuckets() []*kBucket {
	var out []*kBucket
	for _, b := range rt.buckets {
		if b.size() > 0 && b.size() < MaxEntriesPerBucket {
			out = append(out, b)
		}
	}
	return out
}

type tableSnapshot struct {
	Timestamp int64         `cbor:"timestamp"`
	Entries   []entryRecord `cbor:"entries"`
}

// save writes every entry as a self-describing binary record.
func (rt *routingTable) save(path string) error {
	if rt.numEntries() == 0 {
		rt.logger.Trace("Skipping save of empty routing table")
		return nil
	}
	snap := tableSnapshot{Timestamp: time.Now().UnixMilli()}
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			snap.Entries = append(snap.Entries, e.toRecord())
		}
	}
	data, err := cbor.Marshal(&snap)
	if err != nil {
		return fmt.Errorf("dht: encode routing table: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// load reinserts persisted entries. Absence of the file is not an error.
func (rt *routingTable) load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap tableSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("dht: decode routing table: %w", err)
	}
	for i := range snap.Entries {
		entry, err := snap.Entries[i].toEntry()
		if err != nil {
			continue
		}
		// loaded entries are unverified, which needsSplit refuses, so the
		// full home bucket is split here to rebuild the saved shape
		bucket := rt.bucketOf(entry.Id)
		for bucket.isFull() && bucket.prefix.IsSplittable() &&
			rt.isHomeBucket(bucket.prefix) && !bucket.exists(entry.Id) {
			rt.split(bucket)
			bucket = rt.bucketOf(entry.Id)
		}
		rt.put(entry)
	}
	rt.logger.Info("Loaded routing table cache", "entries", len(snap.Entries),
		"age", time.Since(time.UnixMilli(snap.Timestamp)).Truncate(time.Minute))
	return nil
}

func (rt *routingTable) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "buckets: %d / entries: %d\n", len(rt.buckets), rt.numEntries())
	for _, b := range rt.buckets {
		sb.WriteString(b.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}
