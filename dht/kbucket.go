package dht

import (
	"fmt"
	"strings"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
)

// kBucket holds up to K entries under one prefix, plus a replacement cache
// of the same capacity feeding evictions.
type kBucket struct {
	prefix core.Prefix
	home   bool

	entries []*kBucketEntry
	cache   []*kBucketEntry

	lastRefresh time.Time
}

func newKBucket(prefix core.Prefix, home bool) *kBucket {
	return &kBucket{prefix: prefix, home: home}
}

func (b *kBucket) size() int      { return len(b.entries) }
func (b *kBucket) cacheSize() int { return len(b.cache) }
func (b *kBucket) isFull() bool   { return len(b.entries) >= MaxEntriesPerBucket }
func (b *kBucket) isHome() bool   { return b.home }

func (b *kBucket) get(id core.Id) *kBucketEntry {
	for _, e := range b.entries {
		if e.Id == id {
			return e
		}
	}
	return nil
}

func (b *kBucket) getFromCache(id core.Id) *kBucketEntry {
	for _, e := range b.cache {
		if e.Id == id {
			return e
		}
	}
	return nil
}

func (b *kBucket) exists(id core.Id) bool { return b.get(id) != nil }

// needsReplacement reports whether a bad entry is waiting for eviction.
func (b *kBucket) needsReplacement() bool {
	for _, e := range b.entries {
		if e.isBad() {
			return true
		}
	}
	return false
}

func (b *kBucket) needsToBeRefreshed(now time.Time) bool {
	return len(b.entries) > 0 && now.Sub(b.lastRefresh) > BucketRefreshInterval
}

func (b *kBucket) updateRefreshTime() { b.lastRefresh = time.Now() }

// put inserts or updates an entry. A full bucket pushes new entries into
// the replacement cache; the caller is responsible for splitting first when
// the bucket is splittable.
func (b *kBucket) put(entry *kBucketEntry) {
	if existing := b.get(entry.Id); existing != nil {
		if existing.Addr.String() == entry.Addr.String() {
			existing.merge(entry)
			return
		}
		// same id on a new address: only a reachable observation may
		// displace the old binding
		if !entry.isReachable() {
			return
		}
		b.removeEntry(existing)
		b.entries = append(b.entries, entry)
		return
	}

	// endpoint conflict under a different id is handled upstream by the
	// known-nodes check; here the entry is genuinely new
	if !b.isFull() {
		b.entries = append(b.entries, entry)
		return
	}

	if entry.isReachable() {
		if bad := b.findBadEntry(); bad != nil {
			b.removeEntry(bad)
			b.entries = append(b.entries, entry)
			b.cacheRemove(entry.Id)
			return
		}
	}
	b.putInCache(entry)
}

func (b *kBucket) putInCache(entry *kBucketEntry) {
	if cached := b.getFromCache(entry.Id); cached != nil {
		cached.merge(entry)
		return
	}
	if len(b.cache) < MaxEntriesPerBucket {
		b.cache = append(b.cache, entry)
		return
	}
	// displace the weakest cache resident: an unreachable one if any
	for i, c := range b.cache {
		if !c.isReachable() && entry.isReachable() {
			b.cache[i] = entry
			return
		}
	}
}

func (b *kBucket) cacheRemove(id core.Id) {
	for i, c := range b.cache {
		if c.Id == id {
			b.cache = append(b.cache[:i], b.cache[i+1:]...)
			return
		}
	}
}

func (b *kBucket) findBadEntry() *kBucketEntry {
	for _, e := range b.entries {
		if e.isBad() {
			return e
		}
	}
	return nil
}

func (b *kBucket) removeEntry(entry *kBucketEntry) {
	for i, e := range b.entries {
		if e == entry {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// removeIfBad drops the entry when it is bad (or unconditionally when
// forced), promoting the best replacement-cache resident in its place.
func (b *kBucket) removeIfBad(entry *kBucketEntry, force bool) {
	if !force && !entry.isBad() {
		return
	}
	b.removeEntry(entry)
	if promoted := b.popBestFromCache(); promoted != nil {
		b.entries = append(b.entries, promoted)
	}
}

func (b *kBucket) popBestFromCache() *kBucketEntry {
	best := -1
	for i, c := range b.cache {
		if !c.isReachable() {
			continue
		}
		if best < 0 || c.lastSeen.After(b.cache[best].lastSeen) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	promoted := b.cache[best]
	b.cache = append(b.cache[:best], b.cache[best+1:]...)
	return promoted
}

func (b *kBucket) onTimeout(id core.Id) {
	if e := b.get(id); e != nil {
		e.signalRequestTimeout()
		// entries that nobody will miss are dropped immediately, the
		// rest wait for a replacement to be available
		if e.removableWithoutReplacement() || (e.isBad() && len(b.cache) > 0) {
			b.removeIfBad(e, false)
		}
		return
	}
	if c := b.getFromCache(id); c != nil {
		c.signalRequestTimeout()
	}
}

func (b *kBucket) onSend(id core.Id) {
	if e := b.get(id); e != nil {
		e.signalRequest()
		return
	}
	if c := b.getFromCache(id); c != nil {
		c.signalRequest()
	}
}

func (b *kBucket) randomEntry() *kBucketEntry {
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[crypto.RandomUint32n(uint32(len(b.entries)))]
}

// entriesNeedingPing lists residents worth a maintenance ping.
func (b *kBucket) entriesNeedingPing(now time.Time) []*kBucketEntry {
	var out []*kBucketEntry
	for _, e := range b.entries {
		if e.needsPing(now) {
			out = append(out, e)
		}
	}
	return out
}

func (b *kBucket) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "prefix %s entries %d cache %d", b.prefix, len(b.entries), len(b.cache))
	if b.home {
		sb.WriteString(" [home]")
	}
	return sb.String()
}
