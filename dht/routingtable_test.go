package dht

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/log"
)

func testTable(t *testing.T) *routingTable {
	t.Helper()
	return newRoutingTable(core.RandomId(), log.NewLogger(log.DiscardHandler()))
}

func reachableEntry(id core.Id, port int) *kBucketEntry {
	e := newKBucketEntry(id, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}, 0)
	e.signalResponse()
	return e
}

// checkTiling asserts that the buckets' prefixes tile the id space with no
// gaps and no overlaps: the list is ordered, consecutive prefixes are
// contiguous, and the ends touch the extremes of the space.
func checkTiling(t *testing.T, rt *routingTable) {
	t.Helper()
	require.NotEmpty(t, rt.buckets)

	var low core.Id
	first := rt.buckets[0].prefix
	assert.Equal(t, low, first.First(), "the first bucket starts at zero")

	for i := 1; i < len(rt.buckets); i++ {
		prev := rt.buckets[i-1].prefix
		cur := rt.buckets[i].prefix
		assert.Equal(t, incremented(prev.Last()), cur.First(),
			"bucket %d does not start right after bucket %d", i, i-1)
	}

	last := rt.buckets[len(rt.buckets)-1].prefix
	var high core.Id
	for i := range high {
		high[i] = 0xff
	}
	assert.Equal(t, high, last.Last(), "the last bucket ends at the maximum id")

	// and every id maps to exactly one bucket
	for i := 0; i < 100; i++ {
		id := core.RandomId()
		count := 0
		for _, b := range rt.buckets {
			if b.prefix.IsPrefixOf(id) {
				count++
			}
		}
		assert.Equal(t, 1, count, "id %s is covered by %d buckets", id, count)
		assert.True(t, rt.bucketOf(id).prefix.IsPrefixOf(id))
	}
}

func incremented(id core.Id) core.Id {
	for i := core.IdBytes - 1; i >= 0; i-- {
		id[i]++
		if id[i] != 0 {
			break
		}
	}
	return id
}

func TestRoutingTableTilingUnderChurn(t *testing.T) {
	rt := testTable(t)

	var ids []core.Id
	for i := 0; i < 500; i++ {
		id := core.RandomId()
		ids = append(ids, id)
		rt.put(reachableEntry(id, 10000+i))
	}
	checkTiling(t, rt)

	for i := 0; i < 250; i++ {
		rt.remove(ids[i])
	}
	checkTiling(t, rt)

	for i := 0; i < 250; i++ {
		rt.put(reachableEntry(core.RandomId(), 20000+i))
	}
	checkTiling(t, rt)
}

func TestBucketNeverExceedsCapacity(t *testing.T) {
	rt := testTable(t)
	for i := 0; i < 2000; i++ {
		rt.put(reachableEntry(core.RandomId(), 10000+i))
	}
	for _, b := range rt.buckets {
		assert.LessOrEqual(t, b.size(), MaxEntriesPerBucket)
		assert.LessOrEqual(t, b.cacheSize(), MaxEntriesPerBucket)
	}
}

func TestHomeBucketSplits(t *testing.T) {
	rt := testTable(t)

	// fill with ids sharing the local prefix so the home bucket must split
	home := core.NewPrefix(rt.localId, 3)
	for i := 0; i < 100; i++ {
		rt.put(reachableEntry(home.RandomId(), 10000+i))
	}
	assert.Greater(t, len(rt.buckets), 1, "the home bucket should have split")
	checkTiling(t, rt)
}

func TestNonHomeBucketStaysAtCapacity(t *testing.T) {
	rt := testTable(t)

	// ids in the sibling subtree of the local id land in a non-home
	// bucket once the first split happened
	for i := 0; i < 200; i++ {
		rt.put(reachableEntry(core.RandomId(), 10000+i))
	}
	for _, b := range rt.buckets {
		if !b.home {
			assert.LessOrEqual(t, b.size(), MaxEntriesPerBucket)
		}
	}
}

func TestEntryUpdateDoesNotDuplicate(t *testing.T) {
	rt := testTable(t)
	id := core.RandomId()

	rt.put(reachableEntry(id, 11111))
	rt.put(reachableEntry(id, 11111))

	assert.NotNil(t, rt.getEntry(id))
	assert.Equal(t, 1, rt.numEntries())
}

func TestTimeoutAccounting(t *testing.T) {
	rt := testTable(t)
	id := core.RandomId()
	rt.put(reachableEntry(id, 11111))

	for i := 0; i < KBucketMaxTimeouts; i++ {
		rt.onTimeout(id)
	}
	e := rt.getEntry(id)
	if e != nil {
		assert.True(t, e.isBad())
	}

	// one verified response resets the failure count
	rt.put(reachableEntry(id, 11111))
	if e := rt.getEntry(id); e != nil {
		assert.Equal(t, 0, e.failedRequests)
		assert.True(t, e.isReachable())
	}
}

func TestReplacementPromotion(t *testing.T) {
	rt := newRoutingTable(core.ZeroId, log.NewLogger(log.DiscardHandler()))

	// one non-home bucket full of entries plus a verified cache resident
	prefix := core.NewPrefix(maxDistanceFrom(core.ZeroId), 1)
	var ids []core.Id
	for i := 0; i < MaxEntriesPerBucket; i++ {
		id := prefix.RandomId()
		ids = append(ids, id)
		rt.put(reachableEntry(id, 10000+i))
	}
	spare := prefix.RandomId()
	rt.put(reachableEntry(spare, 9999))

	bucket := rt.bucketOf(spare)
	if bucket.get(spare) != nil {
		t.Skip("the bucket still had room after splits; nothing to promote")
	}
	require.NotNil(t, bucket.getFromCache(spare))

	// break the first resident and let the timeout path evict it
	victim := ids[0]
	for i := 0; i < KBucketMaxTimeouts; i++ {
		rt.onTimeout(victim)
	}
	assert.Nil(t, rt.getEntry(victim))
	assert.NotNil(t, rt.getEntry(spare), "the cache resident should be promoted")
}

func TestMergeBuckets(t *testing.T) {
	rt := testTable(t)
	for i := 0; i < 300; i++ {
		rt.put(reachableEntry(core.RandomId(), 10000+i))
	}
	before := len(rt.buckets)

	// empty most of the table, then merge
	count := 0
	for _, b := range rt.buckets {
		for _, e := range append([]*kBucketEntry(nil), b.entries...) {
			if count%4 != 0 {
				b.removeIfBad(e, true)
			}
			count++
		}
		b.cache = nil
	}
	rt.mergeBuckets()

	assert.Less(t, len(rt.buckets), before)
	checkTiling(t, rt)
	for _, b := range rt.buckets {
		assert.LessOrEqual(t, b.size(), MaxEntriesPerBucket)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rt := testTable(t)
	for i := 0; i < 50; i++ {
		rt.put(reachableEntry(core.RandomId(), 10000+i))
	}
	path := filepath.Join(t.TempDir(), "dht4.cache")
	require.NoError(t, rt.save(path))

	loaded := newRoutingTable(rt.localId, log.NewLogger(log.DiscardHandler()))
	require.NoError(t, loaded.load(path))

	assert.Equal(t, rt.numEntries(), loaded.numEntries())
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			got := loaded.getEntry(e.Id)
			require.NotNil(t, got, "missing %s after reload", e.Id)
			assert.Equal(t, e.Addr.String(), got.Addr.String())
			assert.False(t, got.isReachable(), "loaded entries start unverified")
		}
	}
}

func TestLoadMissingFileIsFine(t *testing.T) {
	rt := testTable(t)
	require.NoError(t, rt.load(filepath.Join(t.TempDir(), "absent.cache")))
	assert.Equal(t, 0, rt.numEntries())
}
