package dht

import (
	"time"

	"github.com/corvid-net/corvid/dht/wire"
)

// pingRefreshOptions tune a bucket refresh.
type pingRefreshOptions struct {
	// checkAll pings every resident, not only the suspicious ones.
	checkAll bool
	// removeOnTimeout evicts entries whose ping goes unanswered, used to
	// verify entries loaded from the cache file.
	removeOnTimeout bool
	// probeCache also pings replacement-cache residents to keep verified
	// substitutes at hand.
	probeCache bool
}

// pingRefreshTask keeps one bucket fresh by pinging stale or suspicious
// residents.
type pingRefreshTask struct {
	baseTask

	bucket  *kBucket
	options pingRefreshOptions
	queue   []*kBucketEntry
}

func newPingRefreshTask(d *DHT, bucket *kBucket, options pingRefreshOptions) *pingRefreshTask {
	t := &pingRefreshTask{bucket: bucket, options: options}
	t.init(d, t)
	t.update = t.doPings
	t.onTimeout = t.handleTimeout
	t.isDone = func() bool { return len(t.queue) == 0 }
	return t
}

func (t *pingRefreshTask) start() {
	now := time.Now()
	t.bucket.updateRefreshTime()
	if t.options.checkAll {
		t.queue = append(t.queue, t.bucket.entries...)
	} else {
		t.queue = append(t.queue, t.bucket.entriesNeedingPing(now)...)
	}
	if t.options.probeCache {
		t.queue = append(t.queue, t.bucket.cache...)
	}
	t.baseTask.start()
}

func (t *pingRefreshTask) doPings() {
	for t.canDoRequest() && len(t.queue) > 0 {
		entry := t.queue[0]
		t.queue = t.queue[1:]
		req := &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodPing,
			Body:   &wire.PingRequest{},
		}
		t.sendCall(entry.NodeInfo, req, nil)
	}
}

func (t *pingRefreshTask) handleTimeout(call *rpcCall) {
	if t.options.removeOnTimeout {
		t.dht.routingTable.remove(call.targetId())
	}
}
