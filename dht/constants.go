// Package dht implements the Kademlia overlay core: routing table, RPC
// layer, iterative lookup tasks and the node orchestrator.
package dht

import "time"

// Protocol version carried in every message: "cv" + version 1.
const Version uint32 = 'c'<<24 | 'v'<<16 | 1

// Routing parameters.
const (
	// MaxEntriesPerBucket is K, the bucket capacity.
	MaxEntriesPerBucket = 8

	// MaxConcurrentTaskRequests is alpha, the per-task in-flight limit.
	MaxConcurrentTaskRequests = 3

	// MaxActiveTasks bounds concurrently running tasks.
	MaxActiveTasks = 16

	// MaxPeerAnnounces caps announcements returned per FIND_PEER.
	MaxPeerAnnounces = 8
)

// Timing.
const (
	RPCCallTimeoutMax      = 10 * time.Second
	RPCCallTimeoutBaseline = 2 * time.Second

	RPCServerReachabilityTimeout = 60 * time.Second

	DHTUpdateInterval        = time.Second
	BootstrapMinInterval     = 4 * time.Minute
	BootstrapIfLessThanPeers = 30
	SelfLookupInterval       = 30 * time.Minute
	RandomPingInterval       = 10 * time.Second
	RandomLookupInterval     = 10 * time.Minute

	RoutingTableMaintenanceInterval = 4 * time.Minute
	RoutingTablePersistInterval     = 10 * time.Minute
	BucketRefreshInterval           = 30 * time.Minute

	KBucketMaxTimeouts             = 5
	KBucketOldAndStaleTime         = 15 * time.Minute
	KBucketOldAndStaleTimeouts     = 2
	KBucketPingBackoffBaseInterval = time.Minute
	KBucketMaxPingBackoffInterval  = 9 * time.Minute

	TokenTimeout = 5 * time.Minute

	ReAnnounceInterval    = 5 * time.Minute
	StorageExpireInterval = 5 * time.Minute
)
