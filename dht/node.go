package dht

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/log"
	"github.com/corvid-net/corvid/storage"
)

// Config collects everything a Node needs to start.
type Config struct {
	// Addr4 and Addr6 are the listen IPs, empty to disable a family.
	Addr4 string
	Addr6 string
	Port  uint16

	// DataDir holds the identity, routing-table caches and the value
	// database. Empty means fully ephemeral.
	DataDir string

	Bootstrap []core.NodeInfo

	// DevelopmentMode disables the bogon filter for LAN testing.
	DevelopmentMode bool

	// Storage overrides the default LevelDB store when set.
	Storage storage.Storage

	// Logger overrides the root logger when set.
	Logger log.Logger
}

// Node owns up to two DHT instances (one per family), the shared RPC
// server, scheduler, storage and crypto cache, all driven by one loop
// goroutine.
type Node struct {
	config Config

	keyPair    crypto.KeyPair
	boxKeyPair crypto.BoxKeyPair
	id         core.Id

	dht4, dht6 *DHT
	server     *rpcServer

	scheduler   *Scheduler
	store       storage.Storage
	ownedStore  bool
	tokenMan    *tokenManager
	cryptoCache *cryptoCache

	packetCh chan *messageIn
	submitCh chan func()
	quit     chan struct{}
	done     chan struct{}
	running  atomic.Bool

	logger log.Logger
}

// NewNode prepares a node and loads or creates its identity; storage and
// sockets are not touched until Start.
func NewNode(config Config) (*Node, error) {
	if config.Addr4 == "" && config.Addr6 == "" {
		return nil, errors.New("dht: no listen address configured")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	n := &Node{
		config:   config,
		packetCh: make(chan *messageIn, 256),
		submitCh: make(chan func(), 64),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	kp, err := loadOrCreateIdentity(config.DataDir)
	if err != nil {
		return nil, err
	}
	n.keyPair = kp
	if n.boxKeyPair, err = crypto.BoxKeyPairFromSignatureKey(kp); err != nil {
		return nil, err
	}
	if n.id, err = core.IdFromBytes(kp.PublicKey()); err != nil {
		return nil, err
	}

	n.logger = logger.With("node", n.id.String()[:8])
	n.scheduler = NewScheduler()
	n.tokenMan = newTokenManager()
	n.cryptoCache = newCryptoCache(n.id, n.boxKeyPair)
	n.server = newRPCServer(n)

	if config.Addr4 != "" {
		addr, err := parseBindAddr(config.Addr4, config.Port, false)
		if err != nil {
			return nil, err
		}
		n.dht4 = newDHT(familyIPv4, n, addr)
		n.dht4.server = n.server
		if config.DataDir != "" {
			n.dht4.persistFile = filepath.Join(config.DataDir, "dht4.cache")
		}
	}
	if config.Addr6 != "" {
		addr, err := parseBindAddr(config.Addr6, config.Port, true)
		if err != nil {
			return nil, err
		}
		n.dht6 = newDHT(familyIPv6, n, addr)
		n.dht6.server = n.server
		if config.DataDir != "" {
			n.dht6.persistFile = filepath.Join(config.DataDir, "dht6.cache")
		}
	}
	return n, nil
}

func parseBindAddr(host string, port uint16, v6 bool) (*net.UDPAddr, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("dht: invalid listen address %q", host)
	}
	if v6 == (ip.To4() != nil) {
		return nil, fmt.Errorf("dht: address %q has the wrong family", host)
	}
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// loadOrCreateIdentity reads the node key from dataDir, generating and
// persisting a fresh one on first use. The id file is written for operator
// inspection only.
func loadOrCreateIdentity(dataDir string) (crypto.KeyPair, error) {
	if dataDir == "" {
		return crypto.GenerateKeyPair()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return crypto.KeyPair{}, err
	}
	keyPath := filepath.Join(dataDir, "key")
	seed, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		kp, err := crypto.KeyPairFromSeed(seed)
		if err != nil {
			return crypto.KeyPair{}, fmt.Errorf("dht: corrupt key file %s: %w", keyPath, err)
		}
		return kp, nil
	case os.IsNotExist(err):
		kp, err := crypto.GenerateKeyPair()
		if err != nil {
			return crypto.KeyPair{}, err
		}
		if err := os.WriteFile(keyPath, kp.Seed(), 0o600); err != nil {
			return crypto.KeyPair{}, err
		}
		id, _ := core.IdFromBytes(kp.PublicKey())
		if err := os.WriteFile(filepath.Join(dataDir, "id"), []byte(id.String()+"\n"), 0o644); err != nil {
			return crypto.KeyPair{}, err
		}
		return kp, nil
	default:
		return crypto.KeyPair{}, err
	}
}

// Id returns the node identifier.
func (n *Node) Id() core.Id { return n.id }

// IsRunning reports whether the loop is live.
func (n *Node) IsRunning() bool { return n.running.Load() }

// Start opens storage and sockets and launches the loop.
func (n *Node) Start() error {
	if n.running.Load() {
		return nil
	}

	if n.config.Storage != nil {
		n.store = n.config.Storage
	} else {
		dbPath := filepath.Join(n.config.DataDir, "node.db")
		if n.config.DataDir == "" {
			var err error
			if dbPath, err = os.MkdirTemp("", "corvid-db-"); err != nil {
				return err
			}
		}
		store, err := storage.OpenLevelDB(dbPath)
		if err != nil {
			return err
		}
		n.store = store
		n.ownedStore = true
	}

	var bind4, bind6 *net.UDPAddr
	if n.dht4 != nil {
		bind4 = n.dht4.addr
	}
	if n.dht6 != nil {
		bind6 = n.dht6.addr
	}
	if err := n.server.start(bind4, bind6); err != nil {
		if n.ownedStore {
			n.store.Close()
		}
		return err
	}

	n.running.Store(true)
	n.logger.Info("Node started", "id", n.id, "ipv4", n.server.bound4, "ipv6", n.server.bound6)

	go n.loop()

	// component startup runs on the loop so every mutation stays there
	n.submit(func() {
		if n.dht4 != nil {
			n.dht4.start(n.config.Bootstrap)
		}
		if n.dht6 != nil {
			n.dht6.start(n.config.Bootstrap)
		}

		n.scheduler.Add(func() {
			if err := n.store.Expire(); err != nil {
				n.logger.Error("Storage expiration failed", "err", err)
			}
		}, StorageExpireInterval, StorageExpireInterval)

		n.scheduler.Add(func() { n.reAnnouncePersistent() },
			ReAnnounceInterval, ReAnnounceInterval)

		n.scheduler.Add(func() { n.cryptoCache.sweep() }, time.Minute, time.Minute)
	})
	return nil
}

// Stop tears the node down, persisting routing tables.
func (n *Node) Stop() {
	if !n.running.CompareAndSwap(true, false) {
		return
	}
	stopDone := make(chan struct{})
	n.submitCh <- func() {
		if n.dht4 != nil {
			n.dht4.stop()
		}
		if n.dht6 != nil {
			n.dht6.stop()
		}
		close(stopDone)
	}
	<-stopDone

	close(n.quit)
	<-n.done

	n.server.stop()
	if n.ownedStore {
		if err := n.store.Close(); err != nil {
			n.logger.Error("Cannot close storage", "err", err)
		}
	}
	n.logger.Info("Node stopped", "id", n.id)
}

// loop is the single owner of all mutable DHT state.
func (n *Node) loop() {
	defer close(n.done)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		n.scheduler.SyncTime()
		next := n.scheduler.Run()
		n.server.periodic()

		wait := time.Second
		if !next.IsZero() {
			if until := time.Until(next); until < wait {
				wait = until
			}
		}
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case in := <-n.packetCh:
			n.server.processMessage(in)
		case fn := <-n.submitCh:
			fn()
		case <-timer.C:
		case <-n.quit:
			return
		}
	}
}

// deliver hands a decoded packet from a reader goroutine to the loop.
func (n *Node) deliver(in *messageIn) {
	select {
	case n.packetCh <- in:
	default:
		n.logger.Warn("Dropping packet, loop backlogged", "from", in.from)
	}
}

// submit schedules fn on the loop.
func (n *Node) submit(fn func()) bool {
	if !n.running.Load() {
		return false
	}
	select {
	case n.submitCh <- fn:
		return true
	case <-n.quit:
		return false
	}
}

// dhtFor picks the instance responsible for an endpoint's family.
func (n *Node) dhtFor(addr *net.UDPAddr) *DHT {
	if addr.IP.To4() != nil {
		return n.dht4
	}
	return n.dht6
}

func (n *Node) dhts() []*DHT {
	var out []*DHT
	if n.dht4 != nil {
		out = append(out, n.dht4)
	}
	if n.dht6 != nil {
		out = append(out, n.dht6)
	}
	return out
}

var errNodeStopped = &core.StateError{Op: "dht: node not running"}

// Bootstrap adds a bootstrap node at runtime.
func (n *Node) Bootstrap(ni core.NodeInfo) error {
	if !n.submit(func() {
		for _, d := range n.dhts() {
			d.bootstrapWith(ni)
		}
	}) {
		return errNodeStopped
	}
	return nil
}

// GetEntry reports the routing-table view of a node id, nil when unknown.
// Exposed for inspection and tests.
func (n *Node) GetEntry(id core.Id) (*core.NodeInfo, bool) {
	type result struct {
		ni        *core.NodeInfo
		reachable bool
	}
	ch := make(chan result, 1)
	if !n.submit(func() {
		for _, d := range n.dhts() {
			if e := d.routingTable.getEntry(id); e != nil {
				ni := e.NodeInfo
				ch <- result{&ni, e.isReachable()}
				return
			}
		}
		ch <- result{}
	}) {
		return nil, false
	}
	r := <-ch
	return r.ni, r.reachable
}

// FindNode resolves a node id to its NodeInfo. It completes when every
// family's lookup has finished.
func (n *Node) FindNode(id core.Id) (*core.NodeInfo, error) {
	ch := make(chan *core.NodeInfo, 2)
	if !n.submit(func() {
		dhts := n.dhts()
		remaining := len(dhts)
		var found *core.NodeInfo
		for _, d := range dhts {
			d.findNode(id, func(ni *core.NodeInfo) {
				if ni != nil && found == nil {
					found = ni
				}
				remaining--
				if remaining == 0 {
					ch <- found
				}
			})
		}
	}) {
		return nil, errNodeStopped
	}
	return <-ch, nil
}

// FindValue retrieves a value by id under the given lookup option.
func (n *Node) FindValue(id core.Id, option core.LookupOption) (*core.Value, error) {
	// arbitrary lookups prefer a local hit and stay off the network
	if option == core.LookupArbitrary || option == core.LookupLocal {
		ch := make(chan *core.Value, 1)
		if !n.submit(func() {
			v, err := n.store.GetValue(id)
			if err != nil {
				n.logger.Error("Storage lookup failed", "id", id, "err", err)
			}
			ch <- v
		}) {
			return nil, errNodeStopped
		}
		if v := <-ch; v != nil {
			return v, nil
		}
	}

	ch := make(chan *core.Value, 2)
	if !n.submit(func() {
		dhts := n.dhts()
		remaining := len(dhts)
		var best *core.Value
		for _, d := range dhts {
			d.findValue(id, option, func(v *core.Value) {
				if v != nil && (best == nil || (v.IsMutable() && best.SequenceNumber() < v.SequenceNumber())) {
					best = v
				}
				remaining--
				if remaining == 0 {
					ch <- best
				}
			})
		}
	}) {
		return nil, errNodeStopped
	}
	return <-ch, nil
}

// StoreValue persists a value locally and announces it to the K closest
// nodes.
func (n *Node) StoreValue(value core.Value, persistent bool) error {
	if !value.IsValid() {
		return &core.ValueError{Msg: "invalid value"}
	}
	type outcome struct{ err error }
	ch := make(chan outcome, 2)
	if !n.submit(func() {
		if _, err := n.store.PutValue(value, -1, persistent, true); err != nil {
			ch <- outcome{err}
			return
		}
		dhts := n.dhts()
		remaining := len(dhts)
		var firstErr error
		for _, d := range dhts {
			d.storeValue(value, func(_ []core.NodeInfo, err error) {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				remaining--
				if remaining == 0 {
					ch <- outcome{firstErr}
				}
			})
		}
	}) {
		return errNodeStopped
	}
	return (<-ch).err
}

// PutValueLocal stores a value without announcing it.
func (n *Node) PutValueLocal(value core.Value, expectedSeq int32, persistent bool) error {
	ch := make(chan error, 1)
	if !n.submit(func() {
		_, err := n.store.PutValue(value, expectedSeq, persistent, false)
		ch <- err
	}) {
		return errNodeStopped
	}
	return <-ch
}

// FindPeer retrieves up to expected announcements under a peer id.
func (n *Node) FindPeer(id core.Id, expected int, option core.LookupOption) ([]core.PeerInfo, error) {
	if option == core.LookupArbitrary || option == core.LookupLocal {
		ch := make(chan []core.PeerInfo, 1)
		if !n.submit(func() {
			peers, err := n.store.GetPeers(id, expected)
			if err != nil {
				n.logger.Error("Storage lookup failed", "id", id, "err", err)
			}
			ch <- peers
		}) {
			return nil, errNodeStopped
		}
		if peers := <-ch; len(peers) > 0 {
			return peers, nil
		}
	}

	ch := make(chan []core.PeerInfo, 2)
	if !n.submit(func() {
		dhts := n.dhts()
		remaining := len(dhts)
		var all []core.PeerInfo
		for _, d := range dhts {
			d.findPeer(id, expected, option, func(peers []core.PeerInfo) {
				all = append(all, peers...)
				remaining--
				if remaining == 0 {
					ch <- all
				}
			})
		}
	}) {
		return nil, errNodeStopped
	}
	return <-ch, nil
}

// AnnouncePeer persists an announcement locally and publishes it to the K
// closest nodes.
func (n *Node) AnnouncePeer(peer core.PeerInfo, persistent bool) error {
	if !peer.IsValid() {
		return &core.ValueError{Msg: "invalid peer announcement"}
	}
	ch := make(chan error, 2)
	if !n.submit(func() {
		if err := n.store.PutPeer(peer, persistent, true); err != nil {
			ch <- err
			return
		}
		dhts := n.dhts()
		remaining := len(dhts)
		var firstErr error
		for _, d := range dhts {
			d.announcePeer(peer, func(_ []core.NodeInfo, err error) {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				remaining--
				if remaining == 0 {
					ch <- firstErr
				}
			})
		}
	}) {
		return errNodeStopped
	}
	return <-ch
}

// reAnnouncePersistent refreshes persistent values and announcements whose
// last announce has aged past the cadence.
func (n *Node) reAnnouncePersistent() {
	before := time.Now().Add(-ReAnnounceInterval)

	values, err := n.store.PersistentValues(before)
	if err != nil {
		n.logger.Error("Cannot list persistent values", "err", err)
	}
	for _, v := range values {
		value := v
		if err := n.store.UpdateValueLastAnnounce(value.Id()); err != nil {
			continue
		}
		for _, d := range n.dhts() {
			d.storeValue(value, func([]core.NodeInfo, error) {})
		}
	}

	peers, err := n.store.PersistentPeers(before)
	if err != nil {
		n.logger.Error("Cannot list persistent peers", "err", err)
	}
	for _, p := range peers {
		peer := p
		if err := n.store.UpdatePeerLastAnnounce(peer.Id(), peer.Origin()); err != nil {
			continue
		}
		for _, d := range n.dhts() {
			d.announcePeer(peer, func([]core.NodeInfo, error) {})
		}
	}
}

// Sign signs data with the node's long-term key.
func (n *Node) Sign(data []byte) []byte { return n.keyPair.Sign(data) }

// EncryptTo seals a payload for another node using the identity-derived
// box.
func (n *Node) EncryptTo(recipient core.Id, plain []byte) ([]byte, error) {
	return n.cryptoCache.encrypt(recipient, plain)
}

// DecryptFrom opens a payload sealed to this node by the sender.
func (n *Node) DecryptFrom(sender core.Id, cipher []byte) ([]byte, error) {
	return n.cryptoCache.decrypt(sender, cipher)
}

// Ports returns the actually bound UDP addresses, nil per disabled family.
func (n *Node) Ports() (v4, v6 *net.UDPAddr) { return n.server.bound4, n.server.bound6 }
