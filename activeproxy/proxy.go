package activeproxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/dht"
	"github.com/corvid-net/corvid/log"
)

// Default timing of the controller; tests shorten these through Config.
const (
	defaultKeepAliveInterval  = 60 * time.Second
	defaultKeepAliveCheck     = 5 * time.Second
	defaultIdleCheckInterval  = 60 * time.Second
	defaultMaxIdleTime        = 5 * time.Minute
	defaultMaxConnections     = 16
	defaultMaxKeepAliveRetry  = 3
	defaultConnectTimeout     = 15 * time.Second
	maxReconnectBackoffShift  = 6
	reconnectBackoffBaseDelay = time.Second
)

// Config describes the rendezvous, the upstream and the optional peer
// announcement of an active proxy.
type Config struct {
	// Either the rendezvous endpoint directly ...
	ServerId   core.Id
	ServerHost string
	ServerPort uint16

	// ... or a peer id resolved through the DHT.
	ServerPeerId *core.Id

	UpstreamHost string
	UpstreamPort uint16

	// Domain is offered during AUTH when non-empty.
	Domain string

	// PeerKeyPair enables announcing the relay endpoint as a DHT peer.
	PeerKeyPair *crypto.KeyPair

	MaxConnections int

	// Timing overrides, zero meaning default.
	KeepAliveInterval time.Duration
	KeepAliveCheck    time.Duration
	IdleCheckInterval time.Duration
	MaxIdleTime       time.Duration
	ConnectTimeout    time.Duration
	MaxKeepAliveRetry int

	Logger log.Logger
}

// ActiveProxy maintains the pool of rendezvous connections and the session
// crypto they share. It runs on its own goroutine set, independent of the
// node loop, reusing only the node's identity and lookups.
type ActiveProxy struct {
	node   *dht.Node
	config Config

	serverId   core.Id
	serverAddr string

	sessionKey crypto.BoxKeyPair

	mu            sync.Mutex
	serverPk      *[crypto.BoxKeyBytes]byte
	sessionBox    *crypto.Box
	relayPort     uint16
	domainEnabled bool

	connections []*ProxyConnection
	inFlights   int
	idleSince   time.Time

	serverFails   int
	reconnectAt   time.Time
	connecting    bool
	lastConnId    uint32
	peerAnnounced bool

	domain   string
	upstream string

	keepAliveInterval time.Duration
	keepAliveCheck    time.Duration
	idleCheckInterval time.Duration
	maxIdleTime       time.Duration
	connectTimeout    time.Duration
	maxKeepAliveRetry int
	maxConnections    int

	running bool
	quit    chan struct{}
	done    chan struct{}

	logger log.Logger
}

// NewActiveProxy validates the configuration and resolves the rendezvous,
// through the DHT when a server peer id is given.
func NewActiveProxy(node *dht.Node, config Config) (*ActiveProxy, error) {
	if config.UpstreamHost == "" || config.UpstreamPort == 0 {
		return nil, errors.New("activeproxy: upstream host and port are required")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Root()
	}

	p := &ActiveProxy{
		node:              node,
		config:            config,
		upstream:          net.JoinHostPort(config.UpstreamHost, strconv.Itoa(int(config.UpstreamPort))),
		domain:            config.Domain,
		keepAliveInterval: orDefault(config.KeepAliveInterval, defaultKeepAliveInterval),
		keepAliveCheck:    orDefault(config.KeepAliveCheck, defaultKeepAliveCheck),
		idleCheckInterval: orDefault(config.IdleCheckInterval, defaultIdleCheckInterval),
		maxIdleTime:       orDefault(config.MaxIdleTime, defaultMaxIdleTime),
		connectTimeout:    orDefault(config.ConnectTimeout, defaultConnectTimeout),
		maxKeepAliveRetry: config.MaxKeepAliveRetry,
		maxConnections:    config.MaxConnections,
		quit:              make(chan struct{}),
		done:              make(chan struct{}),
		logger:            logger.With("module", "activeproxy"),
	}
	if p.maxKeepAliveRetry == 0 {
		p.maxKeepAliveRetry = defaultMaxKeepAliveRetry
	}
	if p.maxConnections == 0 {
		p.maxConnections = defaultMaxConnections
	}

	var err error
	if p.sessionKey, err = crypto.GenerateBoxKeyPair(); err != nil {
		return nil, err
	}

	serverHost, serverPort := config.ServerHost, config.ServerPort
	p.serverId = config.ServerId

	if config.ServerPeerId != nil {
		// rendezvous addressed through the DHT: findPeer gives the node
		// id and port, findNode resolves the address
		p.logger.Info("Finding rendezvous peer", "peer", config.ServerPeerId)
		peers, err := node.FindPeer(*config.ServerPeerId, 1, core.LookupOptimistic)
		if err != nil {
			return nil, err
		}
		if len(peers) == 0 {
			return nil, fmt.Errorf("activeproxy: cannot find peer %s", config.ServerPeerId)
		}
		peer := peers[0]
		serverPort = peer.Port()
		p.serverId = peer.NodeId()

		p.logger.Info("Finding rendezvous node", "node", p.serverId)
		ni, err := node.FindNode(p.serverId)
		if err != nil {
			return nil, err
		}
		if ni == nil {
			return nil, fmt.Errorf("activeproxy: cannot find node %s", p.serverId)
		}
		serverHost = ni.Addr.IP.String()
	}

	if serverHost == "" || serverPort == 0 {
		return nil, errors.New("activeproxy: rendezvous server is not configured")
	}
	p.serverAddr = net.JoinHostPort(serverHost, strconv.Itoa(int(serverPort)))
	return p, nil
}

func orDefault(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}

func (p *ActiveProxy) serverEndpoint() string   { return p.serverAddr }
func (p *ActiveProxy) upstreamEndpoint() string { return p.upstream }

func (p *ActiveProxy) nodeId() core.Id { return p.node.Id() }

func (p *ActiveProxy) nextConnectionId() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastConnId++
	return p.lastConnId
}

func (p *ActiveProxy) sessionPublicKey() [crypto.BoxKeyBytes]byte {
	return p.sessionKey.PublicKey()
}

func (p *ActiveProxy) isAuthenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serverPk != nil
}

// RelayPort returns the port the rendezvous allocated for this tunnel, 0
// before authentication.
func (p *ActiveProxy) RelayPort() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.relayPort
}

func (p *ActiveProxy) signWithNode(data []byte) []byte { return p.node.Sign(data) }

func (p *ActiveProxy) encryptWithNode(plain []byte) ([]byte, error) {
	return p.node.EncryptTo(p.serverId, plain)
}

func (p *ActiveProxy) decryptWithNode(cipher []byte) ([]byte, error) {
	return p.node.DecryptFrom(p.serverId, cipher)
}

func (p *ActiveProxy) encryptSession(plain []byte, nonce crypto.Nonce) ([]byte, error) {
	p.mu.Lock()
	box := p.sessionBox
	p.mu.Unlock()
	if box == nil {
		return nil, errors.New("activeproxy: session not established")
	}
	return box.Encrypt(plain, nonce), nil
}

func (p *ActiveProxy) decryptSession(cipher []byte, nonce crypto.Nonce) ([]byte, error) {
	p.mu.Lock()
	box := p.sessionBox
	p.mu.Unlock()
	if box == nil {
		return nil, errors.New("activeproxy: session not established")
	}
	return box.Decrypt(cipher, nonce)
}

// Start launches the controller loop.
func (p *ActiveProxy) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Info("Active proxy starting", "server", p.serverAddr, "upstream", p.upstream)
	go p.run()
	return nil
}

// Stop closes every connection and stops the loop.
func (p *ActiveProxy) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.quit)
	<-p.done

	p.mu.Lock()
	conns := append([]*ProxyConnection(nil), p.connections...)
	p.connections = nil
	p.mu.Unlock()
	for _, c := range conns {
		c.close()
		c.unref()
	}
	p.logger.Info("Active proxy stopped")
}

// run is the controller loop: provisioning, keep-alive sweeps, idle-pool
// scaling and the peer announcement.
func (p *ActiveProxy) run() {
	defer close(p.done)

	provision := time.NewTicker(250 * time.Millisecond)
	defer provision.Stop()
	keepAlive := time.NewTicker(p.keepAliveCheck)
	defer keepAlive.Stop()
	idle := time.NewTicker(p.idleCheckInterval)
	defer idle.Stop()

	for {
		select {
		case <-provision.C:
			if p.needsNewConnection() {
				p.connect()
			}
			p.maybeAnnouncePeer()
		case <-keepAlive.C:
			for _, c := range p.snapshotConnections() {
				c.periodicCheck()
			}
		case <-idle.C:
			p.idleCheck()
		case <-p.quit:
			return
		}
	}
}

func (p *ActiveProxy) snapshotConnections() []*ProxyConnection {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ProxyConnection(nil), p.connections...)
}

// needsNewConnection provisions when the pool is empty or fully busy,
// below the cap, and no reconnect timer is pending.
func (p *ActiveProxy) needsNewConnection() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.connecting {
		return false
	}
	if len(p.connections) >= p.maxConnections {
		return false
	}
	if !p.reconnectAt.IsZero() && time.Now().Before(p.reconnectAt) {
		return false
	}
	return len(p.connections) == 0 || p.inFlights == len(p.connections)
}

// connect opens one more connection, honoring the exponential backoff
// after failures: min(2^fails, 64) seconds.
func (p *ActiveProxy) connect() {
	p.mu.Lock()
	if p.serverFails > 0 && p.reconnectAt.IsZero() {
		shift := p.serverFails
		if shift > maxReconnectBackoffShift {
			shift = maxReconnectBackoffShift
		}
		delay := reconnectBackoffBaseDelay << shift
		p.reconnectAt = time.Now().Add(delay)
		p.mu.Unlock()
		p.logger.Info("Reconnecting after backoff", "delay", delay)
		return
	}
	p.reconnectAt = time.Time{}
	p.connecting = true
	p.mu.Unlock()

	c := newProxyConnection(p, (*proxyEvents)(p))
	c.ref()

	p.mu.Lock()
	p.connections = append(p.connections, c)
	p.mu.Unlock()

	go func() {
		// a dial failure surfaces through onOpenFailed via close()
		c.connect()
		p.mu.Lock()
		p.connecting = false
		p.mu.Unlock()
	}()
}

// idleCheck logs pool status and shrinks an idle pool down to one
// connection.
func (p *ActiveProxy) idleCheck() {
	conns := p.snapshotConnections()
	p.mu.Lock()
	inFlights := p.inFlights
	idleSince := p.idleSince
	p.mu.Unlock()

	p.logger.Info("Active proxy status", "connections", len(conns), "inFlights", inFlights)
	for _, c := range conns {
		p.logger.Info("Active proxy status", "status", c.status())
	}

	if idleSince.IsZero() || time.Since(idleSince) < p.maxIdleTime {
		return
	}
	if inFlights != 0 || len(conns) <= 1 {
		return
	}

	p.logger.Info("Closing redundant connections after long idle")
	p.mu.Lock()
	victims := p.connections[1:]
	p.connections = p.connections[:1]
	p.mu.Unlock()
	for _, c := range victims {
		c.close()
		c.unref()
	}
}

// maybeAnnouncePeer publishes the relay endpoint as a DHT peer once the
// session is authenticated.
func (p *ActiveProxy) maybeAnnouncePeer() {
	if p.config.PeerKeyPair == nil {
		return
	}
	p.mu.Lock()
	ready := p.serverPk != nil && p.relayPort != 0 && !p.peerAnnounced
	port := p.relayPort
	domainEnabled := p.domainEnabled
	p.mu.Unlock()
	if !ready {
		return
	}

	altURL := ""
	if domainEnabled && p.domain != "" {
		altURL = "https://" + p.domain
	}
	peer, err := core.NewPeerInfo(*p.config.PeerKeyPair, p.node.Id(), p.node.Id(), port, altURL)
	if err != nil {
		p.logger.Error("Cannot build peer announcement", "err", err)
		return
	}

	p.mu.Lock()
	p.peerAnnounced = true
	p.mu.Unlock()

	go func() {
		// persistent: the node re-announces it on its own cadence
		if err := p.node.AnnouncePeer(peer, true); err != nil {
			p.logger.Error("Peer announcement failed", "err", err)
			p.mu.Lock()
			p.peerAnnounced = false
			p.mu.Unlock()
			return
		}
		p.logger.Info("Announced relay peer", "peer", peer.Id(), "port", port)
	}()
}

// proxyEvents adapts the controller to the connection capability
// interface.
type proxyEvents ActiveProxy

func (e *proxyEvents) p() *ActiveProxy { return (*ActiveProxy)(e) }

func (e *proxyEvents) onAuthorized(_ *ProxyConnection, serverPk [crypto.BoxKeyBytes]byte, relayPort uint16, domainEnabled bool) {
	p := e.p()
	p.mu.Lock()
	p.serverPk = &serverPk
	p.relayPort = relayPort
	p.domainEnabled = domainEnabled
	p.sessionBox = crypto.NewBox(serverPk, p.sessionKey.PrivateKey())
	p.mu.Unlock()
	p.logger.Info("Session authorized", "relayPort", relayPort, "domainEnabled", domainEnabled)
}

func (e *proxyEvents) onOpened(*ProxyConnection) {
	p := e.p()
	p.mu.Lock()
	p.serverFails = 0
	p.reconnectAt = time.Time{}
	if p.inFlights == 0 && p.idleSince.IsZero() {
		p.idleSince = time.Now()
	}
	p.mu.Unlock()
}

func (e *proxyEvents) onOpenFailed(*ProxyConnection) {
	p := e.p()
	p.mu.Lock()
	p.serverFails++
	p.mu.Unlock()
}

func (e *proxyEvents) onClosed(c *ProxyConnection) {
	p := e.p()
	p.mu.Lock()
	for i, o := range p.connections {
		if o == c {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			c.unref()
			break
		}
	}
	p.mu.Unlock()
}

func (e *proxyEvents) onBusy(*ProxyConnection) {
	p := e.p()
	p.mu.Lock()
	p.inFlights++
	p.idleSince = time.Time{}
	p.mu.Unlock()
}

func (e *proxyEvents) onIdle(*ProxyConnection) {
	p := e.p()
	p.mu.Lock()
	if p.inFlights > 0 {
		p.inFlights--
	}
	if p.inFlights == 0 {
		p.idleSince = time.Now()
	}
	p.mu.Unlock()
}
