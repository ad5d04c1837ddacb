package activeproxy

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/dht"
	"github.com/corvid-net/corvid/log"
)

func testNode(t *testing.T) *dht.Node {
	t.Helper()
	node, err := dht.NewNode(dht.Config{
		Addr4:   "127.0.0.1",
		DataDir: t.TempDir(),
		Logger:  log.NewLogger(log.DiscardHandler()),
	})
	require.NoError(t, err)
	return node
}

func deriveNonce(sender, recipient core.Id) crypto.Nonce {
	h := sha256.New()
	h.Write(sender.Bytes())
	h.Write(recipient.Bytes())
	sum := h.Sum(nil)
	var n crypto.Nonce
	copy(n[:], sum[:crypto.NonceBytes])
	return n
}

// stubRendezvous is a minimal server-side implementation of the tunnel
// protocol, good enough to authenticate clients and relay frames.
type stubRendezvous struct {
	t        *testing.T
	keyPair  crypto.KeyPair
	id       core.Id
	listener net.Listener

	sessionKey crypto.BoxKeyPair

	mu         sync.Mutex
	accepted   int
	conns      []net.Conn
	sessionBox *crypto.Box
	connNonce  crypto.Nonce
	clientId   core.Id
	silent     bool
	frameSink  chan stubFrame

	authDone chan struct{}
	authOnce sync.Once
}

func newStubRendezvous(t *testing.T) *stubRendezvous {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	id, err := core.IdFromBytes(kp.PublicKey())
	require.NoError(t, err)
	sessionKey, err := crypto.GenerateBoxKeyPair()
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &stubRendezvous{
		t: t, keyPair: kp, id: id, listener: l,
		sessionKey: sessionKey, authDone: make(chan struct{}),
	}
	go s.acceptLoop()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *stubRendezvous) addr() (string, uint16) {
	a := s.listener.Addr().(*net.TCPAddr)
	return a.IP.String(), uint16(a.Port)
}

func (s *stubRendezvous) acceptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func (s *stubRendezvous) setSilent(v bool) {
	s.mu.Lock()
	s.silent = v
	s.mu.Unlock()
}

func (s *stubRendezvous) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *stubRendezvous) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func writeFrame(conn net.Conn, flag uint8, body []byte) error {
	frame := make([]byte, packetHeaderBytes+len(body))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(frame)))
	frame[2] = flag
	copy(frame[packetHeaderBytes:], body)
	_, err := conn.Write(frame)
	return err
}

func readFrame(conn net.Conn) (uint8, []byte, error) {
	var header [packetHeaderBytes]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}
	size := int(binary.BigEndian.Uint16(header[:2]))
	if size < packetHeaderBytes {
		return 0, nil, errors.New("stub: short frame")
	}
	body := make([]byte, size-packetHeaderBytes)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return header[2], body, nil
}

func (s *stubRendezvous) serve(conn net.Conn) {
	// challenge: framed random bytes, no flag byte
	challenge := crypto.RandomBytes(64)
	frame := make([]byte, 2+len(challenge))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(frame)))
	copy(frame[2:], challenge)
	if _, err := conn.Write(frame); err != nil {
		return
	}

	for {
		flag, body, err := readFrame(conn)
		if err != nil {
			return
		}
		s.mu.Lock()
		silent := s.silent
		s.mu.Unlock()
		if silent {
			continue
		}

		typ, err := typeOf(flag)
		if err != nil {
			s.t.Logf("stub: bad flag: %v", err)
			return
		}
		switch typ {
		case packetAuth, packetAttach:
			s.handleAuth(conn, challenge, body, typ)
		case packetPing:
			writeFrame(conn, flagOf(packetPingAck), nil)
		case packetConnectAck, packetData, packetDisconnect, packetDisconnectAck:
			s.mu.Lock()
			if s.frameSink != nil {
				s.frameSink <- stubFrame{typ, body}
			}
			s.mu.Unlock()
		}
	}
}

type stubFrame struct {
	typ  packetType
	body []byte
}

func (s *stubRendezvous) handleAuth(conn net.Conn, challenge, body []byte, typ packetType) {
	require.Greater(s.t, len(body), core.IdBytes)
	clientId, err := core.IdFromBytes(body[:core.IdBytes])
	require.NoError(s.t, err)

	clientPk, err := clientId.EncryptionKey()
	require.NoError(s.t, err)
	serverBoxKp, err := crypto.BoxKeyPairFromSignatureKey(s.keyPair)
	require.NoError(s.t, err)
	nodeBox := crypto.NewBox(clientPk, serverBoxKp.PrivateKey())

	plain, err := nodeBox.Decrypt(body[core.IdBytes:], deriveNonce(clientId, s.id))
	require.NoError(s.t, err)
	require.GreaterOrEqual(s.t, len(plain), crypto.BoxKeyBytes+crypto.NonceBytes+crypto.SignatureBytes)

	var clientSessionPk [crypto.BoxKeyBytes]byte
	copy(clientSessionPk[:], plain[:crypto.BoxKeyBytes])
	var connNonce crypto.Nonce
	copy(connNonce[:], plain[crypto.BoxKeyBytes:crypto.BoxKeyBytes+crypto.NonceBytes])
	sig := plain[crypto.BoxKeyBytes+crypto.NonceBytes : crypto.BoxKeyBytes+crypto.NonceBytes+crypto.SignatureBytes]
	require.True(s.t, crypto.Verify(clientId.Bytes(), challenge, sig), "challenge signature must verify")

	s.mu.Lock()
	s.clientId = clientId
	s.connNonce = connNonce
	s.sessionBox = crypto.NewBox(clientSessionPk, s.sessionKey.PrivateKey())
	s.mu.Unlock()

	if typ == packetAttach {
		writeFrame(conn, flagOf(packetAttachAck), nil)
		s.authOnce.Do(func() { close(s.authDone) })
		return
	}

	// AUTH_ACK: box_from_node(serverSessionPk || port || domainEnabled)
	ack := make([]byte, 0, crypto.BoxKeyBytes+3)
	sessionPk := s.sessionKey.PublicKey()
	ack = append(ack, sessionPk[:]...)
	ack = binary.BigEndian.AppendUint16(ack, 19999)
	ack = append(ack, 0) // domainEnabled = false
	cipher := nodeBox.Encrypt(ack, deriveNonce(s.id, clientId))
	writeFrame(conn, flagOf(packetAuthAck), cipher)

	s.authOnce.Do(func() { close(s.authDone) })
}

// sendConnect asks the client to open its upstream.
func (s *stubRendezvous) sendConnect(conn net.Conn) {
	plain := make([]byte, 1+16+2)
	plain[0] = net.IPv4len
	copy(plain[1:], net.IPv4(192, 0, 2, 1).To4())
	binary.BigEndian.PutUint16(plain[17:], 45678)

	s.mu.Lock()
	cipher := s.sessionBox.Encrypt(plain, s.connNonce)
	s.mu.Unlock()
	require.NoError(s.t, writeFrame(conn, flagOf(packetConnect), cipher))
}

func (s *stubRendezvous) encryptData(data []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionBox.Encrypt(data, s.connNonce)
}

func (s *stubRendezvous) decryptData(cipher []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionBox.Decrypt(cipher, s.connNonce)
}

// upstreamSink is a TCP server capturing everything written to it.
type upstreamSink struct {
	listener net.Listener
	mu       sync.Mutex
	buf      bytes.Buffer
}

func newUpstreamSink(t *testing.T) *upstreamSink {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	u := &upstreamSink{listener: l}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				buf := make([]byte, 64*1024)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						u.mu.Lock()
						u.buf.Write(buf[:n])
						u.mu.Unlock()
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return u
}

func (u *upstreamSink) port() uint16 {
	return uint16(u.listener.Addr().(*net.TCPAddr).Port)
}

func (u *upstreamSink) received() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.buf.Bytes()...)
}

func startProxy(t *testing.T, node *dht.Node, s *stubRendezvous, upstreamPort uint16, tweak func(*Config)) *ActiveProxy {
	t.Helper()
	host, port := s.addr()
	cfg := Config{
		ServerId:     s.id,
		ServerHost:   host,
		ServerPort:   port,
		UpstreamHost: "127.0.0.1",
		UpstreamPort: upstreamPort,
		Logger:       log.NewLogger(log.DiscardHandler()),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	p, err := NewActiveProxy(node, cfg)
	require.NoError(t, err)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)
	return p
}

// Scenario: challenge, AUTH, AUTH_ACK{port=19999}, Idling; CONNECT opens
// the upstream and CONNECT_ACK reports success; 100 random DATA frames
// across fuzzed TCP chunking arrive byte-exact at the upstream.
func TestProxyHandshakeAndRelay(t *testing.T) {
	node := testNode(t)
	stub := newStubRendezvous(t)
	upstream := newUpstreamSink(t)

	frames := make(chan stubFrame, 1024)
	stub.mu.Lock()
	stub.frameSink = frames
	stub.mu.Unlock()

	proxy := startProxy(t, node, stub, upstream.port(), nil)

	select {
	case <-stub.authDone:
	case <-time.After(5 * time.Second):
		t.Fatal("authentication did not complete")
	}
	require.Eventually(t, func() bool { return proxy.RelayPort() == 19999 },
		2*time.Second, 10*time.Millisecond)

	conn := stub.currentConn()
	require.NotNil(t, conn)
	stub.sendConnect(conn)

	// CONNECT_ACK must report success in the low bit
	select {
	case f := <-frames:
		require.Equal(t, packetConnectAck, f.typ)
		require.NotEmpty(t, f.body)
		assert.Equal(t, uint8(1), f.body[0]&0x01)
	case <-time.After(5 * time.Second):
		t.Fatal("no CONNECT_ACK")
	}

	// 100 random frames, fuzz-chunked on the TCP stream
	var want bytes.Buffer
	var wire bytes.Buffer
	for i := 0; i < 100; i++ {
		size := 1 + int(crypto.RandomUint32n(30000))
		data := crypto.RandomBytes(size)
		want.Write(data)

		cipher := stub.encryptData(data)
		frame := make([]byte, packetHeaderBytes+len(cipher))
		binary.BigEndian.PutUint16(frame[:2], uint16(len(frame)))
		frame[2] = flagOf(packetData)
		copy(frame[packetHeaderBytes:], cipher)
		wire.Write(frame)
	}
	stream := wire.Bytes()
	for len(stream) > 0 {
		chunk := 1 + int(crypto.RandomUint32n(8192))
		if chunk > len(stream) {
			chunk = len(stream)
		}
		_, err := conn.Write(stream[:chunk])
		require.NoError(t, err)
		stream = stream[chunk:]
	}

	require.Eventually(t, func() bool {
		return bytes.Equal(upstream.received(), want.Bytes())
	}, 10*time.Second, 20*time.Millisecond, "upstream must receive the exact byte stream")
}

// Scenario: after authentication the server goes silent; the client pings
// and, after three keep-alive intervals without traffic, declares the
// connection dead and provisions a replacement.
func TestDeadConnectionReconnects(t *testing.T) {
	node := testNode(t)
	stub := newStubRendezvous(t)
	upstream := newUpstreamSink(t)

	proxy := startProxy(t, node, stub, upstream.port(), func(cfg *Config) {
		cfg.KeepAliveInterval = 300 * time.Millisecond
		cfg.KeepAliveCheck = 50 * time.Millisecond
	})

	select {
	case <-stub.authDone:
	case <-time.After(5 * time.Second):
		t.Fatal("authentication did not complete")
	}
	require.Eventually(t, func() bool { return proxy.isAuthenticated() },
		2*time.Second, 10*time.Millisecond)

	first := stub.acceptCount()
	stub.setSilent(true)

	// dead after 3 x keep-alive without any received data, then the
	// controller opens a fresh connection (no backoff: the session had
	// authenticated, so the failure count is zero)
	require.Eventually(t, func() bool {
		return stub.acceptCount() > first
	}, 5*time.Second, 50*time.Millisecond, "a replacement connection should be opened")
}

// feed one reassembly path with arbitrarily split input and verify frames
// come out whole and in order
func TestStickyBufferReassembly(t *testing.T) {
	node := testNode(t)
	stub := newStubRendezvous(t)

	host, port := stub.addr()
	p, err := NewActiveProxy(node, Config{
		ServerId: stub.id, ServerHost: host, ServerPort: port,
		UpstreamHost: "127.0.0.1", UpstreamPort: 1,
		Logger: log.NewLogger(log.DiscardHandler()),
	})
	require.NoError(t, err)

	sessionBox := crypto.NewBox(stub.sessionKey.PublicKey(), p.sessionKey.PrivateKey())
	p.mu.Lock()
	p.sessionBox = sessionBox
	p.mu.Unlock()

	c := newProxyConnection(p, noopEvents{})
	c.nonce = crypto.RandomNonce()
	c.setState(stateRelaying)

	us, peer := net.Pipe()
	c.mu.Lock()
	c.upstream = us
	c.mu.Unlock()

	var got bytes.Buffer
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 64*1024)
		for {
			n, err := peer.Read(buf)
			if n > 0 {
				got.Write(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	serverBox := crypto.NewBox(p.sessionKey.PublicKey(), stub.sessionKey.PrivateKey())
	var want, wire bytes.Buffer
	for i := 0; i < 50; i++ {
		data := crypto.RandomBytes(1 + int(crypto.RandomUint32n(5000)))
		want.Write(data)
		cipher := serverBox.Encrypt(data, c.nonce)
		frame := make([]byte, packetHeaderBytes+len(cipher))
		binary.BigEndian.PutUint16(frame[:2], uint16(len(frame)))
		frame[2] = flagOf(packetData)
		copy(frame[packetHeaderBytes:], cipher)
		wire.Write(frame)
	}

	stream := wire.Bytes()
	for len(stream) > 0 {
		chunk := 1 + int(crypto.RandomUint32n(777))
		if chunk > len(stream) {
			chunk = len(stream)
		}
		c.onRelayRead(stream[:chunk])
		stream = stream[chunk:]
	}

	us.Close()
	<-done
	assert.Equal(t, want.Bytes(), got.Bytes())
}

type noopEvents struct{}

func (noopEvents) onOpened(*ProxyConnection)     {}
func (noopEvents) onOpenFailed(*ProxyConnection) {}
func (noopEvents) onClosed(*ProxyConnection)     {}
func (noopEvents) onBusy(*ProxyConnection)       {}
func (noopEvents) onIdle(*ProxyConnection)       {}
func (noopEvents) onAuthorized(*ProxyConnection, [crypto.BoxKeyBytes]byte, uint16, bool) {
}

// upstream reads pause once the relay write queue passes the bound and
// resume after it drains below a quarter of it.
func TestUpstreamBackpressure(t *testing.T) {
	node := testNode(t)
	stub := newStubRendezvous(t)

	host, port := stub.addr()
	p, err := NewActiveProxy(node, Config{
		ServerId: stub.id, ServerHost: host, ServerPort: port,
		UpstreamHost: "127.0.0.1", UpstreamPort: 1,
		Logger: log.NewLogger(log.DiscardHandler()),
	})
	require.NoError(t, err)

	p.mu.Lock()
	p.sessionBox = crypto.NewBox(stub.sessionKey.PublicKey(), p.sessionKey.PrivateKey())
	p.mu.Unlock()

	c := newProxyConnection(p, noopEvents{})
	c.nonce = crypto.RandomNonce()
	c.setState(stateRelaying)

	relayLocal, relayRemote := net.Pipe()
	c.mu.Lock()
	c.relay = relayLocal
	c.mu.Unlock()

	upstreamLocal, upstreamRemote := net.Pipe()
	c.mu.Lock()
	c.upstream = upstreamLocal
	c.mu.Unlock()

	go c.relayWriteLoop(c.ref())
	go c.upstreamReadLoop(c.ref(), upstreamLocal)

	// stuff the upstream until the un-drained relay queue passes the
	// bound; the reader must pause
	stop := make(chan struct{})
	go func() {
		chunk := make([]byte, 32*1024)
		for {
			select {
			case <-stop:
				return
			default:
			}
			upstreamRemote.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
			upstreamRemote.Write(chunk)
		}
	}()

	require.Eventually(t, func() bool { return c.paused.Load() },
		10*time.Second, 10*time.Millisecond, "upstream reads should pause")

	// drain the relay side; the reader must resume
	go func() {
		buf := make([]byte, 64*1024)
		for {
			relayRemote.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := relayRemote.Read(buf); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return !c.paused.Load() },
		10*time.Second, 10*time.Millisecond, "upstream reads should resume")

	close(stop)
	c.close()
	upstreamRemote.Close()
	relayRemote.Close()
}
