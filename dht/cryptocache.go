package dht

import (
	"crypto/sha256"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
)

const cryptoCacheCapacity = 256

// cryptoContext pairs a precomputed box with the deterministic nonces used
// on the datagram envelope.
type cryptoContext struct {
	box       *crypto.Box
	txNonce   crypto.Nonce // sending to the peer
	rxNonce   crypto.Nonce // receiving from the peer
	expiresAt time.Time
}

// envelopeNonce derives the direction-bound nonce of the wire envelope:
// SHA-256(senderId || recipientId) truncated to nonce size.
func envelopeNonce(sender, recipient core.Id) crypto.Nonce {
	h := sha256.New()
	h.Write(sender[:])
	h.Write(recipient[:])
	digest := h.Sum(nil)
	var n crypto.Nonce
	copy(n[:], digest[:crypto.NonceBytes])
	return n
}

// cryptoCache memoizes the derived per-peer boxes. It is safe for
// concurrent use: socket reader goroutines decrypt while the loop encrypts.
type cryptoCache struct {
	mu      sync.Mutex
	localId core.Id
	keyPair crypto.BoxKeyPair
	cache   *lru.Cache
}

func newCryptoCache(localId core.Id, keyPair crypto.BoxKeyPair) *cryptoCache {
	cache, _ := lru.New(cryptoCacheCapacity)
	return &cryptoCache{localId: localId, keyPair: keyPair, cache: cache}
}

func (cc *cryptoCache) get(peer core.Id) (*cryptoContext, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	if v, ok := cc.cache.Get(peer); ok {
		ctx := v.(*cryptoContext)
		if time.Now().Before(ctx.expiresAt) {
			return ctx, nil
		}
		cc.cache.Remove(peer)
	}

	peerPk, err := peer.EncryptionKey()
	if err != nil {
		return nil, err
	}
	ctx := &cryptoContext{
		box:       crypto.NewBox(peerPk, cc.keyPair.PrivateKey()),
		txNonce:   envelopeNonce(cc.localId, peer),
		rxNonce:   envelopeNonce(peer, cc.localId),
		expiresAt: time.Now().Add(KBucketOldAndStaleTime),
	}
	cc.cache.Add(peer, ctx)
	return ctx, nil
}

// encrypt seals a payload for the peer with the envelope nonce.
func (cc *cryptoCache) encrypt(recipient core.Id, plain []byte) ([]byte, error) {
	ctx, err := cc.get(recipient)
	if err != nil {
		return nil, err
	}
	return ctx.box.Encrypt(plain, ctx.txNonce), nil
}

// decrypt opens a payload received from the peer.
func (cc *cryptoCache) decrypt(sender core.Id, cipher []byte) ([]byte, error) {
	ctx, err := cc.get(sender)
	if err != nil {
		return nil, err
	}
	return ctx.box.Decrypt(cipher, ctx.rxNonce)
}

// sweep drops expired contexts; scheduled from the node loop.
func (cc *cryptoCache) sweep() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	now := time.Now()
	for _, key := range cc.cache.Keys() {
		if v, ok := cc.cache.Peek(key); ok {
			if now.After(v.(*cryptoContext).expiresAt) {
				cc.cache.Remove(key)
			}
		}
	}
}
