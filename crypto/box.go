package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	// BoxKeyBytes is the size of a Curve25519 key.
	BoxKeyBytes = 32

	// NonceBytes is the size of an XSalsa20-Poly1305 nonce.
	NonceBytes = 24

	// MACBytes is the Poly1305 authenticator overhead per sealed message.
	MACBytes = box.Overhead
)

// ErrDecrypt is returned when a sealed box fails to open. Callers treat it
// as a reason to drop the offending datagram or frame, never to reply.
var ErrDecrypt = errors.New("crypto: box open failed")

// Nonce is an XSalsa20-Poly1305 nonce.
type Nonce [NonceBytes]byte

// RandomNonce returns a fresh random nonce.
func RandomNonce() Nonce {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		panic("crypto: entropy source failed: " + err.Error())
	}
	return n
}

// NonceFromBytes copies b into a Nonce.
func NonceFromBytes(b []byte) (Nonce, error) {
	var n Nonce
	if len(b) != NonceBytes {
		return n, errKeySize
	}
	copy(n[:], b)
	return n, nil
}

// BoxKeyPair is a Curve25519 keypair used for authenticated encryption.
type BoxKeyPair struct {
	sk [BoxKeyBytes]byte
	pk [BoxKeyBytes]byte
}

// GenerateBoxKeyPair creates a fresh random encryption keypair.
func GenerateBoxKeyPair() (BoxKeyPair, error) {
	pk, sk, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return BoxKeyPair{}, fmt.Errorf("crypto: generate box keypair: %w", err)
	}
	return BoxKeyPair{sk: *sk, pk: *pk}, nil
}

// BoxKeyPairFromSignatureKey derives the Curve25519 keypair from an Ed25519
// signing key, so a node's long-term identity also serves for encryption.
func BoxKeyPairFromSignatureKey(kp KeyPair) (BoxKeyPair, error) {
	h := sha512.Sum512(kp.priv.Seed())
	var out BoxKeyPair
	copy(out.sk[:], h[:32])
	out.sk[0] &= 248
	out.sk[31] &= 127
	out.sk[31] |= 64

	pk, err := curve25519.X25519(out.sk[:], curve25519.Basepoint)
	if err != nil {
		return BoxKeyPair{}, fmt.Errorf("crypto: derive box public key: %w", err)
	}
	copy(out.pk[:], pk)
	return out, nil
}

// PublicKey returns the Curve25519 public key.
func (kp BoxKeyPair) PublicKey() [BoxKeyBytes]byte { return kp.pk }

// PrivateKey returns the Curve25519 private key.
func (kp BoxKeyPair) PrivateKey() [BoxKeyBytes]byte { return kp.sk }

// ConvertSignaturePublicKey maps an Ed25519 public key to its birationally
// equivalent Curve25519 public key.
func ConvertSignaturePublicKey(pub []byte) ([BoxKeyBytes]byte, error) {
	var out [BoxKeyBytes]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, errKeySize
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("crypto: convert signature key: %w", err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// Box is a precomputed shared key between one local private key and one
// remote public key. It is safe for concurrent use once constructed.
type Box struct {
	shared [BoxKeyBytes]byte
}

// NewBox precomputes the shared key for the given peer.
func NewBox(peerPublic [BoxKeyBytes]byte, localPrivate [BoxKeyBytes]byte) *Box {
	b := new(Box)
	box.Precompute(&b.shared, &peerPublic, &localPrivate)
	return b
}

// Encrypt seals plain under nonce, returning nonce-less ciphertext with the
// MAC prepended. The output is len(plain)+MACBytes bytes.
func (b *Box) Encrypt(plain []byte, nonce Nonce) []byte {
	n := [NonceBytes]byte(nonce)
	return box.SealAfterPrecomputation(nil, plain, &n, &b.shared)
}

// Decrypt opens cipher under nonce.
func (b *Box) Decrypt(cipher []byte, nonce Nonce) ([]byte, error) {
	if len(cipher) < MACBytes {
		return nil, ErrDecrypt
	}
	n := [NonceBytes]byte(nonce)
	plain, ok := box.OpenAfterPrecomputation(nil, cipher, &n, &b.shared)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}
