// Package crypto implements the identity primitives shared by the DHT and
// the active proxy: Ed25519 signatures, Curve25519 authenticated encryption
// (XSalsa20-Poly1305 boxes) and the Ed25519 -> X25519 key conversion that
// lets one long-term keypair serve both purposes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

const (
	// SignatureBytes is the size of an Ed25519 signature.
	SignatureBytes = ed25519.SignatureSize

	// PublicKeyBytes is the size of an Ed25519 public key.
	PublicKeyBytes = ed25519.PublicKeySize

	// PrivateKeySeedBytes is the size of the raw seed persisted on disk.
	PrivateKeySeedBytes = ed25519.SeedSize
)

var errKeySize = errors.New("crypto: invalid key size")

// KeyPair bundles an Ed25519 signing key with its public half.
type KeyPair struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// GenerateKeyPair creates a fresh random signing keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("crypto: generate keypair: %w", err)
	}
	return KeyPair{priv: priv, pub: pub}, nil
}

// KeyPairFromSeed reconstructs a keypair from a 32-byte seed.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, errKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return KeyPair{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// Seed returns the 32-byte seed of the private key.
func (kp KeyPair) Seed() []byte { return kp.priv.Seed() }

// PublicKey returns the Ed25519 public key.
func (kp KeyPair) PublicKey() ed25519.PublicKey { return kp.pub }

// PrivateKey returns the Ed25519 private key.
func (kp KeyPair) PrivateKey() ed25519.PrivateKey { return kp.priv }

// Sign signs data with the private key.
func (kp KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.priv, data)
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(pub, data, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig)
}
