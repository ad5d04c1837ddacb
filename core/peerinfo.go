package core

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/corvid-net/corvid/crypto"
)

// PeerInfo is a signed service announcement: a peer identity bound to the
// node that hosts it, an optional origin node for delegated announcements,
// a port and an optional alternative URL.
type PeerInfo struct {
	publicKey Id
	keyPair   *crypto.KeyPair // only on announcements we created
	nodeId    Id
	origin    Id
	port      uint16
	altURL    string
	signature []byte
}

// NewPeerInfo creates and signs an announcement for a service hosted on
// nodeId. Origin equals nodeId unless the announcement is delegated.
func NewPeerInfo(kp crypto.KeyPair, nodeId, origin Id, port uint16, altURL string) (PeerInfo, error) {
	pk, err := IdFromBytes(kp.PublicKey())
	if err != nil {
		return PeerInfo{}, err
	}
	pi := PeerInfo{
		publicKey: pk,
		keyPair:   &kp,
		nodeId:    nodeId,
		origin:    origin,
		port:      port,
		altURL:    altURL,
	}
	pi.signature = kp.Sign(pi.signData())
	return pi, nil
}

// PeerInfoOf reassembles an announcement received from the network.
func PeerInfoOf(peerId, nodeId, origin Id, port uint16, altURL string, signature []byte) PeerInfo {
	if origin.IsZero() {
		origin = nodeId
	}
	return PeerInfo{
		publicKey: peerId,
		nodeId:    nodeId,
		origin:    origin,
		port:      port,
		altURL:    altURL,
		signature: signature,
	}
}

// Id returns the peer identifier (the announcement public key).
func (pi PeerInfo) Id() Id { return pi.publicKey }

// NodeId returns the node hosting the service.
func (pi PeerInfo) NodeId() Id { return pi.nodeId }

// Origin returns the announcing node.
func (pi PeerInfo) Origin() Id { return pi.origin }

// IsDelegated reports whether the announcement was made on behalf of
// another node.
func (pi PeerInfo) IsDelegated() bool { return pi.nodeId != pi.origin }

// Port returns the service port.
func (pi PeerInfo) Port() uint16 { return pi.port }

// AlternativeURL returns the optional service URL, empty if absent.
func (pi PeerInfo) AlternativeURL() string { return pi.altURL }

// Signature returns the announcement signature.
func (pi PeerInfo) Signature() []byte { return pi.signature }

// HasPrivateKey reports whether this announcement can be re-signed locally.
func (pi PeerInfo) HasPrivateKey() bool { return pi.keyPair != nil }

// KeyPair returns the announcement keypair when available.
func (pi PeerInfo) KeyPair() (crypto.KeyPair, error) {
	if pi.keyPair == nil {
		return crypto.KeyPair{}, errors.New("core: peer info has no private key")
	}
	return *pi.keyPair, nil
}

func (pi PeerInfo) signData() []byte {
	buf := make([]byte, 0, 3*IdBytes+2+len(pi.altURL))
	buf = append(buf, pi.publicKey[:]...)
	buf = append(buf, pi.nodeId[:]...)
	buf = append(buf, pi.origin[:]...)
	buf = binary.BigEndian.AppendUint16(buf, pi.port)
	buf = append(buf, pi.altURL...)
	return buf
}

// IsValid verifies the announcement signature.
func (pi PeerInfo) IsValid() bool {
	if len(pi.signature) != crypto.SignatureBytes {
		return false
	}
	return crypto.Verify(pi.publicKey[:], pi.signData(), pi.signature)
}

func (pi PeerInfo) String() string {
	return fmt.Sprintf("<%s,%s,%d>", pi.publicKey, pi.nodeId, pi.port)
}
