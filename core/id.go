// Package core defines the data model of the overlay: 256-bit identifiers
// with the XOR metric, node and peer descriptors, and stored values.
package core

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/mr-tron/base58"

	"github.com/corvid-net/corvid/crypto"
)

const (
	// IdBytes is the size of an identifier in bytes.
	IdBytes = 32

	// IdBits is the size of an identifier in bits.
	IdBits = IdBytes * 8
)

var errIdSize = errors.New("core: invalid id size")

// Id is a 256-bit node, value or peer identifier. A node's Id is its raw
// Ed25519 public key.
type Id [IdBytes]byte

// ZeroId is the all-zero identifier.
var ZeroId Id

// RandomId returns a uniformly random identifier.
func RandomId() Id {
	var id Id
	crypto.ReadRandom(id[:])
	return id
}

// IdFromBytes copies b into an Id.
func IdFromBytes(b []byte) (Id, error) {
	var id Id
	if len(b) != IdBytes {
		return id, errIdSize
	}
	copy(id[:], b)
	return id, nil
}

// IdFromHex parses a hex string, with or without the 0x prefix.
func IdFromHex(s string) (Id, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Id{}, fmt.Errorf("core: parse hex id: %w", err)
	}
	return IdFromBytes(b)
}

// IdFromBase58 parses the canonical textual form of an Id.
func IdFromBase58(s string) (Id, error) {
	b, err := base58.Decode(s)
	if err != nil {
		return Id{}, fmt.Errorf("core: parse base58 id: %w", err)
	}
	return IdFromBytes(b)
}

// Bytes returns the raw identifier bytes.
func (id Id) Bytes() []byte { return id[:] }

// Hex returns the 0x-prefixed hex rendering.
func (id Id) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

// String renders the Id in base58, the canonical textual form.
func (id Id) String() string { return base58.Encode(id[:]) }

// IsZero reports whether the Id is all zero.
func (id Id) IsZero() bool { return id == ZeroId }

// SignatureKey returns the Id interpreted as an Ed25519 public key.
func (id Id) SignatureKey() ed25519.PublicKey { return ed25519.PublicKey(id[:]) }

// EncryptionKey converts the Id to the equivalent Curve25519 public key.
func (id Id) EncryptionKey() ([crypto.BoxKeyBytes]byte, error) {
	return crypto.ConvertSignaturePublicKey(id[:])
}

// Distance returns the XOR distance between two identifiers.
func Distance(a, b Id) Id {
	var d Id
	for i := 0; i < IdBytes; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareTo orders identifiers as 256-bit big-endian unsigned integers.
func (id Id) CompareTo(o Id) int {
	return bytes.Compare(id[:], o[:])
}

// ThreeWayCompare reports which of a, b is closer to pivot under the XOR
// metric: -1 if a is closer, 1 if b is closer, 0 on a tie.
func ThreeWayCompare(pivot, a, b Id) int {
	da := new(uint256.Int).SetBytes32(Distance(pivot, a).Bytes())
	db := new(uint256.Int).SetBytes32(Distance(pivot, b).Bytes())
	return da.Cmp(db)
}

// BitsEqual reports whether the first depth+1 bits of a and b match.
// A negative depth matches everything.
func BitsEqual(a, b Id, depth int) bool {
	if depth < 0 {
		return true
	}
	mid, rem := depth/8, depth%8
	if !bytes.Equal(a[:mid], b[:mid]) {
		return false
	}
	mask := byte(0xff << (7 - rem) & 0xff)
	return a[mid]&mask == b[mid]&mask
}

// bitsCopy copies the first depth+1 bits of src into dst, leaving the rest
// of dst untouched.
func bitsCopy(src Id, dst *Id, depth int) {
	if depth < 0 {
		return
	}
	mid, rem := depth/8, depth%8
	copy(dst[:mid], src[:mid])
	mask := byte(0xff << (7 - rem) & 0xff)
	dst[mid] = dst[mid]&^mask | src[mid]&mask
}

// bitAt returns the bit at the given position, most significant first.
func (id Id) bitAt(pos int) bool {
	return id[pos/8]&(0x80>>(pos%8)) != 0
}
