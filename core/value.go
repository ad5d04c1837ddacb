package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/corvid-net/corvid/crypto"
)

// Value is a datum stored in the overlay. Immutable values are addressed by
// the hash of their content; mutable values by the hash of their public key
// and nonce, and carry a monotonically increasing sequence number under an
// Ed25519 signature. Encrypted values additionally seal their data to a
// recipient node.
type Value struct {
	publicKey *Id
	recipient *Id
	keyPair   *crypto.KeyPair // only on values we own
	nonce     crypto.Nonce
	signature []byte
	data      []byte
	seq       int32
}

// ErrNotOwned is returned when updating a mutable value without its private
// key.
var ErrNotOwned = errors.New("core: value is not updatable without the private key")

// CreateValue builds an immutable value.
func CreateValue(data []byte) Value {
	return Value{data: append([]byte(nil), data...), seq: -1}
}

// CreateSignedValue builds a mutable value at sequence 0 with a fresh
// keypair and nonce.
func CreateSignedValue(data []byte) (Value, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return Value{}, err
	}
	return newSignedValue(kp, nil, crypto.RandomNonce(), 0, data)
}

// CreateSignedValueWith builds a mutable value under the caller's keypair
// and nonce.
func CreateSignedValueWith(kp crypto.KeyPair, nonce crypto.Nonce, seq int32, data []byte) (Value, error) {
	return newSignedValue(kp, nil, nonce, seq, data)
}

// CreateEncryptedValue builds a mutable value whose data is sealed to the
// recipient node.
func CreateEncryptedValue(recipient Id, data []byte) (Value, error) {
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return Value{}, err
	}
	return newSignedValue(kp, &recipient, crypto.RandomNonce(), 0, data)
}

func newSignedValue(kp crypto.KeyPair, recipient *Id, nonce crypto.Nonce, seq int32, data []byte) (Value, error) {
	pk, err := IdFromBytes(kp.PublicKey())
	if err != nil {
		return Value{}, err
	}
	v := Value{
		publicKey: &pk,
		recipient: recipient,
		keyPair:   &kp,
		nonce:     nonce,
		seq:       seq,
	}
	if recipient != nil {
		sealed, err := sealToRecipient(kp, *recipient, nonce, data)
		if err != nil {
			return Value{}, err
		}
		v.data = sealed
	} else {
		v.data = append([]byte(nil), data...)
	}
	v.signature = kp.Sign(v.signData())
	return v, nil
}

// ValueOf reassembles a value received from the network or storage.
func ValueOf(publicKey, recipient *Id, nonce crypto.Nonce, seq int32, signature, data []byte) Value {
	return Value{
		publicKey: publicKey,
		recipient: recipient,
		nonce:     nonce,
		seq:       seq,
		signature: signature,
		data:      data,
	}
}

// CalculateValueId derives the storage address of a value.
func CalculateValueId(publicKey *Id, nonce crypto.Nonce, data []byte) Id {
	h := sha256.New()
	if publicKey != nil {
		h.Write(publicKey[:])
		h.Write(nonce[:])
	} else {
		h.Write(data)
	}
	var id Id
	h.Sum(id[:0])
	return id
}

// Id returns the value's storage address.
func (v Value) Id() Id {
	return CalculateValueId(v.publicKey, v.nonce, v.data)
}

// IsMutable reports whether the value carries a public key.
func (v Value) IsMutable() bool { return v.publicKey != nil }

// IsEncrypted reports whether the value data is sealed to a recipient.
func (v Value) IsEncrypted() bool { return v.recipient != nil }

// IsSigned reports whether the value carries a signature.
func (v Value) IsSigned() bool { return len(v.signature) > 0 }

// HasPrivateKey reports whether the local node owns the value.
func (v Value) HasPrivateKey() bool { return v.keyPair != nil }

// PublicKey returns the value's public key; zero for immutable values.
func (v Value) PublicKey() Id {
	if v.publicKey == nil {
		return ZeroId
	}
	return *v.publicKey
}

// PublicKeyRef returns the public key pointer, nil for immutable values.
func (v Value) PublicKeyRef() *Id { return v.publicKey }

// Recipient returns the recipient pointer, nil for unencrypted values.
func (v Value) Recipient() *Id { return v.recipient }

// Nonce returns the value nonce.
func (v Value) Nonce() crypto.Nonce { return v.nonce }

// SequenceNumber returns the mutable-value sequence number, -1 for
// immutable values.
func (v Value) SequenceNumber() int32 { return v.seq }

// Signature returns the value signature.
func (v Value) Signature() []byte { return v.signature }

// Data returns the value payload (ciphertext for encrypted values).
func (v Value) Data() []byte { return v.data }

// Update produces the next version of a mutable value: the sequence number
// is bumped and the new data re-signed. Only the owner can update.
func (v Value) Update(data []byte) (Value, error) {
	if !v.IsMutable() {
		return Value{}, errors.New("core: immutable values cannot be updated")
	}
	if v.keyPair == nil {
		return Value{}, ErrNotOwned
	}
	next := Value{
		publicKey: v.publicKey,
		recipient: v.recipient,
		keyPair:   v.keyPair,
		nonce:     v.nonce,
		seq:       v.seq + 1,
	}
	if v.recipient != nil {
		sealed, err := sealToRecipient(*v.keyPair, *v.recipient, v.nonce, data)
		if err != nil {
			return Value{}, err
		}
		next.data = sealed
	} else {
		next.data = append([]byte(nil), data...)
	}
	next.signature = v.keyPair.Sign(next.signData())
	return next, nil
}

func (v Value) signData() []byte {
	buf := new(bytes.Buffer)
	if v.recipient != nil {
		buf.Write(v.recipient[:])
	}
	buf.Write(v.nonce[:])
	var seq [4]byte
	binary.BigEndian.PutUint32(seq[:], uint32(v.seq))
	buf.Write(seq[:])
	buf.Write(v.data)
	return buf.Bytes()
}

// IsValid checks structural integrity: a value with empty data is never
// valid; other immutable values are always valid; mutable values must carry
// a verifying signature.
func (v Value) IsValid() bool {
	if len(v.data) == 0 {
		return false
	}
	if !v.IsMutable() {
		return true
	}
	if len(v.signature) != crypto.SignatureBytes {
		return false
	}
	return crypto.Verify(v.publicKey[:], v.signData(), v.signature)
}

// DecryptData opens an encrypted value's payload with the recipient's
// signing keypair.
func (v Value) DecryptData(recipient crypto.KeyPair) ([]byte, error) {
	if !v.IsEncrypted() {
		return nil, errors.New("core: value is not encrypted")
	}
	senderPk, err := v.publicKey.EncryptionKey()
	if err != nil {
		return nil, err
	}
	localKp, err := crypto.BoxKeyPairFromSignatureKey(recipient)
	if err != nil {
		return nil, err
	}
	return crypto.NewBox(senderPk, localKp.PrivateKey()).Decrypt(v.data, v.nonce)
}

func sealToRecipient(kp crypto.KeyPair, recipient Id, nonce crypto.Nonce, data []byte) ([]byte, error) {
	recipientPk, err := recipient.EncryptionKey()
	if err != nil {
		return nil, err
	}
	senderKp, err := crypto.BoxKeyPairFromSignatureKey(kp)
	if err != nil {
		return nil, err
	}
	return crypto.NewBox(recipientPk, senderKp.PrivateKey()).Encrypt(data, nonce), nil
}

// Equals compares two values field by field.
func (v Value) Equals(o Value) bool {
	if (v.publicKey == nil) != (o.publicKey == nil) ||
		(v.recipient == nil) != (o.recipient == nil) {
		return false
	}
	if v.publicKey != nil && *v.publicKey != *o.publicKey {
		return false
	}
	if v.recipient != nil && *v.recipient != *o.recipient {
		return false
	}
	return v.seq == o.seq && v.nonce == o.nonce &&
		bytes.Equal(v.signature, o.signature) && bytes.Equal(v.data, o.data)
}

func (v Value) String() string {
	if v.IsMutable() {
		return fmt.Sprintf("<%s,seq=%d,%d bytes>", v.Id(), v.seq, len(v.data))
	}
	return fmt.Sprintf("<%s,%d bytes>", v.Id(), len(v.data))
}
