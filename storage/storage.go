// Package storage defines the value and peer store used by the DHT core,
// with a LevelDB-backed default implementation.
package storage

import (
	"errors"
	"time"

	"github.com/corvid-net/corvid/core"
)

// Retention limits for non-persistent entries.
const (
	MaxValueAge = 2 * time.Hour
	MaxPeerAge  = 2 * time.Hour
)

// Rejections from PutValue, surfaced to remote writers as value errors.
var (
	// ErrImmutableSubstitution: an immutable value may not replace an
	// existing mutable one.
	ErrImmutableSubstitution = errors.New("storage: immutable value cannot replace a mutable value")

	// ErrNotOwner: the stored value is locally owned but the incoming one
	// carries no private key.
	ErrNotOwner = errors.New("storage: existing value is not owned by the caller")

	// ErrSequenceNotMonotonic: the incoming sequence number does not
	// advance the stored one.
	ErrSequenceNotMonotonic = errors.New("storage: sequence number less than current")

	// ErrCASFail: the compare-and-swap expectation did not match.
	ErrCASFail = errors.New("storage: CAS failure")

	// ErrInvalidSignature: the incoming mutable value fails verification.
	ErrInvalidSignature = errors.New("storage: invalid value signature")
)

// IsValueError reports whether err is one of the PutValue rejections.
func IsValueError(err error) bool {
	return errors.Is(err, ErrImmutableSubstitution) ||
		errors.Is(err, ErrNotOwner) ||
		errors.Is(err, ErrSequenceNotMonotonic) ||
		errors.Is(err, ErrCASFail) ||
		errors.Is(err, ErrInvalidSignature)
}

// Storage holds values and peer announcements with TTL and re-announce
// bookkeeping. Implementations are used from the node's loop goroutine
// only.
type Storage interface {
	// GetValue returns the stored value, or nil when absent or expired.
	GetValue(id core.Id) (*core.Value, error)

	// PutValue stores a value, returning the prior version when one was
	// replaced. expectedSeq below zero disables the compare-and-swap
	// check. Persistent entries never expire; updateLastAnnounce stamps
	// the re-announce clock.
	PutValue(value core.Value, expectedSeq int32, persistent, updateLastAnnounce bool) (*core.Value, error)

	// UpdateValueLastAnnounce stamps the value's re-announce clock.
	UpdateValueLastAnnounce(id core.Id) error

	// PersistentValues lists persistent values last announced before the
	// given time.
	PersistentValues(before time.Time) ([]core.Value, error)

	// RemoveValue deletes a value, reporting whether it existed.
	RemoveValue(id core.Id) (bool, error)

	// ValueIds lists every stored value id.
	ValueIds() ([]core.Id, error)

	// GetPeers returns up to max announcements under a peer id.
	GetPeers(peerId core.Id, max int) ([]core.PeerInfo, error)

	// GetPeer returns one announcement by peer id and origin, nil when
	// absent or expired.
	GetPeer(peerId, origin core.Id) (*core.PeerInfo, error)

	// PutPeer stores an announcement.
	PutPeer(peer core.PeerInfo, persistent, updateLastAnnounce bool) error

	// UpdatePeerLastAnnounce stamps the announcement's re-announce clock.
	UpdatePeerLastAnnounce(peerId, origin core.Id) error

	// PersistentPeers lists persistent announcements last announced
	// before the given time.
	PersistentPeers(before time.Time) ([]core.PeerInfo, error)

	// RemovePeer deletes an announcement, reporting whether it existed.
	RemovePeer(peerId, origin core.Id) (bool, error)

	// Expire purges non-persistent entries past their maximum age.
	Expire() error

	// Close releases the backing store.
	Close() error
}
