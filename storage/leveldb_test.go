package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
)

func openTestStorage(t *testing.T) *LevelDBStorage {
	t.Helper()
	s, err := OpenLevelDB(t.TempDir() + "/node.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestImmutableValueRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	v := core.CreateValue([]byte("Hello, world"))

	prior, err := s.PutValue(v, -1, false, false)
	require.NoError(t, err)
	assert.Nil(t, prior)

	got, err := s.GetValue(v.Id())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Equals(v))

	missing, err := s.GetValue(core.RandomId())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMutableValueSequenceRules(t *testing.T) {
	s := openTestStorage(t)
	v0, err := core.CreateSignedValue([]byte("v0"))
	require.NoError(t, err)

	_, err = s.PutValue(v0, -1, false, false)
	require.NoError(t, err)

	// CAS expecting the wrong sequence fails
	_, err = s.PutValue(v0, 1, false, false)
	assert.ErrorIs(t, err, ErrCASFail)

	// sequence regression fails
	v1, err := v0.Update([]byte("v1"))
	require.NoError(t, err)
	_, err = s.PutValue(v1, 0, false, false)
	require.NoError(t, err)
	_, err = s.PutValue(v0, -1, false, false)
	assert.ErrorIs(t, err, ErrSequenceNotMonotonic)

	got, err := s.GetValue(v1.Id())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int32(1), got.SequenceNumber())
	assert.Equal(t, []byte("v1"), got.Data())
}

func TestTamperedMutableReplayRejected(t *testing.T) {
	s := openTestStorage(t)
	mv, err := core.CreateSignedValue([]byte("data"))
	require.NoError(t, err)
	_, err = s.PutValue(mv, -1, false, false)
	require.NoError(t, err)

	fake := core.ValueOf(nil, nil, crypto.Nonce{}, -1, nil, []byte("other"))
	// an immutable value cannot be written under the mutable value's id
	// through PutValue
	_, err = s.PutValue(fake, -1, false, false)
	require.NoError(t, err) // lands under its own id

	// replaying the mutable value at the same sequence with tampered data
	// and the original signature is rejected
	pk := mv.PublicKey()
	replay := core.ValueOf(&pk, nil, mv.Nonce(), mv.SequenceNumber(), mv.Signature(), []byte("tampered"))
	_, err = s.PutValue(replay, -1, false, false)
	assert.Error(t, err)
}

func TestValueSignatureRequired(t *testing.T) {
	s := openTestStorage(t)
	v, err := core.CreateSignedValue([]byte("ok"))
	require.NoError(t, err)

	pk := v.PublicKey()
	forged := core.ValueOf(&pk, nil, v.Nonce(), v.SequenceNumber()+1, v.Signature(), v.Data())
	_, err = s.PutValue(forged, -1, false, false)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestPersistentValuesListing(t *testing.T) {
	s := openTestStorage(t)

	persistent := core.CreateValue([]byte("keep me"))
	_, err := s.PutValue(persistent, -1, true, true)
	require.NoError(t, err)

	transient := core.CreateValue([]byte("let me go"))
	_, err = s.PutValue(transient, -1, false, false)
	require.NoError(t, err)

	// nothing is due yet: the persistent value was announced just now
	due, err := s.PersistentValues(time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.PersistentValues(time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, persistent.Id(), due[0].Id())

	ids, err := s.ValueIds()
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	removed, err := s.RemoveValue(transient.Id())
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveValue(transient.Id())
	require.NoError(t, err)
	assert.False(t, removed)
}

func makePeer(t *testing.T, port uint16) core.PeerInfo {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	nodeId := core.RandomId()
	peer, err := core.NewPeerInfo(kp, nodeId, nodeId, port, "")
	require.NoError(t, err)
	return peer
}

func TestPeerRoundTrip(t *testing.T) {
	s := openTestStorage(t)
	peer := makePeer(t, 8080)

	require.NoError(t, s.PutPeer(peer, false, false))

	got, err := s.GetPeer(peer.Id(), peer.Origin())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, peer.Port(), got.Port())
	assert.True(t, got.IsValid())

	peers, err := s.GetPeers(peer.Id(), 8)
	require.NoError(t, err)
	assert.Len(t, peers, 1)

	removed, err := s.RemovePeer(peer.Id(), peer.Origin())
	require.NoError(t, err)
	assert.True(t, removed)

	peers, err = s.GetPeers(peer.Id(), 8)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestGetPeersHonorsLimit(t *testing.T) {
	s := openTestStorage(t)
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	// several announcements under the same peer id, different origins
	var peerId core.Id
	for i := 0; i < 5; i++ {
		nodeId := core.RandomId()
		origin := core.RandomId()
		peer, err := core.NewPeerInfo(kp, nodeId, origin, uint16(8000+i), "")
		require.NoError(t, err)
		peerId = peer.Id()
		require.NoError(t, s.PutPeer(peer, false, false))
	}

	peers, err := s.GetPeers(peerId, 3)
	require.NoError(t, err)
	assert.Len(t, peers, 3)
}

func TestPersistentPeersListing(t *testing.T) {
	s := openTestStorage(t)
	peer := makePeer(t, 443)
	require.NoError(t, s.PutPeer(peer, true, true))

	due, err := s.PersistentPeers(time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, peer.Id(), due[0].Id())

	require.NoError(t, s.UpdatePeerLastAnnounce(peer.Id(), peer.Origin()))
	due, err = s.PersistentPeers(time.Now().Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestExpireKeepsFreshEntries(t *testing.T) {
	s := openTestStorage(t)
	v := core.CreateValue([]byte("fresh"))
	_, err := s.PutValue(v, -1, false, false)
	require.NoError(t, err)

	require.NoError(t, s.Expire())

	got, err := s.GetValue(v.Id())
	require.NoError(t, err)
	assert.NotNil(t, got)
}
