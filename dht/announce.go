package dht

import (
	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/dht/wire"
)

// valueAnnounce pushes a value to the closest set produced by a preceding
// node lookup, one STORE_VALUE per entry with that entry's token. Delivery
// is best effort: the task completes when every send reaches a terminal
// state.
type valueAnnounce struct {
	baseTask

	value   core.Value
	targets []*candidateNode
	next    int
}

func newValueAnnounce(d *DHT, targets []*candidateNode, value core.Value) *valueAnnounce {
	t := &valueAnnounce{value: value, targets: targets}
	t.init(d, t)
	t.update = t.doAnnounce
	t.isDone = func() bool { return t.next >= len(t.targets) }
	return t
}

func (t *valueAnnounce) doAnnounce() {
	for t.canDoRequest() && t.next < len(t.targets) {
		target := t.targets[t.next]
		t.next++
		pk, recipient, nonce, sig, seq := wireFromValue(t.value)
		req := &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodStoreValue,
			Body: &wire.StoreValueRequest{
				Token:     target.token,
				PublicKey: pk,
				Recipient: recipient,
				Nonce:     nonce,
				Signature: sig,
				Seq:       seq,
				Data:      t.value.Data(),
			},
		}
		t.sendCall(target.NodeInfo, req, nil)
	}
}

// peerAnnounce publishes a peer announcement to the closest set.
type peerAnnounce struct {
	baseTask

	peer    core.PeerInfo
	targets []*candidateNode
	next    int
}

func newPeerAnnounce(d *DHT, targets []*candidateNode, peer core.PeerInfo) *peerAnnounce {
	t := &peerAnnounce{peer: peer, targets: targets}
	t.init(d, t)
	t.update = t.doAnnounce
	t.isDone = func() bool { return t.next >= len(t.targets) }
	return t
}

func (t *peerAnnounce) doAnnounce() {
	for t.canDoRequest() && t.next < len(t.targets) {
		target := t.targets[t.next]
		t.next++
		req := &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodAnnouncePeer,
			Body: &wire.AnnouncePeerRequest{
				Token:     target.token,
				PeerId:    t.peer.Id().Bytes(),
				NodeId:    t.peer.NodeId().Bytes(),
				Port:      t.peer.Port(),
				AltURL:    t.peer.AlternativeURL(),
				Signature: t.peer.Signature(),
			},
		}
		t.sendCall(target.NodeInfo, req, nil)
	}
}
