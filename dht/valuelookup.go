package dht

import (
	"github.com/corvid-net/corvid/core"
	"github.com/corvid-net/corvid/crypto"
	"github.com/corvid-net/corvid/dht/wire"
)

// valueLookup retrieves a value by id, tracking the highest sequence seen.
type valueLookup struct {
	lookupTask

	expectedSeq   int32
	resultHandler func(core.Value)
}

func newValueLookup(d *DHT, target core.Id) *valueLookup {
	t := &valueLookup{expectedSeq: -1}
	t.initLookup(d, t, target)
	t.update = t.doLookup
	t.onResponse = t.handleResponse
	t.onTimeout = t.handleTimeout
	t.isDone = t.lookupDone
	return t
}

func (t *valueLookup) start() {
	t.seedFromRoutingTable()
	t.baseTask.start()
}

func (t *valueLookup) doLookup() {
	t.sendToNextCandidates(func(*candidateNode) *wire.Message {
		return &wire.Message{
			Kind:   wire.KindRequest,
			Method: wire.MethodFindValue,
			Body: &wire.FindValueRequest{
				Target: t.target.Bytes(),
				Want:   t.wantFlags(),
				Seq:    t.expectedSeq,
			},
		}
	})
}

func (t *valueLookup) handleResponse(call *rpcCall, msg *wire.Message) {
	r, ok := msg.Body.(*wire.FindValueResponse)
	if !ok {
		return
	}
	t.addLookupResponse(call, t.nodesForFamily(r.Nodes4, r.Nodes6), r.Token)

	if !r.HasValue() {
		return
	}
	value, err := valueFromWire(r.PublicKey, r.Recipient, r.Nonce, r.Signature, r.Seq, r.Data)
	if err != nil || !value.IsValid() || value.Id() != t.target {
		t.logger.Warn("Ignoring invalid value in response", "from", call.targetId())
		return
	}
	if value.IsMutable() && value.SequenceNumber() > t.expectedSeq {
		t.expectedSeq = value.SequenceNumber()
	}
	if t.resultHandler != nil {
		t.resultHandler(value)
	}
}

func (t *valueLookup) handleTimeout(call *rpcCall) {
	t.candidates.remove(call.targetId())
}

// valueFromWire rebuilds a core.Value from response fields.
func valueFromWire(pk, recipient, nonceBytes, sig []byte, seq *int32, data []byte) (core.Value, error) {
	var pkId, rcptId *core.Id
	if len(pk) > 0 {
		id, err := core.IdFromBytes(pk)
		if err != nil {
			return core.Value{}, err
		}
		pkId = &id
	}
	if len(recipient) > 0 {
		id, err := core.IdFromBytes(recipient)
		if err != nil {
			return core.Value{}, err
		}
		rcptId = &id
	}
	var nonce crypto.Nonce
	if len(nonceBytes) > 0 {
		var err error
		if nonce, err = crypto.NonceFromBytes(nonceBytes); err != nil {
			return core.Value{}, err
		}
	}
	seqNo := int32(-1)
	if seq != nil {
		seqNo = *seq
	}
	return core.ValueOf(pkId, rcptId, nonce, seqNo, sig, data), nil
}

// wireFromValue splits a core.Value into response/request fields.
func wireFromValue(v core.Value) (pk, recipient, nonce, sig []byte, seq *int32) {
	if p := v.PublicKeyRef(); p != nil {
		pk = p.Bytes()
		n := v.Nonce()
		nonce = n[:]
		s := v.SequenceNumber()
		seq = &s
		sig = v.Signature()
	}
	if r := v.Recipient(); r != nil {
		recipient = r.Bytes()
	}
	return
}
