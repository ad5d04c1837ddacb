package wire

import (
	"net"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomIdBytes() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func roundTrip(t *testing.T, msg *Message) *Message {
	t.Helper()
	data, err := Marshal(msg)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	// byte-exact round trip under canonical encoding
	again, err := Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, data, again)

	return parsed
}

func TestPingRoundTrip(t *testing.T) {
	parsed := roundTrip(t, &Message{
		Kind: KindRequest, Method: MethodPing, Txid: 42, Version: 0x63760001,
		Body: &PingRequest{},
	})
	assert.Equal(t, MethodPing, parsed.Method)
	assert.Equal(t, int32(42), parsed.Txid)
	assert.IsType(t, &PingRequest{}, parsed.Body)
}

func TestFindNodeRoundTrip(t *testing.T) {
	req := roundTrip(t, &Message{
		Kind: KindRequest, Method: MethodFindNode, Txid: 7,
		Body: &FindNodeRequest{Target: randomIdBytes(), Want: WantIPv4 | WantToken},
	})
	body := req.Body.(*FindNodeRequest)
	assert.True(t, body.Wants4())
	assert.False(t, body.Wants6())
	assert.True(t, body.WantsToken())

	rsp := roundTrip(t, &Message{
		Kind: KindResponse, Method: MethodFindNode, Txid: 7,
		Body: &FindNodeResponse{
			Nodes4: []NodeEntry{
				{Id: randomIdBytes(), IP: net.IPv4(127, 0, 0, 1), Port: 42222},
			},
			Nodes6: []NodeEntry{
				{Id: randomIdBytes(), IP: net.ParseIP("::1"), Port: 42223},
			},
			Token: 0x1234567,
		},
	})
	body2 := rsp.Body.(*FindNodeResponse)
	require.Len(t, body2.Nodes4, 1)
	require.Len(t, body2.Nodes6, 1)
	assert.Equal(t, uint16(42222), body2.Nodes4[0].Port)
	assert.True(t, body2.Nodes4[0].IP.Equal(net.IPv4(127, 0, 0, 1)))
	assert.Len(t, []byte(body2.Nodes6[0].IP), net.IPv6len)
	assert.Equal(t, int32(0x1234567), body2.Token)
}

func TestFindValueRoundTrip(t *testing.T) {
	seq := int32(5)
	rsp := roundTrip(t, &Message{
		Kind: KindResponse, Method: MethodFindValue, Txid: 9,
		Body: &FindValueResponse{
			PublicKey: randomIdBytes(),
			Nonce:     make([]byte, 24),
			Signature: make([]byte, 64),
			Seq:       &seq,
			Data:      []byte("Hello, world"),
			Token:     99,
		},
	})
	body := rsp.Body.(*FindValueResponse)
	assert.True(t, body.HasValue())
	require.NotNil(t, body.Seq)
	assert.Equal(t, int32(5), *body.Seq)
}

func TestStoreValueRoundTrip(t *testing.T) {
	seq, cas := int32(1), int32(0)
	req := roundTrip(t, &Message{
		Kind: KindRequest, Method: MethodStoreValue, Txid: 11,
		Body: &StoreValueRequest{
			Token:     1234,
			PublicKey: randomIdBytes(),
			Nonce:     make([]byte, 24),
			Signature: make([]byte, 64),
			Seq:       &seq,
			CAS:       &cas,
			Data:      []byte("v1"),
		},
	})
	body := req.Body.(*StoreValueRequest)
	require.NotNil(t, body.CAS)
	assert.Equal(t, int32(0), *body.CAS)
}

func TestFindPeerRoundTrip(t *testing.T) {
	withURL := PeerEntry{
		PeerId: randomIdBytes(), NodeId: randomIdBytes(), Port: 8080,
		URL: "https://example.com", Signature: make([]byte, 64),
	}
	withoutURL := PeerEntry{
		PeerId: randomIdBytes(), NodeId: randomIdBytes(), Port: 8081,
		Signature: make([]byte, 64),
	}
	rsp := roundTrip(t, &Message{
		Kind: KindResponse, Method: MethodFindPeer, Txid: 13,
		Body: &FindPeerResponse{Peers4: []PeerEntry{withURL, withoutURL}, Token: 3},
	})
	body := rsp.Body.(*FindPeerResponse)
	require.Len(t, body.Peers4, 2)
	assert.Equal(t, "https://example.com", body.Peers4[0].URL)
	assert.Empty(t, body.Peers4[1].URL)
	assert.Equal(t, uint16(8081), body.Peers4[1].Port)
}

func TestAnnouncePeerRoundTrip(t *testing.T) {
	req := roundTrip(t, &Message{
		Kind: KindRequest, Method: MethodAnnouncePeer, Txid: 17,
		Body: &AnnouncePeerRequest{
			Token: 55, PeerId: randomIdBytes(), NodeId: randomIdBytes(),
			Port: 8080, Signature: make([]byte, 64),
		},
	})
	body := req.Body.(*AnnouncePeerRequest)
	assert.Equal(t, uint16(8080), body.Port)
}

func TestErrorRoundTrip(t *testing.T) {
	msg := roundTrip(t, &Message{
		Kind: KindError, Method: MethodPing, Txid: 19,
		Body: &Error{Code: 203, Message: "protocol error"},
	})
	body := msg.Body.(*Error)
	assert.Equal(t, int32(203), body.Code)
}

// The schema is closed: unknown fields must be rejected.
func TestUnknownFieldRejected(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{"x": 1})
	require.NoError(t, err)
	env, err := cbor.Marshal(map[string]any{
		"y": "q", "m": uint8(MethodPing), "t": int32(1), "v": uint32(1),
		"q": cbor.RawMessage(payload),
	})
	require.NoError(t, err)
	_, err = Parse(env)
	assert.Error(t, err)

	env, err = cbor.Marshal(map[string]any{
		"y": "q", "m": uint8(MethodPing), "t": int32(1), "v": uint32(1),
		"q": map[string]any{}, "zz": 1,
	})
	require.NoError(t, err)
	_, err = Parse(env)
	assert.Error(t, err)
}

func TestExactlyOneBodyEnforced(t *testing.T) {
	env, err := cbor.Marshal(map[string]any{
		"y": "q", "m": uint8(MethodPing), "t": int32(1), "v": uint32(1),
		"q": map[string]any{}, "r": map[string]any{},
	})
	require.NoError(t, err)
	_, err = Parse(env)
	assert.Error(t, err)

	env, err = cbor.Marshal(map[string]any{
		"y": "q", "m": uint8(MethodPing), "t": int32(1), "v": uint32(1),
	})
	require.NoError(t, err)
	_, err = Parse(env)
	assert.Error(t, err)
}

func TestKindBodyMismatchRejected(t *testing.T) {
	env, err := cbor.Marshal(map[string]any{
		"y": "r", "m": uint8(MethodPing), "t": int32(1), "v": uint32(1),
		"q": map[string]any{},
	})
	require.NoError(t, err)
	_, err = Parse(env)
	assert.Error(t, err)
}

func TestNodeEntryShape(t *testing.T) {
	e := NodeEntry{Id: randomIdBytes(), IP: net.IPv4(10, 0, 0, 1), Port: 1234}
	data, err := e.MarshalCBOR()
	require.NoError(t, err)

	var parts []cbor.RawMessage
	require.NoError(t, cbor.Unmarshal(data, &parts))
	require.Len(t, parts, 3)

	var ip []byte
	require.NoError(t, cbor.Unmarshal(parts[1], &ip))
	assert.Len(t, ip, net.IPv4len, "v4 addresses travel as 4 bytes")
}
