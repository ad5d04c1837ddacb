// Package wire implements the self-describing CBOR message codec of the
// overlay RPC protocol: request, response and error envelopes for the six
// methods, with a closed per-method schema.
package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Method identifies an RPC method.
type Method uint8

const (
	MethodUnknown      Method = 0x00
	MethodPing         Method = 0x01
	MethodFindNode     Method = 0x02
	MethodAnnouncePeer Method = 0x03
	MethodFindPeer     Method = 0x04
	MethodStoreValue   Method = 0x05
	MethodFindValue    Method = 0x06
)

func (m Method) String() string {
	switch m {
	case MethodPing:
		return "ping"
	case MethodFindNode:
		return "find_node"
	case MethodAnnouncePeer:
		return "announce_peer"
	case MethodFindPeer:
		return "find_peer"
	case MethodStoreValue:
		return "store_value"
	case MethodFindValue:
		return "find_value"
	default:
		return "unknown"
	}
}

// Kind is the envelope type tag.
type Kind string

const (
	KindRequest  Kind = "q"
	KindResponse Kind = "r"
	KindError    Kind = "e"
)

// Want flags of lookup requests.
const (
	WantIPv4  = 1 << 0
	WantIPv6  = 1 << 1
	WantToken = 1 << 2
)

// Message is a decoded protocol message. Remote metadata (sender id,
// origin address) is attached by the RPC layer, not carried here.
type Message struct {
	Kind    Kind
	Method  Method
	Txid    int32
	Version uint32
	Body    any
}

var (
	errNotExactlyOneBody = errors.New("wire: envelope must carry exactly one of q/r/e")
	errUnknownMethod     = errors.New("wire: unknown method")
)

// encMode produces canonical, deterministic encodings so that round-trips
// are byte-exact.
var encMode cbor.EncMode

// decMode rejects unknown map keys, enforcing the closed schema.
var decMode cbor.DecMode

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	if encMode, err = opts.EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		IndefLength:       cbor.IndefLengthForbidden,
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
	}).DecMode(); err != nil {
		panic(err)
	}
}

type envelope struct {
	Kind    string          `cbor:"y"`
	Method  uint8           `cbor:"m"`
	Txid    int32           `cbor:"t"`
	Version uint32          `cbor:"v"`
	Request cbor.RawMessage `cbor:"q,omitempty"`
	Reply   cbor.RawMessage `cbor:"r,omitempty"`
	Err     cbor.RawMessage `cbor:"e,omitempty"`
}

// Marshal serializes a message into its canonical CBOR form.
func Marshal(msg *Message) ([]byte, error) {
	body, err := encMode.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s body: %w", msg.Method, err)
	}
	env := envelope{
		Kind:    string(msg.Kind),
		Method:  uint8(msg.Method),
		Txid:    msg.Txid,
		Version: msg.Version,
	}
	switch msg.Kind {
	case KindRequest:
		env.Request = body
	case KindResponse:
		env.Reply = body
	case KindError:
		env.Err = body
	default:
		return nil, fmt.Errorf("wire: invalid message kind %q", msg.Kind)
	}
	return encMode.Marshal(&env)
}

// Parse decodes a datagram payload. Unknown envelope or body fields are
// rejected.
func Parse(data []byte) (*Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: parse envelope: %w", err)
	}

	var raw cbor.RawMessage
	kind := Kind(env.Kind)
	switch {
	case env.Request != nil && env.Reply == nil && env.Err == nil && kind == KindRequest:
		raw = env.Request
	case env.Reply != nil && env.Request == nil && env.Err == nil && kind == KindResponse:
		raw = env.Reply
	case env.Err != nil && env.Request == nil && env.Reply == nil && kind == KindError:
		raw = env.Err
	default:
		return nil, errNotExactlyOneBody
	}

	msg := &Message{
		Kind:    kind,
		Method:  Method(env.Method),
		Txid:    env.Txid,
		Version: env.Version,
	}
	body, err := newBody(kind, msg.Method)
	if err != nil {
		return nil, err
	}
	if err := decMode.Unmarshal(raw, body); err != nil {
		return nil, fmt.Errorf("wire: parse %s/%s body: %w", msg.Method, kind, err)
	}
	msg.Body = body
	return msg, nil
}

func newBody(kind Kind, method Method) (any, error) {
	if kind == KindError {
		return new(Error), nil
	}
	req := kind == KindRequest
	switch method {
	case MethodPing:
		if req {
			return new(PingRequest), nil
		}
		return new(PingResponse), nil
	case MethodFindNode:
		if req {
			return new(FindNodeRequest), nil
		}
		return new(FindNodeResponse), nil
	case MethodFindValue:
		if req {
			return new(FindValueRequest), nil
		}
		return new(FindValueResponse), nil
	case MethodStoreValue:
		if req {
			return new(StoreValueRequest), nil
		}
		return new(StoreValueResponse), nil
	case MethodFindPeer:
		if req {
			return new(FindPeerRequest), nil
		}
		return new(FindPeerResponse), nil
	case MethodAnnouncePeer:
		if req {
			return new(AnnouncePeerRequest), nil
		}
		return new(AnnouncePeerResponse), nil
	default:
		return nil, errUnknownMethod
	}
}
